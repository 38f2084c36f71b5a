package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/id"
)

// transitionAttempts bounds the re-read loop on version conflicts.
const transitionAttempts = 5

// Publisher receives turn lifecycle events. *event.Bus satisfies it.
type Publisher interface {
	Publish(evt event.Event)
}

// Service drives turn jobs through their state machine and publishes
// lifecycle events. All transitions are version-guarded: a conflicting
// concurrent write triggers a re-read, never a hard failure.
type Service struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(pub Publisher) ServiceOption {
	return func(s *Service) {
		s.pub = pub
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a turn service on the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a pending turn job for the given government.
func (s *Service) Create(ctx context.Context, governmentID, governmentName string, turnDate time.Time) (*Job, error) {
	j := NewJob(governmentID, governmentName, turnDate)
	if err := s.store.CreateTurnJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create turn job: %w", err)
	}
	s.logger.Info("turn job created",
		"turn_job_id", j.ID.String(),
		"government_id", governmentID,
		"turn_date", turnDate,
	)
	return j, nil
}

// Get retrieves a turn job by ID.
func (s *Service) Get(ctx context.Context, jobID id.TurnJobID) (*Job, error) {
	return s.store.GetTurnJob(ctx, jobID)
}

// List returns turn jobs matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Job, error) {
	return s.store.ListTurnJobs(ctx, f)
}

// Start transitions a pending turn job to running and publishes
// DominionTurnStarted. Starting an already running job is a no-op, so
// multiple work items of the same turn can race the transition safely.
func (s *Service) Start(ctx context.Context, jobID id.TurnJobID) (*Job, error) {
	return s.transition(ctx, jobID, func(j *Job) (bool, error) {
		switch j.Status {
		case StatusRunning:
			return false, nil
		case StatusPending:
			j.Status = StatusRunning
			j.Touch()
			return true, nil
		default:
			return false, fmt.Errorf("%w: cannot start turn job in status %q", worldqueue.ErrInvalidState, j.Status)
		}
	}, func(j *Job) {
		s.publish(event.DominionTurnStarted{
			Base:           event.Now(),
			TurnJobID:      j.ID,
			GovernmentID:   j.GovernmentID,
			GovernmentName: j.GovernmentName,
			TurnDate:       j.TurnDate,
		})
		s.logger.Info("dominion turn started",
			"turn_job_id", j.ID.String(),
			"government_id", j.GovernmentID,
		)
	})
}

// Complete transitions a running turn job to completed and publishes
// DominionTurnCompleted carrying the scenario count.
func (s *Service) Complete(ctx context.Context, jobID id.TurnJobID, scenariosProcessed int) (*Job, error) {
	return s.transition(ctx, jobID, func(j *Job) (bool, error) {
		if j.Status != StatusRunning {
			return false, fmt.Errorf("%w: cannot complete turn job in status %q", worldqueue.ErrInvalidState, j.Status)
		}
		j.Status = StatusCompleted
		j.ErrorMessage = ""
		j.Touch()
		return true, nil
	}, func(j *Job) {
		s.publish(event.DominionTurnCompleted{
			Base:               event.Now(),
			TurnJobID:          j.ID,
			GovernmentID:       j.GovernmentID,
			ScenariosProcessed: scenariosProcessed,
			Duration:           s.now().Sub(j.CreatedAt),
		})
		s.logger.Info("dominion turn completed",
			"turn_job_id", j.ID.String(),
			"government_id", j.GovernmentID,
			"scenarios_processed", scenariosProcessed,
		)
	})
}

// Fail transitions a pending or running turn job to failed, records
// the error message, and publishes DominionTurnFailed.
func (s *Service) Fail(ctx context.Context, jobID id.TurnJobID, errMsg string) (*Job, error) {
	return s.transition(ctx, jobID, func(j *Job) (bool, error) {
		if j.Status.Terminal() {
			return false, fmt.Errorf("%w: cannot fail turn job in status %q", worldqueue.ErrInvalidState, j.Status)
		}
		j.Status = StatusFailed
		j.ErrorMessage = errMsg
		j.Touch()
		return true, nil
	}, func(j *Job) {
		s.publish(event.DominionTurnFailed{
			Base:         event.Now(),
			TurnJobID:    j.ID,
			GovernmentID: j.GovernmentID,
			Error:        errMsg,
		})
		s.logger.Warn("dominion turn failed",
			"turn_job_id", j.ID.String(),
			"government_id", j.GovernmentID,
			"error", errMsg,
		)
	})
}

// transition reads the job, applies mutate, and writes it back. On a
// version conflict it re-reads and tries again; mutate sees the fresh
// row each time and decides whether the transition still applies.
func (s *Service) transition(ctx context.Context, jobID id.TurnJobID, mutate func(*Job) (bool, error), after func(*Job)) (*Job, error) {
	var lastErr error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		j, err := s.store.GetTurnJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		changed, err := mutate(j)
		if err != nil {
			return nil, err
		}
		if !changed {
			return j, nil
		}

		if err := s.store.UpdateTurnJob(ctx, j); err != nil {
			if errors.Is(err, worldqueue.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("update turn job: %w", err)
		}

		if after != nil {
			after(j)
		}
		return j, nil
	}
	return nil, fmt.Errorf("turn job transition contended: %w", lastErr)
}

func (s *Service) publish(evt event.Event) {
	if s.pub != nil {
		s.pub.Publish(evt)
	}
}
