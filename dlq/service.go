package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/work"
)

// Publisher receives dead letter events. *event.Bus satisfies it.
type Publisher interface {
	Publish(evt event.Event)
}

// Service provides high-level dead letter operations over a Store.
type Service struct {
	store     Store
	workStore work.Store
	pub       Publisher
	logger    *slog.Logger
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

// NewService creates a dead letter service. workStore receives the
// fresh items produced by Requeue.
func NewService(store Store, workStore work.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		workStore: workStore,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push archives a terminally failed item and publishes
// WorkItemDeadLettered. The error string is captured from the final
// handler error.
func (s *Service) Push(ctx context.Context, it *work.Item, itemErr error) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:         id.NewDeadLetterID(),
		ItemID:     it.ID,
		WorkType:   it.WorkType,
		Payload:    it.Payload,
		Error:      itemErr.Error(),
		RetryCount: it.RetryCount,
		MaxRetries: it.MaxRetries,
		FailedAt:   now,
		CreatedAt:  now,
	}
	if err := s.store.PushEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("push dead letter entry: %w", err)
	}

	s.logger.Warn("work item dead lettered",
		"entry_id", entry.ID.String(),
		"item_id", it.ID.String(),
		"work_type", it.WorkType,
		"error", entry.Error,
	)
	if s.pub != nil {
		s.pub.Publish(event.WorkItemDeadLettered{
			Base:     event.Now(),
			ItemID:   it.ID,
			EntryID:  entry.ID,
			WorkType: it.WorkType,
			Error:    entry.Error,
		})
	}
	return entry, nil
}

// Requeue re-enqueues an archived entry as a new pending item and
// stamps the entry as requeued. The new item gets a fresh ID, a zero
// retry count, and runs immediately.
func (s *Service) Requeue(ctx context.Context, entryID id.DeadLetterID) (*work.Item, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	it := work.New(entry.WorkType, entry.Payload, work.WithMaxRetries(entry.MaxRetries))
	if err := s.workStore.EnqueueItem(ctx, it); err != nil {
		return nil, fmt.Errorf("requeue dead letter entry: %w", err)
	}

	if err := s.store.MarkRequeued(ctx, entryID); err != nil {
		// The item is already enqueued. Log but don't fail.
		s.logger.Warn("requeued item enqueued but entry not stamped",
			"entry_id", entryID.String(),
			"item_id", it.ID.String(),
			"error", err,
		)
		return it, nil
	}

	s.logger.Info("dead letter entry requeued",
		"entry_id", entryID.String(),
		"item_id", it.ID.String(),
		"work_type", it.WorkType,
	)
	return it, nil
}

// Store returns the underlying archive store for direct access to
// List, Get, Purge, and Count operations.
func (s *Service) Store() Store {
	return s.store
}
