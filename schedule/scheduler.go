package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/work"
)

// EnqueueFunc is the callback the scheduler uses to enqueue work items.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, workType string, payload []byte, opts ...work.Option) (id.WorkItemID, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-entry firing locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// specParser supports standard 5-field cron and descriptors like "@every 30s".
var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSpec parses a cron expression and returns the schedule.
// Exported for use by engine.RegisterRecurring.
func ParseSpec(expr string) (cronlib.Schedule, error) {
	return specParser.Parse(expr)
}

// Scheduler fires due entries on a tick loop. Any number of scheduler
// processes may run against the same store: each firing is guarded by
// a per-entry lock, so exactly one process enqueues the item.
type Scheduler struct {
	store    Store
	enqueue  EnqueueFunc
	workerID id.WorkerID
	logger   *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration

	// parsed caches compiled cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, enqueue EnqueueFunc, workerID id.WorkerID, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		enqueue:      enqueue,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	entries, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Due(now) {
			continue
		}
		s.fireEntry(ctx, entry, now)
	}
}

func (s *Scheduler) fireEntry(ctx context.Context, entry *Entry, now time.Time) {
	acquired, err := s.store.AcquireScheduleLock(ctx, entry.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another process got it.
	}
	defer func() {
		if relErr := s.store.ReleaseScheduleLock(ctx, entry.ID, s.workerID); relErr != nil {
			s.logger.Error("release schedule lock error",
				slog.String("schedule_id", entry.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	// The list snapshot is stale by the time the lock lands: a
	// competing scheduler may have fired and advanced the entry
	// between our ListSchedules and AcquireScheduleLock. Work from
	// the stored entry and re-check that it is still due.
	fresh, err := s.store.GetSchedule(ctx, entry.ID)
	if err != nil {
		s.logger.Error("reload schedule error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !fresh.Due(now) {
		return
	}
	entry = fresh

	itemID, enqErr := s.enqueue(ctx, entry.WorkType, entry.Payload)
	if enqErr != nil {
		s.logger.Error("schedule enqueue error",
			slog.String("schedule_name", entry.Name),
			slog.String("work_type", entry.WorkType),
			slog.String("error", enqErr.Error()),
		)
		return
	}

	entry.LastRunAt = &now
	sched, parseErr := s.getOrParseSpec(entry.Spec)
	if parseErr != nil {
		s.logger.Error("parse schedule spec error",
			slog.String("schedule_name", entry.Name),
			slog.String("spec", entry.Spec),
			slog.String("error", parseErr.Error()),
		)
	} else {
		next := sched.Next(now)
		entry.NextRunAt = &next
	}
	entry.Touch()
	if updateErr := s.store.UpdateSchedule(ctx, entry); updateErr != nil {
		s.logger.Error("update schedule error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_name", entry.Name),
		slog.String("work_type", entry.WorkType),
		slog.String("item_id", itemID.String()),
	)
}

// getOrParseSpec caches compiled cron expressions.
func (s *Scheduler) getOrParseSpec(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSpec(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
