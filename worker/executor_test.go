package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/backoff"
	"github.com/emberhollow/worldqueue/breaker"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/store/memory"
	"github.com/emberhollow/worldqueue/work"
	"github.com/emberhollow/worldqueue/worker"
)

type executorFixture struct {
	registry *work.Registry
	store    *memory.Store
	bus      *event.Bus
	events   <-chan event.Event
	executor *worker.Executor
}

func setupExecutor(t *testing.T, opts ...func(*executorFixture)) *executorFixture {
	t.Helper()

	f := &executorFixture{
		registry: work.NewRegistry(),
		store:    memory.New(),
		bus:      event.NewBus(),
	}
	t.Cleanup(f.bus.Close)

	events, cancel := f.bus.Subscribe(16)
	t.Cleanup(cancel)
	f.events = events

	for _, opt := range opts {
		opt(f)
	}

	dlqSvc := dlq.NewService(f.store, f.store)
	f.executor = worker.NewExecutor(
		f.registry, f.store, dlqSvc, nil, backoff.NewConstant(time.Millisecond), f.bus, nil,
	)
	return f
}

// claim enqueues an item and claims it, the way the pool would before
// handing it to the executor.
func (f *executorFixture) claim(t *testing.T, workType string, opts ...work.Option) *work.Item {
	t.Helper()

	ctx := context.Background()
	if err := f.store.EnqueueItem(ctx, work.New(workType, []byte(`{}`), opts...)); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}
	it, err := f.store.ClaimNextItem(ctx, nil, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}
	if it == nil {
		t.Fatal("expected a claimable item")
	}
	return it
}

func (f *executorFixture) waitEvent(t *testing.T, kind string) event.Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-f.events:
			if evt.Kind() == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestExecutorSuccess(t *testing.T) {
	f := setupExecutor(t)

	var calls atomic.Int64
	f.registry.RegisterFunc("market_pricing", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})

	it := f.claim(t, "market_pricing")
	if err := f.executor.Execute(context.Background(), it); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls.Load())
	}

	stored, err := f.store.GetItem(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if stored.Status != work.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}

	evt := f.waitEvent(t, event.KindWorkItemCompleted).(event.WorkItemCompleted)
	if evt.ItemID != it.ID {
		t.Fatalf("expected event for %s, got %s", it.ID, evt.ItemID)
	}
}

func TestExecutorRetryableFailure(t *testing.T) {
	f := setupExecutor(t)

	f.registry.RegisterFunc("market_pricing", func(ctx context.Context, payload []byte) error {
		return errors.New("upstream hiccup")
	})

	it := f.claim(t, "market_pricing", work.WithMaxRetries(3))
	if err := f.executor.Execute(context.Background(), it); err == nil {
		t.Fatal("expected an error from a failed attempt")
	}

	stored, err := f.store.GetItem(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if stored.Status != work.StatusPending {
		t.Fatalf("expected pending after retryable failure, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected RetryCount 1, got %d", stored.RetryCount)
	}
	if stored.LastError != "upstream hiccup" {
		t.Fatalf("unexpected LastError %q", stored.LastError)
	}
	if !stored.ClaimedBy.IsNil() {
		t.Fatal("expected claim to be released")
	}

	evt := f.waitEvent(t, event.KindWorkItemRetrying).(event.WorkItemRetrying)
	if evt.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", evt.Attempt)
	}
}

func TestExecutorTerminalFailureSkipsRetries(t *testing.T) {
	f := setupExecutor(t)

	f.registry.RegisterFunc("dominion_turn", func(ctx context.Context, payload []byte) error {
		return work.Terminal(errors.New("dominion no longer exists"))
	})

	it := f.claim(t, "dominion_turn", work.WithMaxRetries(5))
	if err := f.executor.Execute(context.Background(), it); err == nil {
		t.Fatal("expected an error")
	}

	stored, err := f.store.GetItem(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if stored.Status != work.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Fatalf("terminal failures must not consume retries, got RetryCount %d", stored.RetryCount)
	}

	entries, err := f.store.ListEntries(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter entry, got %d", len(entries))
	}
	if entries[0].ItemID != it.ID {
		t.Fatalf("expected dead letter for %s, got %s", it.ID, entries[0].ItemID)
	}

	f.waitEvent(t, event.KindWorkItemFailed)
}

func TestExecutorExhaustedRetriesDeadLetters(t *testing.T) {
	f := setupExecutor(t)

	f.registry.RegisterFunc("persona_action", func(ctx context.Context, payload []byte) error {
		return errors.New("still broken")
	})

	it := f.claim(t, "persona_action", work.WithMaxRetries(0))
	f.executor.Execute(context.Background(), it) //nolint:errcheck

	stored, err := f.store.GetItem(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if stored.Status != work.StatusFailed {
		t.Fatalf("expected failed with no retry budget, got %s", stored.Status)
	}

	count, err := f.store.CountEntries(context.Background())
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dead letter entry, got %d", count)
	}
}

func TestExecutorFailsAfterMaxAttempts(t *testing.T) {
	f := setupExecutor(t)

	var calls atomic.Int64
	f.registry.RegisterFunc("persona_action", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return errors.New("still broken")
	})

	ctx := context.Background()
	if err := f.store.EnqueueItem(ctx, work.New("persona_action", []byte(`{}`), work.WithMaxRetries(3))); err != nil {
		t.Fatalf("EnqueueItem: %v", err)
	}

	workerID := id.NewWorkerID()
	var itemID id.WorkItemID
	for attempt := 1; attempt <= 3; attempt++ {
		var it *work.Item
		deadline := time.Now().Add(2 * time.Second)
		for it == nil {
			if time.Now().After(deadline) {
				t.Fatalf("attempt %d never became claimable", attempt)
			}
			var err error
			it, err = f.store.ClaimNextItem(ctx, nil, workerID)
			if err != nil {
				t.Fatalf("ClaimNextItem: %v", err)
			}
			if it == nil {
				time.Sleep(time.Millisecond)
			}
		}
		f.executor.Execute(ctx, it) //nolint:errcheck
		itemID = it.ID
	}

	// MaxRetries bounds total attempts: the third failure is terminal.
	if calls.Load() != 3 {
		t.Fatalf("expected exactly 3 handler invocations, got %d", calls.Load())
	}

	stored, err := f.store.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if stored.Status != work.StatusFailed {
		t.Fatalf("expected failed after the third attempt, got %s", stored.Status)
	}
	if stored.LastError == "" {
		t.Fatal("expected LastError to be recorded")
	}

	// No fourth attempt: a failed item is never claimable again.
	if it, claimErr := f.store.ClaimNextItem(ctx, nil, workerID); claimErr != nil || it != nil {
		t.Fatalf("expected nothing claimable, got it=%v err=%v", it, claimErr)
	}
}

func TestExecutorUnknownWorkTypeFailsTerminally(t *testing.T) {
	f := setupExecutor(t)

	it := f.claim(t, "unregistered")
	err := f.executor.Execute(context.Background(), it)
	if !errors.Is(err, worldqueue.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}

	stored, getErr := f.store.GetItem(context.Background(), it.ID)
	if getErr != nil {
		t.Fatalf("GetItem: %v", getErr)
	}
	if stored.Status != work.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
}

func TestExecutorVersionConflictAbandonsOutcome(t *testing.T) {
	f := setupExecutor(t)

	f.registry.RegisterFunc("market_pricing", func(ctx context.Context, payload []byte) error {
		return nil
	})

	it := f.claim(t, "market_pricing")

	// Simulate the stuck sweep taking the item mid-execution: bump the
	// stored row so the executor's write loses the race.
	ctx := context.Background()
	fresh, err := f.store.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	fresh.MarkRetry("claim expired", time.Now())
	if err := f.store.UpdateItem(ctx, fresh); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	if err := f.executor.Execute(ctx, it); err != nil {
		t.Fatalf("Execute should absorb version conflicts, got %v", err)
	}

	stored, err := f.store.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if stored.Status != work.StatusPending {
		t.Fatalf("sweep's outcome must win, got %s", stored.Status)
	}
}

func TestExecutorBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int64
	registry := work.NewRegistry()
	registry.RegisterFunc("civic_stats", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return errors.New("stats service down")
	}, work.WithDependency("stats-svc"))

	st := memory.New()
	brk := breaker.New(breaker.Config{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Minute})
	exec := worker.NewExecutor(registry, st, nil, brk, backoff.NewConstant(time.Millisecond), nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.EnqueueItem(ctx, work.New("civic_stats", nil, work.WithMaxRetries(0))); err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
		it, err := st.ClaimNextItem(ctx, nil, id.NewWorkerID())
		if err != nil || it == nil {
			t.Fatalf("ClaimNextItem: it=%v err=%v", it, err)
		}
		exec.Execute(ctx, it) //nolint:errcheck
	}

	// Two failures trip the breaker; the third attempt never reaches
	// the handler.
	if calls.Load() != 2 {
		t.Fatalf("expected 2 handler calls before the breaker opened, got %d", calls.Load())
	}
}

func TestExecutorUsesRegistrationTimeout(t *testing.T) {
	f := setupExecutor(t)

	f.registry.RegisterFunc("market_pricing", func(ctx context.Context, payload []byte) error {
		return nil
	}, work.WithTimeout(42*time.Second))

	it := f.claim(t, "market_pricing")
	it.Timeout = 0
	if err := f.executor.Execute(context.Background(), it); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if it.Timeout != 42*time.Second {
		t.Fatalf("expected registration timeout to apply, got %v", it.Timeout)
	}
}
