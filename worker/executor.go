// Package worker provides the work item execution engine — an Executor
// that invokes registered handlers through middleware and the circuit
// breaker, and a Pool that manages concurrent claim goroutines plus the
// stuck-item sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/backoff"
	"github.com/emberhollow/worldqueue/breaker"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/middleware"
	"github.com/emberhollow/worldqueue/work"
)

// Publisher receives work item lifecycle events. *event.Bus satisfies it.
type Publisher interface {
	Publish(evt event.Event)
}

// Executor runs a single claimed item through middleware and the
// registered handler, then applies the outcome: completion, a
// backoff-delayed retry, or terminal failure with dead lettering.
type Executor struct {
	registry   *work.Registry
	store      work.Store
	dlqService *dlq.Service
	breaker    *breaker.Breaker
	backoff    backoff.Strategy
	mw         middleware.Middleware
	pub        Publisher
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies. The
// breaker, dlq service, and publisher may be nil to disable those
// concerns.
func NewExecutor(
	registry *work.Registry,
	store work.Store,
	dlqService *dlq.Service,
	brk *breaker.Breaker,
	bo backoff.Strategy,
	pub Publisher,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		registry:   registry,
		store:      store,
		dlqService: dlqService,
		breaker:    brk,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		pub:        pub,
		logger:     logger,
	}
}

// Execute runs a claimed item to an outcome.
// On success: completed + WorkItemCompleted.
// On retryable failure with budget left: back to pending with a
// backoff RunAt + WorkItemRetrying.
// On terminal failure or exhausted budget: failed + dead letter +
// WorkItemFailed.
func (e *Executor) Execute(ctx context.Context, it *work.Item) error {
	reg, ok := e.registry.Get(it.WorkType)
	if !ok {
		// Nothing will ever handle this item; retrying cannot help.
		err := fmt.Errorf("%w: %s", worldqueue.ErrNoHandler, it.WorkType)
		e.failItem(ctx, it, err)
		return err
	}

	if it.Timeout == 0 {
		it.Timeout = reg.Opts.Timeout
	}

	start := time.Now()

	// The terminal handler runs under the dependency's circuit breaker.
	terminal := func(ctx context.Context) error {
		if e.breaker == nil {
			return reg.Handler(ctx, it.Payload)
		}
		return e.breaker.Do(ctx, reg.Opts.Dependency, func(ctx context.Context) error {
			return reg.Handler(ctx, it.Payload)
		})
	}

	err := e.mw(work.ContextWithItem(ctx, it), it, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, it, err)
	}
	return e.handleSuccess(ctx, it, elapsed)
}

func (e *Executor) handleSuccess(ctx context.Context, it *work.Item, elapsed time.Duration) error {
	it.MarkCompleted(time.Now().UTC())

	if !e.updateItem(ctx, it) {
		return nil
	}

	e.publish(event.WorkItemCompleted{
		Base:     event.Now(),
		ItemID:   it.ID,
		WorkType: it.WorkType,
		Duration: elapsed,
	})
	return nil
}

// handleFailure classifies the error and either schedules a retry or
// fails the item. Terminal errors skip the retry budget entirely.
func (e *Executor) handleFailure(ctx context.Context, it *work.Item, handlerErr error) error {
	if work.IsTerminal(handlerErr) || !it.RetriesLeft() {
		e.failItem(ctx, it, handlerErr)
		return handlerErr
	}
	return e.scheduleRetry(ctx, it, handlerErr)
}

// scheduleRetry returns the item to pending with a backoff-delayed
// RunAt and publishes WorkItemRetrying.
func (e *Executor) scheduleRetry(ctx context.Context, it *work.Item, handlerErr error) error {
	attempt := it.RetryCount + 1
	delay := e.backoff.Delay(attempt)
	runAt := time.Now().UTC().Add(delay)
	it.MarkRetry(handlerErr.Error(), runAt)

	if !e.updateItem(ctx, it) {
		return nil
	}

	e.publish(event.WorkItemRetrying{
		Base:     event.Now(),
		ItemID:   it.ID,
		WorkType: it.WorkType,
		Error:    handlerErr.Error(),
		Attempt:  attempt,
		NextRun:  runAt,
	})

	e.logger.Info("work item scheduled for retry",
		slog.String("item_id", it.ID.String()),
		slog.String("work_type", it.WorkType),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", it.MaxRetries),
		slog.Duration("delay", delay),
	)
	return fmt.Errorf("work item %s retry %d/%d: %w", it.ID, attempt, it.MaxRetries, handlerErr)
}

// failItem marks the item failed, archives it, and publishes
// WorkItemFailed.
func (e *Executor) failItem(ctx context.Context, it *work.Item, handlerErr error) {
	it.MarkFailed(handlerErr.Error(), time.Now().UTC())

	if !e.updateItem(ctx, it) {
		return
	}

	if e.dlqService != nil {
		if _, dlqErr := e.dlqService.Push(ctx, it, handlerErr); dlqErr != nil {
			e.logger.Error("failed to dead letter work item",
				slog.String("item_id", it.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	e.publish(event.WorkItemFailed{
		Base:     event.Now(),
		ItemID:   it.ID,
		WorkType: it.WorkType,
		Error:    handlerErr.Error(),
		Attempts: it.RetryCount + 1,
	})

	e.logger.Warn("work item failed",
		slog.String("item_id", it.ID.String()),
		slog.String("work_type", it.WorkType),
		slog.Int("retry_count", it.RetryCount),
		slog.String("error", handlerErr.Error()),
	)
}

// updateItem writes the item back, absorbing version conflicts. A
// conflict means another actor (usually the stuck-item sweep) took the
// item while we were executing; our outcome is stale, so we drop it
// and let the new owner finish. Returns false when the write was
// abandoned.
func (e *Executor) updateItem(ctx context.Context, it *work.Item) bool {
	err := e.store.UpdateItem(ctx, it)
	if err == nil {
		return true
	}
	if errors.Is(err, worldqueue.ErrVersionConflict) {
		e.logger.Warn("work item outcome dropped after version conflict",
			slog.String("item_id", it.ID.String()),
			slog.String("work_type", it.WorkType),
			slog.String("status", string(it.Status)),
		)
		return false
	}
	e.logger.Error("failed to update work item",
		slog.String("item_id", it.ID.String()),
		slog.String("error", err.Error()),
	)
	return false
}

func (e *Executor) publish(evt event.Event) {
	if e.pub != nil {
		e.pub.Publish(evt)
	}
}
