// Package engine wires all worldqueue subsystems together: the payload
// catalog, handler registry, stores, worker pool, scheduler, circuit
// breaker, dead letter service, and event bus.
//
// This package exists to break the import cycle: the root worldqueue
// package defines Entity and Config (imported by work, turn, etc.) and
// so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/backoff"
	"github.com/emberhollow/worldqueue/breaker"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/id"
	mw "github.com/emberhollow/worldqueue/middleware"
	"github.com/emberhollow/worldqueue/payload"
	"github.com/emberhollow/worldqueue/schedule"
	"github.com/emberhollow/worldqueue/store"
	"github.com/emberhollow/worldqueue/throttle"
	"github.com/emberhollow/worldqueue/turn"
	"github.com/emberhollow/worldqueue/work"
	"github.com/emberhollow/worldqueue/worker"
)

// Engine is the assembled execution engine. Create one with New,
// register handlers, then Start it.
type Engine struct {
	cfg        worldqueue.Config
	store      store.Store
	logger     *slog.Logger
	payloads   *payload.Registry
	registry   *work.Registry
	bus        *event.Bus
	breaker    *breaker.Breaker
	breakerCfg *breaker.Config
	bo         backoff.Strategy
	limiter    *throttle.Limiter
	metrics    prometheus.Registerer
	mws        []mw.Middleware

	dlqService  *dlq.Service
	turnService *turn.Service
	pool        *worker.Pool
	scheduler   *schedule.Scheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the worker pool configuration. Zero-valued fields
// fall back to the documented defaults.
func WithConfig(cfg worldqueue.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) {
		if logger != nil {
			eng.logger = logger
		}
	}
}

// WithMiddleware appends middleware to the execution chain, after the
// built-in recover/tracing/logging/timeout stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. Defaults to
// full-jitter exponential.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithBreakerConfig sets the circuit breaker thresholds. The breaker
// is always present; this only tunes it.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(eng *Engine) { eng.breakerCfg = &cfg }
}

// WithThrottle registers per-work-type rate limits and concurrency
// caps. Work types not listed have no limits.
func WithThrottle(configs ...throttle.Config) Option {
	return func(eng *Engine) {
		eng.limiter = throttle.NewLimiter(configs...)
	}
}

// WithMetrics enables the Prometheus execution metrics middleware on
// the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(eng *Engine) { eng.metrics = reg }
}

// WithPayloadRegistry replaces the default payload catalog. Useful for
// extending the engine with application payload types.
func WithPayloadRegistry(r *payload.Registry) Option {
	return func(eng *Engine) { eng.payloads = r }
}

// New assembles an Engine around the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, worldqueue.ErrNoStore
	}

	eng := &Engine{
		cfg:      worldqueue.DefaultConfig(),
		store:    st,
		logger:   slog.Default(),
		payloads: payload.DefaultRegistry(),
		registry: work.NewRegistry(),
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.bus = event.NewBus(event.WithLogger(eng.logger))

	brkCfg := breaker.DefaultConfig()
	if eng.breakerCfg != nil {
		brkCfg = *eng.breakerCfg
	}
	eng.breaker = breaker.New(brkCfg,
		breaker.WithLogger(eng.logger),
		breaker.WithPublisher(eng.bus),
	)

	eng.dlqService = dlq.NewService(st, st,
		dlq.WithLogger(eng.logger),
		dlq.WithPublisher(eng.bus),
	)
	eng.turnService = turn.NewService(st,
		turn.WithLogger(eng.logger),
		turn.WithPublisher(eng.bus),
	)

	// Built-in stack: recover → tracing → [metrics] → logging → timeout,
	// then any user middleware.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		mw.Tracing(),
	}
	if eng.metrics != nil {
		allMws = append(allMws, mw.Metrics(eng.metrics))
	}
	allMws = append(allMws, mw.Logging(eng.logger), mw.Timeout(eng.logger))
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(
		eng.registry, st, eng.dlqService, eng.breaker, eng.bo,
		eng.bus, eng.logger, allMws...,
	)

	poolOpts := []worker.PoolOption{
		worker.WithLogger(eng.logger),
		worker.WithPublisher(eng.bus),
		worker.WithDLQ(eng.dlqService),
	}
	if eng.limiter != nil {
		poolOpts = append(poolOpts, worker.WithThrottle(eng.limiter))
	}
	eng.pool = worker.NewPool(eng.cfg, st, executor, poolOpts...)

	enqueueFunc := func(ctx context.Context, workType string, data []byte, opts ...work.Option) (id.WorkItemID, error) {
		it, err := eng.EnqueueRaw(ctx, workType, data, opts...)
		if err != nil {
			return id.Nil, err
		}
		return it.ID, nil
	}
	eng.scheduler = schedule.NewScheduler(st, enqueueFunc, eng.pool.WorkerID(), eng.logger)

	return eng, nil
}

// Register registers a typed work definition with the engine.
func Register[T any](eng *Engine, def *work.Definition[T]) {
	work.RegisterDefinition(eng.registry, def)
}

// Enqueue marshals a typed payload and enqueues it under the given
// work type. No catalog validation is applied; use Submit for
// catalog payloads.
func Enqueue[T any](ctx context.Context, eng *Engine, workType string, p T, opts ...work.Option) (*work.Item, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for work type %q: %w", workType, err)
	}
	return eng.EnqueueRaw(ctx, workType, data, opts...)
}

// Submit decodes and validates a serialized catalog payload, then
// enqueues it. Invalid payloads are rejected with a
// *payload.ValidationError before any item is created.
func (eng *Engine) Submit(ctx context.Context, workType string, data []byte, opts ...work.Option) (*work.Item, error) {
	p, err := eng.payloads.Decode(workType, data)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(p); err != nil {
		return nil, err
	}
	return eng.EnqueueRaw(ctx, workType, data, opts...)
}

// EnqueueRaw enqueues a work item with a pre-serialized payload and
// publishes WorkItemQueued.
func (eng *Engine) EnqueueRaw(ctx context.Context, workType string, data []byte, opts ...work.Option) (*work.Item, error) {
	it := work.New(workType, data, opts...)
	if err := eng.store.EnqueueItem(ctx, it); err != nil {
		return nil, err
	}

	eng.bus.Publish(event.WorkItemQueued{
		Base:     event.Now(),
		ItemID:   it.ID,
		WorkType: it.WorkType,
	})
	return it, nil
}

// CancelItem cancels a pending item and publishes WorkItemCancelled.
func (eng *Engine) CancelItem(ctx context.Context, itemID id.WorkItemID) (*work.Item, error) {
	it, err := eng.store.CancelItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	eng.bus.Publish(event.WorkItemCancelled{
		Base:     event.Now(),
		ItemID:   it.ID,
		WorkType: it.WorkType,
	})
	return it, nil
}

// dominionTurnEnvelope is the persisted form of a scheduled turn: the
// catalog payload plus the turn job it reports to. A payload submitted
// without an envelope still decodes; its job ID is simply Nil.
type dominionTurnEnvelope struct {
	TurnJobID id.TurnJobID `json:"turn_job_id,omitempty"`
	payload.DominionTurnPayload
}

// ScheduleDominionTurn validates the payload, creates the turn job
// record, and fans out the work item carrying it.
func (eng *Engine) ScheduleDominionTurn(ctx context.Context, p payload.DominionTurnPayload, opts ...work.Option) (*turn.Job, *work.Item, error) {
	if err := payload.Validate(p); err != nil {
		return nil, nil, err
	}

	j, err := eng.turnService.Create(ctx, p.DominionID, p.DominionName, p.TurnDate)
	if err != nil {
		return nil, nil, err
	}

	data, err := json.Marshal(dominionTurnEnvelope{
		TurnJobID:           j.ID,
		DominionTurnPayload: p,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal dominion turn payload: %w", err)
	}

	it, err := eng.EnqueueRaw(ctx, payload.TypeDominionTurn, data, opts...)
	if err != nil {
		return nil, nil, err
	}
	return j, it, nil
}

// TurnHandler processes one dominion turn and reports how many
// scenarios it resolved.
type TurnHandler func(ctx context.Context, p payload.DominionTurnPayload) (scenariosProcessed int, err error)

// RegisterDominionTurnHandler registers the dominion turn handler with
// the turn job transitions wired around it: the job is marked running
// when processing begins, completed with the scenario count on
// success, and failed when the final attempt errors out.
func RegisterDominionTurnHandler(eng *Engine, handler TurnHandler, opts ...work.Option) {
	eng.registry.RegisterFunc(payload.TypeDominionTurn, func(ctx context.Context, raw []byte) error {
		var env dominionTurnEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return work.Terminal(fmt.Errorf("unmarshal dominion turn payload: %w", err))
		}

		if !env.TurnJobID.IsNil() {
			if _, err := eng.turnService.Start(ctx, env.TurnJobID); err != nil {
				return fmt.Errorf("start turn job %s: %w", env.TurnJobID, err)
			}
		}

		scenarios, err := handler(ctx, env.DominionTurnPayload)
		if err != nil {
			if !env.TurnJobID.IsNil() && finalAttempt(ctx, err) {
				// The handler context may already be expired, and a
				// write on a dead context would strand the job in
				// Running forever.
				failCtx := context.WithoutCancel(ctx)
				if _, failErr := eng.turnService.Fail(failCtx, env.TurnJobID, err.Error()); failErr != nil {
					eng.logger.Error("failed to mark turn job failed",
						slog.String("turn_job_id", env.TurnJobID.String()),
						slog.String("error", failErr.Error()),
					)
				}
			}
			return err
		}

		if !env.TurnJobID.IsNil() {
			if _, err := eng.turnService.Complete(ctx, env.TurnJobID, scenarios); err != nil {
				return fmt.Errorf("complete turn job %s: %w", env.TurnJobID, err)
			}
		}
		return nil
	}, opts...)
}

// finalAttempt reports whether this handler error will not be retried:
// either it is terminal or the in-flight item has no budget left.
func finalAttempt(ctx context.Context, err error) bool {
	if work.IsTerminal(err) {
		return true
	}
	it, ok := work.ItemFromContext(ctx)
	return ok && !it.RetriesLeft()
}

// RegisterCivicStatsHandler registers the settlement civic stats
// handler. CivicStatsUpdated is published after each successful
// recalculation.
func RegisterCivicStatsHandler(eng *Engine, handler func(ctx context.Context, p payload.CivicStatsPayload) error, opts ...work.Option) {
	Register(eng, work.NewDefinition(payload.TypeCivicStats, func(ctx context.Context, p payload.CivicStatsPayload) error {
		if err := handler(ctx, p); err != nil {
			return err
		}
		eng.bus.Publish(event.CivicStatsUpdated{
			Base:           event.Now(),
			SettlementID:   p.SettlementID,
			SettlementName: p.SettlementName,
		})
		return nil
	}, opts...))
}

// RegisterPersonaActionHandler registers the persona action handler.
// PersonaActionResolved is published after each successfully resolved
// action.
func RegisterPersonaActionHandler(eng *Engine, handler func(ctx context.Context, p payload.PersonaActionPayload) error, opts ...work.Option) {
	Register(eng, work.NewDefinition(payload.TypePersonaAction, func(ctx context.Context, p payload.PersonaActionPayload) error {
		if err := handler(ctx, p); err != nil {
			return err
		}
		eng.bus.Publish(event.PersonaActionResolved{
			Base:       event.Now(),
			PersonaID:  p.PersonaID,
			ActionType: p.ActionType,
		})
		return nil
	}, opts...))
}

// RegisterRecurring persists a recurring schedule from a typed
// definition. It validates the cron expression, computes the initial
// NextRunAt, and is idempotent for an existing name.
func RegisterRecurring[T any](ctx context.Context, eng *Engine, def *schedule.Definition[T]) error {
	sched, err := schedule.ParseSpec(def.Spec)
	if err != nil {
		return fmt.Errorf("invalid schedule spec %q: %w", def.Spec, err)
	}

	data, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload: %w", err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	entry := &schedule.Entry{
		Entity:    worldqueue.NewEntity(),
		ID:        id.NewScheduleID(),
		Name:      def.Name,
		Spec:      def.Spec,
		WorkType:  def.WorkType,
		Payload:   data,
		NextRunAt: &next,
		Enabled:   true,
	}

	if err := eng.store.CreateSchedule(ctx, entry); err != nil {
		if errors.Is(err, worldqueue.ErrDuplicateSchedule) {
			return nil
		}
		return fmt.Errorf("register schedule %q: %w", def.Name, err)
	}

	eng.logger.Info("schedule registered",
		slog.String("name", def.Name),
		slog.String("spec", def.Spec),
		slog.String("work_type", def.WorkType),
		slog.Time("next_run_at", next),
	)
	return nil
}

// Start launches the worker pool and the scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	return nil
}

// Stop gracefully shuts the engine down: scheduler first so nothing new
// is enqueued, then the pool, then the event bus.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	err := eng.pool.Stop(ctx)
	eng.bus.Close()
	return err
}

// Bus returns the event bus for subscriptions.
func (eng *Engine) Bus() *event.Bus { return eng.bus }

// Breaker returns the circuit breaker.
func (eng *Engine) Breaker() *breaker.Breaker { return eng.breaker }

// DLQ returns the dead letter service for replay and inspection.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Turns returns the turn job service.
func (eng *Engine) Turns() *turn.Service { return eng.turnService }

// Registry returns the handler registry.
func (eng *Engine) Registry() *work.Registry { return eng.registry }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }
