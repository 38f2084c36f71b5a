package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/event"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/throttle"
	"github.com/emberhollow/worldqueue/work"
)

// errClaimExpired is the failure recorded against items the sweep had
// to fail terminally because their worker crashed on the last attempt.
var errClaimExpired = errors.New("claim expired")

// Pool runs a fixed number of claim loops against the work item store
// plus a periodic sweep that reclaims items whose worker crashed
// mid-execution.
type Pool struct {
	cfg      worldqueue.Config
	store    work.Store
	executor *Executor
	limiter  *throttle.Limiter
	dlq      *dlq.Service
	pub      Publisher
	logger   *slog.Logger
	workerID id.WorkerID

	mu      sync.Mutex
	active  map[id.WorkItemID]context.CancelFunc
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithThrottle installs a per-work-type limiter. Claimed items that
// exceed a type's limits are returned to pending with a short delay.
func WithThrottle(l *throttle.Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// WithPublisher sets the event publisher for claim events.
func WithPublisher(pub Publisher) PoolOption {
	return func(p *Pool) { p.pub = pub }
}

// WithDLQ sets the dead letter service the sweep archives terminally
// failed stuck items with.
func WithDLQ(svc *dlq.Service) PoolOption {
	return func(p *Pool) { p.dlq = svc }
}

// NewPool creates a Pool. Zero-valued cfg fields fall back to the
// documented defaults.
func NewPool(cfg worldqueue.Config, store work.Store, executor *Executor, opts ...PoolOption) *Pool {
	def := worldqueue.DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	p := &Pool{
		cfg:      cfg,
		store:    store,
		executor: executor,
		logger:   slog.Default(),
		workerID: id.NewWorkerID(),
		active:   make(map[id.WorkItemID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the claimant identity this pool uses.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the claim loops and the stuck-item sweep. It returns
// immediately; work proceeds in the background until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Duration("poll_interval", p.cfg.PollInterval),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.claimLoop(ctx)
	}

	p.wg.Add(1)
	go p.sweepLoop(ctx)

	return nil
}

// Stop shuts the pool down. Claim loops stop taking new items; in-flight
// handlers get until ShutdownTimeout before their contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(p.cfg.ShutdownTimeout)
	defer deadline.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-deadline.C:
		p.logger.Warn("shutdown timeout reached, cancelling in-flight items")
		p.cancelActive()
		<-done
		return nil
	case <-ctx.Done():
		p.cancelActive()
		<-done
		return ctx.Err()
	}
}

// claimLoop repeatedly claims the next eligible item and executes it.
func (p *Pool) claimLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		it, err := p.store.ClaimNextItem(ctx, p.cfg.WorkTypes, p.workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", slog.String("error", err.Error()))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if it == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		if p.limiter != nil && !p.limiter.Acquire(it.WorkType) {
			p.deferItem(ctx, it)
			continue
		}

		p.runItem(ctx, it)
	}
}

// runItem executes one claimed item, tracking its cancel func so a hard
// shutdown can interrupt it.
func (p *Pool) runItem(ctx context.Context, it *work.Item) {
	itemCtx, cancel := context.WithCancel(ctx)
	p.track(it.ID, cancel)
	defer func() {
		p.untrack(it.ID)
		cancel()
		if p.limiter != nil {
			p.limiter.Release(it.WorkType)
		}
	}()

	if p.pub != nil {
		p.pub.Publish(event.WorkItemStarted{
			Base:     event.Now(),
			ItemID:   it.ID,
			WorkType: it.WorkType,
			WorkerID: p.workerID,
			Attempt:  it.RetryCount + 1,
		})
	}

	if err := p.executor.Execute(itemCtx, it); err != nil {
		p.logger.Debug("work item execution ended with error",
			slog.String("item_id", it.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// deferItem returns a throttled claim to pending with a short delay so
// another poll picks it up once the limiter has room.
func (p *Pool) deferItem(ctx context.Context, it *work.Item) {
	it.Status = work.StatusPending
	it.ClaimedBy = id.WorkerID{}
	it.ClaimedAt = nil
	it.RunAt = time.Now().UTC().Add(p.cfg.PollInterval)
	it.Touch()

	if err := p.store.UpdateItem(ctx, it); err != nil {
		p.logger.Warn("failed to defer throttled item",
			slog.String("item_id", it.ID.String()),
			slog.String("work_type", it.WorkType),
			slog.String("error", err.Error()),
		)
	}
}

// sweepLoop periodically returns items stuck in running to pending.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	swept, err := p.store.RequeueStuckItems(ctx, p.cfg.ClaimTimeout)
	if err != nil {
		p.logger.Error("stuck item sweep failed", slog.String("error", err.Error()))
		return
	}
	if len(swept) == 0 {
		return
	}

	p.logger.Warn("swept stuck work items", slog.Int("count", len(swept)))
	for _, it := range swept {
		if it.Status == work.StatusFailed {
			p.failSwept(ctx, it)
			continue
		}
		if p.pub != nil {
			p.pub.Publish(event.WorkItemRetrying{
				Base:     event.Now(),
				ItemID:   it.ID,
				WorkType: it.WorkType,
				Error:    it.LastError,
				Attempt:  it.RetryCount,
				NextRun:  it.RunAt,
			})
		}
	}
}

// failSwept archives and announces an item the sweep failed terminally
// because its worker crashed with no attempt budget left.
func (p *Pool) failSwept(ctx context.Context, it *work.Item) {
	if p.dlq != nil {
		if _, err := p.dlq.Push(ctx, it, errClaimExpired); err != nil {
			p.logger.Error("failed to dead letter swept work item",
				slog.String("item_id", it.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.pub != nil {
		p.pub.Publish(event.WorkItemFailed{
			Base:     event.Now(),
			ItemID:   it.ID,
			WorkType: it.WorkType,
			Error:    it.LastError,
			Attempts: it.RetryCount + 1,
		})
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	case <-ctx.Done():
	}
}

func (p *Pool) track(itemID id.WorkItemID, cancel context.CancelFunc) {
	p.mu.Lock()
	p.active[itemID] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(itemID id.WorkItemID) {
	p.mu.Lock()
	delete(p.active, itemID)
	p.mu.Unlock()
}

func (p *Pool) cancelActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.active {
		cancel()
	}
}
