// Package work defines the work item entity, its state machine, typed
// handler definitions, and the store interface.
//
// # Work Item
//
// An [Item] is a persisted unit of work. It embeds [worldqueue.Entity]
// for timestamps, carries a JSON payload tagged with a work type, and
// progresses through a state machine:
//
//	pending → running → completed
//	pending → running → pending (retryable failure, RunAt pushed forward)
//	pending → running → failed
//	pending → cancelled
//
// There is no separate retrying state: an item whose handler failed
// retryably goes back to pending with a future RunAt, so a restarted
// process resumes it with no extra bookkeeping.
//
// Every item carries a monotonically increasing Version token. Stores
// apply conditional mutations only when the caller's version matches
// the stored row, which is what makes concurrent claims safe: of two
// workers racing for the same item, exactly one version-guarded update
// lands and the loser simply moves on.
//
// # Defining a Handler
//
// Use [Definition] with a typed handler. The payload is decoded before
// the handler runs:
//
//	var civicStats = work.NewDefinition(payload.TypeCivicStats,
//	    func(ctx context.Context, p payload.CivicStatsPayload) error {
//	        return stats.Recalculate(ctx, p.SettlementID, p.LookbackDays)
//	    },
//	    work.WithDependency("stats-db"),
//	)
//
// # Registry
//
// [Registry] maps work type tags to type-erased [HandlerFunc] values
// plus the options they were registered under. Register definitions at
// startup via [RegisterDefinition]:
//
//	work.RegisterDefinition(registry, civicStats)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package work
