// Package worldqueue provides the persistent work-item queue and execution
// engine that drives background world-simulation jobs: dominion turn
// processing, settlement civic-stat recalculation, persona influence
// actions, and market price recalculation.
//
// Worldqueue is a library, not a service. Import it, configure a store,
// register handlers for the payload catalog, and start the engine:
//
//	eng, err := engine.New(pgStore,
//	    engine.WithConfig(worldqueue.Config{Concurrency: 8}),
//	)
//
// # Architecture
//
// Each subsystem (work, turn, dlq, schedule) defines its own store
// interface; a single backend implements all of them. Work items move
// through a pending/running/completed/failed state machine and every
// persisted mutation is guarded by an explicit version token, so any
// number of workers — across any number of processes — can claim items
// safely with no lock service.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package worldqueue
