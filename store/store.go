// Package store defines the aggregate persistence interface. Each
// subsystem (work, turn, dlq, schedule) defines its own store
// interface; the composite Store composes them all. Backends:
// Postgres, SQLite, and Memory.
package store

import (
	"context"

	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/schedule"
	"github.com/emberhollow/worldqueue/turn"
	"github.com/emberhollow/worldqueue/work"
)

// Store is the aggregate persistence interface. Each subsystem store
// is a composable interface; a single backend implements all of them.
type Store interface {
	work.Store
	turn.Store
	dlq.Store
	schedule.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
