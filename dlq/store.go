package dlq

import (
	"context"
	"time"

	"github.com/emberhollow/worldqueue/id"
)

// ListOpts controls pagination and filtering for dead letter queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// WorkType filters by work type tag. Empty means all types.
	WorkType string
}

// Store defines the persistence contract for the dead letter archive.
type Store interface {
	// PushEntry adds a terminally failed item to the archive.
	PushEntry(ctx context.Context, entry *Entry) error

	// GetEntry retrieves an entry by ID.
	GetEntry(ctx context.Context, entryID id.DeadLetterID) (*Entry, error)

	// ListEntries returns entries matching the given options, newest
	// failures first.
	ListEntries(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// MarkRequeued stamps RequeuedAt on an entry. The re-enqueue itself
	// is handled at the service layer.
	MarkRequeued(ctx context.Context, entryID id.DeadLetterID) error

	// PurgeEntries removes entries with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeEntries(ctx context.Context, before time.Time) (int64, error)

	// CountEntries returns the total number of archived entries.
	CountEntries(ctx context.Context) (int64, error)
}
