package work

import (
	"context"
	"time"

	"github.com/emberhollow/worldqueue/id"
)

// ListOpts controls pagination and filtering for item list queries.
type ListOpts struct {
	// Limit is the maximum number of items to return. Zero means no limit.
	Limit int
	// Offset is the number of items to skip.
	Offset int
	// WorkType filters by work type tag. Empty means all types.
	WorkType string
}

// CountOpts controls filtering for item count queries.
type CountOpts struct {
	// WorkType filters by work type tag. Empty means all types.
	WorkType string
	// Status filters by item status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for work items. Implementations
// must enforce version-token checks on every conditional mutation: an
// update carrying a stale Version fails with
// [worldqueue.ErrVersionConflict] and leaves the row untouched.
type Store interface {
	// EnqueueItem persists a new item in pending state.
	EnqueueItem(ctx context.Context, it *Item) error

	// ClaimNextItem claims the oldest pending item whose RunAt has
	// passed, restricted to the given work types (empty means any).
	// The claim is conditional on the item's version; if another worker
	// wins the race the store moves on to the next candidate. Returns
	// (nil, nil) when nothing is claimable.
	ClaimNextItem(ctx context.Context, workTypes []string, claimant id.WorkerID) (*Item, error)

	// GetItem retrieves an item by ID.
	GetItem(ctx context.Context, itemID id.WorkItemID) (*Item, error)

	// UpdateItem persists changes to an existing item. The write only
	// applies when it.Version matches the stored row; on success the
	// stored version is incremented and it.Version is updated to match.
	UpdateItem(ctx context.Context, it *Item) error

	// CancelItem transitions a pending item to cancelled. Returns
	// [worldqueue.ErrNotCancellable] when the item has already been
	// claimed or reached a terminal state.
	CancelItem(ctx context.Context, itemID id.WorkItemID) (*Item, error)

	// RequeueStuckItems returns running items whose claim is older than
	// the threshold to pending so another worker can pick them up.
	// Returns the requeued items.
	RequeueStuckItems(ctx context.Context, threshold time.Duration) ([]*Item, error)

	// ListItemsByStatus returns items matching the given status,
	// ordered oldest first.
	ListItemsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Item, error)

	// CountItems returns the number of items matching the given options.
	CountItems(ctx context.Context, opts CountOpts) (int64, error)

	// DeleteItem removes an item by ID.
	DeleteItem(ctx context.Context, itemID id.WorkItemID) error
}
