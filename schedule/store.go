package schedule

import (
	"context"
	"time"

	"github.com/emberhollow/worldqueue/id"
)

// Store defines the persistence contract for schedule entries.
type Store interface {
	// CreateSchedule persists a new entry. Returns
	// [worldqueue.ErrDuplicateSchedule] if the name already exists.
	CreateSchedule(ctx context.Context, entry *Entry) error

	// GetSchedule retrieves an entry by ID.
	GetSchedule(ctx context.Context, entryID id.ScheduleID) (*Entry, error)

	// ListSchedules returns all entries.
	ListSchedules(ctx context.Context) ([]*Entry, error)

	// AcquireScheduleLock attempts to lock an entry for firing. Returns
	// true if the lock was acquired. The lock expires after ttl, so a
	// crashed process cannot hold an entry forever.
	AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock releases the lock held by workerID.
	ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error

	// UpdateSchedule updates an entry (Enabled, NextRunAt, LastRunAt).
	UpdateSchedule(ctx context.Context, entry *Entry) error

	// DeleteSchedule removes an entry by ID.
	DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error
}
