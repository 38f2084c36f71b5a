// Package schedule runs recurring work on cron expressions. Each
// firing enqueues a fresh work item; per-entry row locks keep multiple
// scheduler processes from double-firing the same entry.
package schedule

import (
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
)

// Entry represents one recurring schedule.
type Entry struct {
	worldqueue.Entity

	ID          id.ScheduleID `json:"id"`
	Name        string        `json:"name"`
	Spec        string        `json:"spec"`
	WorkType    string        `json:"work_type"`
	Payload     []byte        `json:"payload,omitempty"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time    `json:"next_run_at,omitempty"`
	LockedBy    id.WorkerID   `json:"locked_by,omitempty"`
	LockedUntil *time.Time    `json:"locked_until,omitempty"`
	Enabled     bool          `json:"enabled"`
}

// Due reports whether the entry should fire at the given time.
func (e *Entry) Due(now time.Time) bool {
	return e.Enabled && e.NextRunAt != nil && !e.NextRunAt.After(now)
}
