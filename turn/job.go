// Package turn defines the dominion turn job aggregate and the service
// that tracks a turn's progress across its underlying work items.
//
// A turn [Job] is longer-lived than a work item: one job may fan out to
// several queue items, and it survives them as the record of when the
// turn ran and how it ended. The scenario count produced by a completed
// turn is surfaced on the DominionTurnCompleted event rather than
// stored on the row.
package turn

import (
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
)

// Status represents the lifecycle state of a turn job.
type Status string

const (
	// StatusPending means the turn is scheduled but not yet processing.
	StatusPending Status = "pending"
	// StatusRunning means the turn's work items are being processed.
	StatusRunning Status = "running"
	// StatusCompleted means the turn finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the turn hit an unrecoverable error.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the persisted record of one dominion turn. Like work items it
// carries a version token; stores reject stale writes with
// [worldqueue.ErrVersionConflict].
type Job struct {
	worldqueue.Entity

	ID             id.TurnJobID `json:"id"`
	GovernmentID   string       `json:"government_id"`
	GovernmentName string       `json:"government_name"`
	TurnDate       time.Time    `json:"turn_date"`
	Status         Status       `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	Version        int64        `json:"version"`
}

// NewJob creates a pending turn job for the given government.
func NewJob(governmentID, governmentName string, turnDate time.Time) *Job {
	return &Job{
		Entity:         worldqueue.NewEntity(),
		ID:             id.NewTurnJobID(),
		GovernmentID:   governmentID,
		GovernmentName: governmentName,
		TurnDate:       turnDate,
		Status:         StatusPending,
		Version:        1,
	}
}
