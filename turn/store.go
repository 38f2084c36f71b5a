package turn

import (
	"context"
	"time"

	"github.com/emberhollow/worldqueue/id"
)

// Filter narrows turn job list queries. Zero-valued fields match
// everything.
type Filter struct {
	// GovernmentID filters by government.
	GovernmentID string
	// Status filters by job status.
	Status Status
	// TurnDateFrom includes jobs with TurnDate at or after this time.
	TurnDateFrom time.Time
	// TurnDateTo includes jobs with TurnDate before this time.
	TurnDateTo time.Time
	// Limit caps the number of jobs returned. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store defines the persistence contract for turn jobs. The same
// version-token discipline as work items applies: UpdateTurnJob only
// lands when the caller's Version matches the stored row.
type Store interface {
	// CreateTurnJob persists a new turn job.
	CreateTurnJob(ctx context.Context, j *Job) error

	// GetTurnJob retrieves a turn job by ID.
	GetTurnJob(ctx context.Context, jobID id.TurnJobID) (*Job, error)

	// UpdateTurnJob persists changes to an existing turn job,
	// conditional on j.Version. On success the stored version is
	// incremented and j.Version updated to match.
	UpdateTurnJob(ctx context.Context, j *Job) error

	// ListTurnJobs returns turn jobs matching the filter, newest first.
	ListTurnJobs(ctx context.Context, f Filter) ([]*Job, error)

	// DeleteTurnJob removes a turn job by ID. Intended for retention
	// sweeps, not normal processing.
	DeleteTurnJob(ctx context.Context, jobID id.TurnJobID) error
}
