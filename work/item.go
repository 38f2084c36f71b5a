package work

import (
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	// StatusPending means the item is waiting to be claimed by a worker.
	// Items returned to the queue after a retryable failure are also
	// pending, with RunAt pushed into the future.
	StatusPending Status = "pending"
	// StatusRunning means a worker holds a claim on the item.
	StatusRunning Status = "running"
	// StatusCompleted means the item finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the item exhausted its retries or hit a
	// terminal error and will not run again.
	StatusFailed Status = "failed"
	// StatusCancelled means the item was cancelled before any worker
	// claimed it.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Item is a persisted unit of work. Every mutation is guarded by the
// Version token: stores only apply an update when the caller's Version
// matches the stored row, and bump it on success. A mismatch surfaces
// as [worldqueue.ErrVersionConflict].
type Item struct {
	worldqueue.Entity

	ID          id.WorkItemID `json:"id"`
	WorkType    string        `json:"work_type"`
	Payload     []byte        `json:"payload"`
	Status      Status        `json:"status"`
	Version     int64         `json:"version"`
	MaxRetries  int           `json:"max_retries"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	ClaimedBy   id.WorkerID   `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time    `json:"claimed_at,omitempty"`
	RunAt       time.Time     `json:"run_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// New creates a pending item for the given work type and raw payload.
func New(workType string, payload []byte, opts ...Option) *Item {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	it := &Item{
		Entity:     worldqueue.NewEntity(),
		ID:         id.NewWorkItemID(),
		WorkType:   workType,
		Payload:    payload,
		Status:     StatusPending,
		Version:    1,
		MaxRetries: o.MaxRetries,
		RunAt:      o.RunAt,
		Timeout:    o.Timeout,
	}
	if it.RunAt.IsZero() {
		it.RunAt = it.CreatedAt
	}
	return it
}

// Cancellable reports whether the item may still be cancelled.
// Only items no worker has claimed yet can be cancelled.
func (it *Item) Cancellable() bool {
	return it.Status == StatusPending
}

// RetriesLeft reports whether another attempt remains after the one
// currently charged against the item. Attempt N runs with RetryCount
// N-1; MaxRetries bounds total attempts, so the handler for an item
// with MaxRetries 3 is invoked at most 3 times.
func (it *Item) RetriesLeft() bool {
	return it.RetryCount+1 < it.MaxRetries
}

// MarkRunning transitions the item to running under the given claimant.
func (it *Item) MarkRunning(claimant id.WorkerID, now time.Time) {
	it.Status = StatusRunning
	it.ClaimedBy = claimant
	it.ClaimedAt = &now
	if it.StartedAt == nil {
		it.StartedAt = &now
	}
	it.Touch()
}

// MarkCompleted transitions the item to completed and releases the claim.
func (it *Item) MarkCompleted(now time.Time) {
	it.Status = StatusCompleted
	it.CompletedAt = &now
	it.LastError = ""
	it.releaseClaim()
}

// MarkFailed transitions the item to failed with the final error message.
func (it *Item) MarkFailed(errMsg string, now time.Time) {
	it.Status = StatusFailed
	it.LastError = errMsg
	it.CompletedAt = &now
	it.releaseClaim()
}

// MarkRetry returns the item to pending for a later attempt. The retry
// counter is incremented and RunAt is pushed to the given time.
func (it *Item) MarkRetry(errMsg string, runAt time.Time) {
	it.Status = StatusPending
	it.LastError = errMsg
	it.RetryCount++
	it.RunAt = runAt
	it.releaseClaim()
}

// MarkCancelled transitions a pending item to cancelled.
func (it *Item) MarkCancelled(now time.Time) {
	it.Status = StatusCancelled
	it.CompletedAt = &now
	it.Touch()
}

func (it *Item) releaseClaim() {
	it.ClaimedBy = id.WorkerID{}
	it.ClaimedAt = nil
	it.Touch()
}
