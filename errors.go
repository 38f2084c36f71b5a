package worldqueue

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("worldqueue: no store configured")
	ErrStoreClosed = errors.New("worldqueue: store closed")

	// Not found errors.
	ErrItemNotFound       = errors.New("worldqueue: work item not found")
	ErrTurnJobNotFound    = errors.New("worldqueue: turn job not found")
	ErrDeadLetterNotFound = errors.New("worldqueue: dead letter entry not found")
	ErrScheduleNotFound   = errors.New("worldqueue: schedule entry not found")

	// Conflict errors.
	ErrItemAlreadyExists = errors.New("worldqueue: work item already exists")
	ErrDuplicateSchedule = errors.New("worldqueue: duplicate schedule entry")

	// ErrVersionConflict signals that a conditional write supplied a stale
	// version token: the row changed under the writer. Callers re-read the
	// current state and decide; this is never fatal.
	ErrVersionConflict = errors.New("worldqueue: version conflict")

	// State errors.
	ErrInvalidState   = errors.New("worldqueue: invalid status transition")
	ErrNotCancellable = errors.New("worldqueue: only pending items can be cancelled")
	ErrNoHandler      = errors.New("worldqueue: no handler registered for work type")
)
