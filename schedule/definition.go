package schedule

// Definition is a typed recurring schedule. T is the payload type
// (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this schedule.
	Name string

	// Spec is a cron expression (e.g., "0 3 * * *" or "@every 6h").
	Spec string

	// WorkType is the catalog tag to enqueue on each firing.
	WorkType string

	// Payload is the payload enqueued with each firing.
	Payload T
}
