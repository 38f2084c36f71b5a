// Package dlq provides the dead letter archive for work items that
// failed terminally. Entries preserve the payload and final error for
// inspection and can be requeued as fresh items.
package dlq

import (
	"time"

	"github.com/emberhollow/worldqueue/id"
)

// Entry is the archived record of a terminally failed work item.
type Entry struct {
	ID         id.DeadLetterID `json:"id"`
	ItemID     id.WorkItemID   `json:"item_id"`
	WorkType   string          `json:"work_type"`
	Payload    []byte          `json:"payload"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	FailedAt   time.Time       `json:"failed_at"`
	RequeuedAt *time.Time      `json:"requeued_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
