// Package event provides the in-process notification bus and the typed
// events the engine publishes on it.
//
// Delivery is best effort: publishing never blocks the worker path, and
// a subscriber that falls behind loses events rather than slowing the
// engine down. Subscribers that need durable history should read the
// stores instead.
package event

import (
	"time"

	"github.com/emberhollow/worldqueue/id"
)

// Kinds for every event the engine publishes.
const (
	KindWorkItemQueued    = "work_item.queued"
	KindWorkItemStarted   = "work_item.started"
	KindWorkItemCompleted = "work_item.completed"
	KindWorkItemFailed    = "work_item.failed"
	KindWorkItemRetrying  = "work_item.retrying"
	KindWorkItemCancelled = "work_item.cancelled"
	KindWorkItemDead      = "work_item.dead_lettered"

	KindBreakerStateChanged = "breaker.state_changed"

	KindDominionTurnStarted   = "dominion_turn.started"
	KindDominionTurnCompleted = "dominion_turn.completed"
	KindDominionTurnFailed    = "dominion_turn.failed"

	KindCivicStatsUpdated     = "settlement.civic_stats_updated"
	KindPersonaActionResolved = "persona.action_resolved"
)

// Event is implemented by every notification published on the bus.
type Event interface {
	// Kind returns the event's kind tag.
	Kind() string
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
}

// Base carries the fields shared by all events. Embed it and stamp it
// with [Now] at publish time.
type Base struct {
	At time.Time `json:"at"`
}

func (b Base) OccurredAt() time.Time { return b.At }

// Now returns a Base stamped with the current UTC time.
func Now() Base { return Base{At: time.Now().UTC()} }

// ──────────────────────────────────────────────────
// Work item events
// ──────────────────────────────────────────────────

// WorkItemQueued is published when a new item is accepted into the queue.
type WorkItemQueued struct {
	Base
	ItemID   id.WorkItemID `json:"item_id"`
	WorkType string        `json:"work_type"`
}

func (WorkItemQueued) Kind() string { return KindWorkItemQueued }

// WorkItemStarted is published when a worker claims an item.
type WorkItemStarted struct {
	Base
	ItemID   id.WorkItemID `json:"item_id"`
	WorkType string        `json:"work_type"`
	WorkerID id.WorkerID   `json:"worker_id"`
	Attempt  int           `json:"attempt"`
}

func (WorkItemStarted) Kind() string { return KindWorkItemStarted }

// WorkItemCompleted is published when a handler finishes successfully.
type WorkItemCompleted struct {
	Base
	ItemID   id.WorkItemID `json:"item_id"`
	WorkType string        `json:"work_type"`
	Duration time.Duration `json:"duration"`
}

func (WorkItemCompleted) Kind() string { return KindWorkItemCompleted }

// WorkItemFailed is published when an item reaches the failed state.
type WorkItemFailed struct {
	Base
	ItemID   id.WorkItemID `json:"item_id"`
	WorkType string        `json:"work_type"`
	Error    string        `json:"error"`
	Attempts int           `json:"attempts"`
}

func (WorkItemFailed) Kind() string { return KindWorkItemFailed }

// WorkItemRetrying is published when a failed attempt is requeued.
type WorkItemRetrying struct {
	Base
	ItemID   id.WorkItemID `json:"item_id"`
	WorkType string        `json:"work_type"`
	Error    string        `json:"error"`
	Attempt  int           `json:"attempt"`
	NextRun  time.Time     `json:"next_run"`
}

func (WorkItemRetrying) Kind() string { return KindWorkItemRetrying }

// WorkItemCancelled is published when a pending item is cancelled.
type WorkItemCancelled struct {
	Base
	ItemID   id.WorkItemID `json:"item_id"`
	WorkType string        `json:"work_type"`
}

func (WorkItemCancelled) Kind() string { return KindWorkItemCancelled }

// WorkItemDeadLettered is published when a terminally failed item is
// archived in the dead letter store.
type WorkItemDeadLettered struct {
	Base
	ItemID   id.WorkItemID   `json:"item_id"`
	EntryID  id.DeadLetterID `json:"entry_id"`
	WorkType string          `json:"work_type"`
	Error    string          `json:"error"`
}

func (WorkItemDeadLettered) Kind() string { return KindWorkItemDead }

// ──────────────────────────────────────────────────
// Circuit breaker events
// ──────────────────────────────────────────────────

// BreakerStateChanged is published on every breaker transition. Probe
// outcomes that do not change the state are not published. Error
// carries the failure that triggered the transition; cooldown-driven
// transitions (open to half-open) have none.
type BreakerStateChanged struct {
	Base
	Host  string `json:"host"`
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

func (BreakerStateChanged) Kind() string { return KindBreakerStateChanged }

// ──────────────────────────────────────────────────
// World simulation events
// ──────────────────────────────────────────────────

// DominionTurnStarted is published when turn processing begins for a
// dominion.
type DominionTurnStarted struct {
	Base
	TurnJobID      id.TurnJobID `json:"turn_job_id"`
	GovernmentID   string       `json:"government_id"`
	GovernmentName string       `json:"government_name"`
	TurnDate       time.Time    `json:"turn_date"`
}

func (DominionTurnStarted) Kind() string { return KindDominionTurnStarted }

// DominionTurnCompleted is published when a dominion turn finishes,
// carrying the number of scenarios the turn processed.
type DominionTurnCompleted struct {
	Base
	TurnJobID          id.TurnJobID  `json:"turn_job_id"`
	GovernmentID       string        `json:"government_id"`
	ScenariosProcessed int           `json:"scenarios_processed"`
	Duration           time.Duration `json:"duration"`
}

func (DominionTurnCompleted) Kind() string { return KindDominionTurnCompleted }

// DominionTurnFailed is published when a dominion turn fails.
type DominionTurnFailed struct {
	Base
	TurnJobID    id.TurnJobID `json:"turn_job_id"`
	GovernmentID string       `json:"government_id"`
	Error        string       `json:"error"`
}

func (DominionTurnFailed) Kind() string { return KindDominionTurnFailed }

// CivicStatsUpdated is published after a settlement's civic statistics
// are recalculated.
type CivicStatsUpdated struct {
	Base
	SettlementID   string `json:"settlement_id"`
	SettlementName string `json:"settlement_name"`
}

func (CivicStatsUpdated) Kind() string { return KindCivicStatsUpdated }

// PersonaActionResolved is published after a persona action handler
// runs to completion.
type PersonaActionResolved struct {
	Base
	PersonaID  string `json:"persona_id"`
	ActionType string `json:"action_type"`
}

func (PersonaActionResolved) Kind() string { return KindPersonaActionResolved }
