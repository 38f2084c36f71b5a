// Package payload defines the closed catalog of typed, self-validating
// work payloads the simulation engine processes, plus the registry that
// decodes a serialized payload from its work-type tag.
//
// Validation is pure and deterministic: Validate returns every violated
// rule in one pass, never just the first. An invalid payload is rejected
// before a work item is ever created.
package payload

import (
	"fmt"
	"strings"
	"time"
)

// Work-type tags for the payload catalog.
const (
	TypeDominionTurn  = "world.dominion_turn"
	TypeCivicStats    = "world.civic_stats"
	TypePersonaAction = "world.persona_action"
	TypeMarketPricing = "world.market_pricing"
)

// MaxLookbackDays bounds the historical window a civic stats
// recalculation may request.
const MaxLookbackDays = 365

// Payload is one unit of simulation work. Implementations are plain
// value types; Validate must be side-effect free.
type Payload interface {
	// WorkType returns the catalog tag for this payload.
	WorkType() string

	// Validate returns every violated rule, or nil when the payload is
	// well formed.
	Validate() []string
}

// ValidationError carries the full rule list for a rejected payload.
type ValidationError struct {
	WorkType   string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload: %s is invalid: %s", e.WorkType, strings.Join(e.Violations, "; "))
}

// Validate runs p.Validate and wraps any violations in a *ValidationError.
// Returns nil for a valid payload.
func Validate(p Payload) error {
	if violations := p.Validate(); len(violations) > 0 {
		return &ValidationError{WorkType: p.WorkType(), Violations: violations}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Dominion turn
// ──────────────────────────────────────────────────

// DominionTurnPayload schedules a simulation pass for one dominion
// across its territories, regions, and settlements.
type DominionTurnPayload struct {
	DominionID    string    `json:"dominion_id"`
	DominionName  string    `json:"dominion_name"`
	TurnDate      time.Time `json:"turn_date"`
	TerritoryIDs  []string  `json:"territory_ids,omitempty"`
	RegionIDs     []string  `json:"region_ids,omitempty"`
	SettlementIDs []string  `json:"settlement_ids,omitempty"`
}

// WorkType returns the dominion turn tag.
func (p DominionTurnPayload) WorkType() string { return TypeDominionTurn }

// Validate checks required fields and that the turn covers at least one
// territory, region, or settlement.
func (p DominionTurnPayload) Validate() []string {
	var violations []string
	if p.DominionID == "" {
		violations = append(violations, "DominionId is required.")
	}
	if p.DominionName == "" {
		violations = append(violations, "DominionName is required.")
	}
	if p.TurnDate.IsZero() {
		violations = append(violations, "TurnDate is required.")
	}
	if len(p.TerritoryIDs) == 0 && len(p.RegionIDs) == 0 && len(p.SettlementIDs) == 0 {
		violations = append(violations, "At least one Territory, Region, or Settlement is required.")
	}
	return violations
}

// ──────────────────────────────────────────────────
// Civic stats
// ──────────────────────────────────────────────────

// CivicStatsPayload recalculates loyalty/security/prosperity scores for
// one settlement. LookbackDays bounds the optional historical trend
// window.
type CivicStatsPayload struct {
	SettlementID            string    `json:"settlement_id"`
	SettlementName          string    `json:"settlement_name"`
	CalculationDate         time.Time `json:"calculation_date"`
	IncludeHistoricalTrends bool      `json:"include_historical_trends"`
	LookbackDays            int       `json:"lookback_days"`
}

// WorkType returns the civic stats tag.
func (p CivicStatsPayload) WorkType() string { return TypeCivicStats }

// Validate checks required fields and the lookback bounds.
func (p CivicStatsPayload) Validate() []string {
	var violations []string
	if p.SettlementID == "" {
		violations = append(violations, "SettlementId is required.")
	}
	if p.SettlementName == "" {
		violations = append(violations, "SettlementName is required.")
	}
	if p.CalculationDate.IsZero() {
		violations = append(violations, "CalculationDate is required.")
	}
	if p.LookbackDays < 0 {
		violations = append(violations, "LookbackPeriod cannot be negative.")
	}
	if p.LookbackDays > MaxLookbackDays {
		violations = append(violations, "LookbackPeriod cannot exceed 365 days.")
	}
	return violations
}

// ──────────────────────────────────────────────────
// Persona action
// ──────────────────────────────────────────────────

// PersonaActionPayload resolves an influence-spending action a persona
// takes against a target entity. ActionParameters is opaque to the
// engine; the registered handler interprets it.
type PersonaActionPayload struct {
	PersonaID        string         `json:"persona_id"`
	PersonaName      string         `json:"persona_name"`
	ActionType       string         `json:"action_type"`
	InfluenceCost    int            `json:"influence_cost"`
	TargetEntityID   string         `json:"target_entity_id"`
	TargetEntityName string         `json:"target_entity_name,omitempty"`
	ActionParameters map[string]any `json:"action_parameters,omitempty"`
}

// WorkType returns the persona action tag.
func (p PersonaActionPayload) WorkType() string { return TypePersonaAction }

// Validate checks required fields and that the influence cost is not
// negative.
func (p PersonaActionPayload) Validate() []string {
	var violations []string
	if p.PersonaID == "" {
		violations = append(violations, "PersonaId is required.")
	}
	if p.PersonaName == "" {
		violations = append(violations, "PersonaName is required.")
	}
	if p.ActionType == "" {
		violations = append(violations, "ActionType is required.")
	}
	if p.InfluenceCost < 0 {
		violations = append(violations, "InfluenceCost cannot be negative.")
	}
	if p.TargetEntityID == "" {
		violations = append(violations, "TargetEntityId is required.")
	}
	return violations
}

// ──────────────────────────────────────────────────
// Market pricing
// ──────────────────────────────────────────────────

// MarketPricingPayload recalculates prices for a market, either for the
// listed items or for the whole market when RecalculateAllItems is set.
type MarketPricingPayload struct {
	MarketID            string    `json:"market_id"`
	MarketName          string    `json:"market_name"`
	ItemIDs             []string  `json:"item_ids,omitempty"`
	EffectiveDate       time.Time `json:"effective_date"`
	RecalculateAllItems bool      `json:"recalculate_all_items"`
}

// WorkType returns the market pricing tag.
func (p MarketPricingPayload) WorkType() string { return TypeMarketPricing }

// Validate checks required fields and that the recalculation targets
// something.
func (p MarketPricingPayload) Validate() []string {
	var violations []string
	if p.MarketID == "" {
		violations = append(violations, "MarketId is required.")
	}
	if p.MarketName == "" {
		violations = append(violations, "MarketName is required.")
	}
	if p.EffectiveDate.IsZero() {
		violations = append(violations, "EffectiveDate is required.")
	}
	if !p.RecalculateAllItems && len(p.ItemIDs) == 0 {
		violations = append(violations, "Either RecalculateAllItems must be set or at least one ItemId is required.")
	}
	return violations
}
