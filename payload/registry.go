package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownWorkType is returned when no decoder is registered for a tag.
var ErrUnknownWorkType = errors.New("payload: unknown work type")

// DecodeFunc deserializes raw payload bytes into a typed Payload.
type DecodeFunc func(data []byte) (Payload, error)

// Registry maps work-type tags to decode functions. Decoding is explicit
// per tag rather than reflective, so each entry is testable in isolation.
// The registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty payload registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]DecodeFunc),
	}
}

// DefaultRegistry returns a registry pre-seeded with the full payload
// catalog: dominion turn, civic stats, persona action, market pricing.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterType[DominionTurnPayload](r, TypeDominionTurn)
	RegisterType[CivicStatsPayload](r, TypeCivicStats)
	RegisterType[PersonaActionPayload](r, TypePersonaAction)
	RegisterType[MarketPricingPayload](r, TypeMarketPricing)
	return r
}

// RegisterType registers a JSON decode function for the given tag,
// producing payloads of type T.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterType[T Payload](r *Registry, workType string) {
	r.Register(workType, func(data []byte) (Payload, error) {
		var p T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("payload: decode %s: %w", workType, err)
			}
		}
		return p, nil
	})
}

// Register adds a decode function for the given tag, replacing any
// previous registration.
func (r *Registry) Register(workType string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[workType] = fn
}

// Decode deserializes data using the decoder registered for workType.
func (r *Registry) Decode(workType string, data []byte) (Payload, error) {
	r.mu.RLock()
	fn, ok := r.decoders[workType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkType, workType)
	}
	return fn(data)
}

// Known reports whether a decoder is registered for workType.
func (r *Registry) Known(workType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[workType]
	return ok
}

// Types returns all registered work-type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for workType := range r.decoders {
		types = append(types, workType)
	}
	return types
}
