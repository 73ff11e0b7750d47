// Package event provides the typed publish/subscribe channel that replaces
// implicit event emission: subscribers are registered explicitly per event
// type, so the set of listeners is statically known.
package event

import (
	"sync"
	"time"
)

// Type identifies one event kind raised by the capital engine.
type Type string

const (
	CapitalInitialized     Type = "capital-initialized"
	AgentRegistered        Type = "agent-registered"
	PositionUpdated        Type = "position-updated"
	AgentDecommissioned    Type = "agent-decommissioned"
	AgentDecommissionFail  Type = "agent-decommission-failed"
	CapitalRebalanced      Type = "capital-rebalanced"
	OperationFailed        Type = "capital-operation-failed"
	OperationExhausted     Type = "capital-operation-exhausted"
	CircuitBreakerOpen     Type = "capital-circuit-breaker-open"
	StateRecovered         Type = "state-recovered"
	AllAgentsFrozen        Type = "all-agents-frozen"
	SafetyModeChanged      Type = "mode-changed"
	SafetyEmergencyStop    Type = "emergency-stop"
)

// Event is one notification published on the bus.
type Event struct {
	Type    Type      `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Handler consumes one event. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Bus is a callback registry keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to every matching subscriber. The timestamp is
// stamped here if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	typed := b.handlers[e.Type]
	all := b.all
	b.mu.RUnlock()

	for _, h := range typed {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}
