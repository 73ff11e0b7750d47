// Package safety exposes the platform safety controller consumed by the
// capital engine. The engine only reads the current mode and reacts to the
// controller's bus events; the decision logic lives outside this service.
package safety

import (
	"sync"

	"github.com/quantpool/capital-engine/internal/event"
)

// Controller is the read surface the capital engine consumes.
type Controller interface {
	IsSimulationMode() bool
	IsPaused() bool
	CanExecuteLiveTrade() bool
}

// Manual is a controller driven by operator calls. Mode changes and
// emergency stops are published on the bus so the capital engine (and any
// dashboard) reacts without being called directly.
type Manual struct {
	mu         sync.RWMutex
	bus        *event.Bus
	simulation bool
	paused     bool
}

// NewManual starts in simulation mode, the safe default for a fresh deploy.
func NewManual(bus *event.Bus) *Manual {
	return &Manual{bus: bus, simulation: true}
}

func (m *Manual) IsSimulationMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.simulation
}

func (m *Manual) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// CanExecuteLiveTrade reports whether agents are trading real capital right
// now: live mode and not paused.
func (m *Manual) CanExecuteLiveTrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.simulation && !m.paused
}

// SetSimulationMode switches between simulation and live trading.
func (m *Manual) SetSimulationMode(simulation bool) {
	m.mu.Lock()
	changed := m.simulation != simulation
	m.simulation = simulation
	m.mu.Unlock()

	if changed {
		m.bus.Publish(event.Event{Type: event.SafetyModeChanged, Payload: map[string]bool{"simulation": simulation}})
	}
}

// EmergencyStop pauses the platform and broadcasts the stop; the capital
// engine freezes every ACTIVE wallet in response.
func (m *Manual) EmergencyStop(reason string) {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.SafetyEmergencyStop, Payload: map[string]string{"reason": reason}})
}

// Resume clears the pause set by an emergency stop. Frozen wallets stay
// frozen; there is no unfreeze path short of decommission.
func (m *Manual) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.SafetyModeChanged, Payload: map[string]bool{"paused": false}})
}
