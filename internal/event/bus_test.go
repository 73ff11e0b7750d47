package event_test

import (
	"testing"

	"github.com/quantpool/capital-engine/internal/event"
)

func TestBusRoutesByType(t *testing.T) {
	bus := event.NewBus()

	var registered, frozen int
	bus.Subscribe(event.AgentRegistered, func(event.Event) { registered++ })
	bus.Subscribe(event.AllAgentsFrozen, func(event.Event) { frozen++ })

	bus.Publish(event.Event{Type: event.AgentRegistered, AgentID: "agent-a"})
	bus.Publish(event.Event{Type: event.AgentRegistered, AgentID: "agent-b"})

	if registered != 2 || frozen != 0 {
		t.Fatalf("registered=%d frozen=%d, want 2/0", registered, frozen)
	}
}

func TestBusSubscribeAllSeesEverything(t *testing.T) {
	bus := event.NewBus()

	var all []event.Type
	bus.SubscribeAll(func(e event.Event) { all = append(all, e.Type) })

	bus.Publish(event.Event{Type: event.CapitalInitialized})
	bus.Publish(event.Event{Type: event.StateRecovered})

	if len(all) != 2 || all[0] != event.CapitalInitialized || all[1] != event.StateRecovered {
		t.Fatalf("got %v", all)
	}
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := event.NewBus()

	var got event.Event
	bus.Subscribe(event.CapitalRebalanced, func(e event.Event) { got = e })
	bus.Publish(event.Event{Type: event.CapitalRebalanced})

	if got.At.IsZero() {
		t.Fatal("publish must stamp a timestamp")
	}
}
