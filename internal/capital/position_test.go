package capital_test

import (
	"context"
	"testing"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/model"
)

func openTestPosition(t *testing.T, env *testEnv, agentID, posID string, qty, entry float64) model.AgentWallet {
	t.Helper()
	w, err := env.svc.UpdateAgentPosition(context.Background(), agentID, model.Position{
		ID:         posID,
		Symbol:     "BTC-USD",
		Side:       model.SideLong,
		Quantity:   d(qty),
		EntryPrice: d(entry),
	}, model.ActionOpen)
	if err != nil {
		t.Fatalf("open %s: %v", posID, err)
	}
	return w
}

func TestOpenRejectsOversizedNotional(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 10000)

	_, err := env.svc.UpdateAgentPosition(context.Background(), "agent-a", model.Position{
		ID:         "pos-1",
		Symbol:     "BTC-USD",
		Side:       model.SideLong,
		Quantity:   d(11),
		EntryPrice: d(1000),
	}, model.ActionOpen)
	if errs.KindOf(err) != errs.KindInsufficientCapital {
		t.Fatalf("got %v, want INSUFFICIENT_CAPITAL", err)
	}

	w, _ := env.svc.AgentWallet("agent-a")
	eq(t, "available untouched", w.AvailableCapital, d(10000))
}

func TestOpenValidation(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 10000)
	ctx := context.Background()

	cases := []struct {
		name string
		pos  model.Position
		want errs.Kind
	}{
		{"missing symbol", model.Position{Side: model.SideLong, Quantity: d(1), EntryPrice: d(100)}, errs.KindInvalidPosition},
		{"bad side", model.Position{Symbol: "BTC-USD", Side: "SIDEWAYS", Quantity: d(1), EntryPrice: d(100)}, errs.KindInvalidPosition},
		{"zero quantity", model.Position{Symbol: "BTC-USD", Side: model.SideLong, Quantity: d(0), EntryPrice: d(100)}, errs.KindInvalidPosition},
		{"negative entry", model.Position{Symbol: "BTC-USD", Side: model.SideLong, Quantity: d(1), EntryPrice: d(-5)}, errs.KindInvalidPosition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.UpdateAgentPosition(ctx, "agent-a", tc.pos, model.ActionOpen)
			if errs.KindOf(err) != tc.want {
				t.Fatalf("got %v, want %s", err, tc.want)
			}
		})
	}
}

func TestUpdateMarksToMarket(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 50000)
	openTestPosition(t, env, "agent-a", "pos-1", 10, 1000)

	w, err := env.svc.UpdateAgentPosition(context.Background(), "agent-a", model.Position{
		ID:           "pos-1",
		CurrentPrice: d(1050),
	}, model.ActionUpdate)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// Marks move P&L, never capital.
	eq(t, "available", w.AvailableCapital, d(40000))
	eq(t, "locked", w.LockedCapital, d(10000))
	eq(t, "unrealized", w.Performance.UnrealizedPnL, d(500))
	eq(t, "position mark", w.OpenPositions[0].CurrentPrice, d(1050))
}

func TestUpdateUnknownPosition(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 50000)

	_, err := env.svc.UpdateAgentPosition(context.Background(), "agent-a", model.Position{
		ID:           "pos-missing",
		CurrentPrice: d(1050),
	}, model.ActionUpdate)
	if errs.KindOf(err) != errs.KindPositionUpdate {
		t.Fatalf("got %v, want POSITION_UPDATE_FAILED", err)
	}
}

func TestCloseShortPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 50000)

	if _, err := env.svc.UpdateAgentPosition(ctx, "agent-a", model.Position{
		ID:         "pos-1",
		Symbol:     "ETH-USD",
		Side:       model.SideShort,
		Quantity:   d(10),
		EntryPrice: d(2000),
	}, model.ActionOpen); err != nil {
		t.Fatalf("open short: %v", err)
	}

	// Short closed lower: (2000 - 1900) × 10 = 1000 profit.
	w, err := env.svc.UpdateAgentPosition(ctx, "agent-a", model.Position{
		ID:           "pos-1",
		CurrentPrice: d(1900),
	}, model.ActionClose)
	if err != nil {
		t.Fatalf("close short: %v", err)
	}
	eq(t, "realized pnl", w.Performance.RealizedPnL, d(1000))
	eq(t, "available", w.AvailableCapital, d(51000))
	eq(t, "pool total", env.svc.CapitalAllocationView().Total, d(101000))
}

func TestCloseLosingTrade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 50000)
	openTestPosition(t, env, "agent-a", "pos-1", 10, 1000)

	w, err := env.svc.UpdateAgentPosition(ctx, "agent-a", model.Position{
		ID:           "pos-1",
		CurrentPrice: d(900),
	}, model.ActionClose)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	eq(t, "realized pnl", w.Performance.RealizedPnL, d(-1000))
	eq(t, "available", w.AvailableCapital, d(49000))
	eq(t, "allocated", w.AllocatedCapital, d(49000))
	if w.Performance.WinningTrades != 0 || w.Performance.TotalTrades != 1 {
		t.Fatalf("trade stats: %+v", w.Performance)
	}

	// The loss leaves the pool as well.
	eq(t, "pool total", env.svc.CapitalAllocationView().Total, d(99000))
}

func TestCloseWithoutExitPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustInit(t, env, 100000)
	mustRegister(t, env, "agent-a", 50000)
	openTestPosition(t, env, "agent-a", "pos-1", 10, 1000)

	// No exit price supplied: the last mark (entry, here) is used.
	w, err := env.svc.UpdateAgentPosition(ctx, "agent-a", model.Position{ID: "pos-1"}, model.ActionClose)
	if err != nil {
		t.Fatalf("close at mark: %v", err)
	}
	eq(t, "realized pnl", w.Performance.RealizedPnL, d(0))
	eq(t, "available", w.AvailableCapital, d(50000))
}

func TestUnknownAgentPositionUpdate(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, 100000)

	_, err := env.svc.UpdateAgentPosition(context.Background(), "ghost", model.Position{
		ID:         "pos-1",
		Symbol:     "BTC-USD",
		Side:       model.SideLong,
		Quantity:   d(1),
		EntryPrice: d(100),
	}, model.ActionOpen)
	if errs.KindOf(err) != errs.KindAgentNotFound {
		t.Fatalf("got %v, want AGENT_NOT_FOUND", err)
	}
}
