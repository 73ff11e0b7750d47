package model_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func wallet(agentID string, allocated, available, locked float64, status model.WalletStatus) model.AgentWallet {
	return model.AgentWallet{
		AgentID:          agentID,
		AllocatedCapital: d(allocated),
		AvailableCapital: d(available),
		LockedCapital:    d(locked),
		Status:           status,
	}
}

func TestSnapshotValidateConservation(t *testing.T) {
	snap := &model.Snapshot{
		TotalCapital:   d(100000),
		ReserveCapital: d(50000),
		TakenAt:        time.Now().UTC(),
		Agents: []model.AgentWallet{
			wallet("a", 30000, 20000, 10000, model.StatusActive),
			wallet("b", 20000, 20000, 0, model.StatusFrozen),
		},
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	snap.ReserveCapital = d(49999)
	if err := snap.Validate(); err == nil {
		t.Fatal("broken conservation accepted")
	}
}

func TestSnapshotValidateExcludesDecommissioned(t *testing.T) {
	snap := &model.Snapshot{
		TotalCapital:   d(100000),
		ReserveCapital: d(100000),
		TakenAt:        time.Now().UTC(),
		Agents: []model.AgentWallet{
			wallet("gone", 0, 0, 0, model.StatusDecommissioned),
		},
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("decommissioned wallet must not count toward conservation: %v", err)
	}
}

func TestWalletValidate(t *testing.T) {
	w := wallet("a", 100, 60, 40, model.StatusActive)
	if err := w.Validate(); err != nil {
		t.Fatalf("valid wallet rejected: %v", err)
	}

	w.AvailableCapital = d(70)
	if err := w.Validate(); err == nil {
		t.Fatal("broken wallet identity accepted")
	}

	w = wallet("a", 100, 140, -40, model.StatusActive)
	if err := w.Validate(); err == nil {
		t.Fatal("negative locked capital accepted")
	}
}

func TestWalletCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	w := wallet("a", 100, 50, 50, model.StatusActive)
	w.OpenPositions = []model.Position{{ID: "p1", Quantity: d(1), EntryPrice: d(50)}}
	w.DecommissionedAt = &now

	c := w.Clone()
	c.OpenPositions[0].ID = "changed"
	*c.DecommissionedAt = now.Add(time.Hour)

	if w.OpenPositions[0].ID != "p1" {
		t.Fatal("clone shares position slice")
	}
	if !w.DecommissionedAt.Equal(now) {
		t.Fatal("clone shares timestamp pointer")
	}
}
