package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/model"
	"github.com/quantpool/capital-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testSnapshot(total, reserve float64, agents ...model.AgentWallet) *model.Snapshot {
	return &model.Snapshot{
		TotalCapital:   d(total),
		ReserveCapital: d(reserve),
		TakenAt:        time.Now().UTC(),
		Agents:         agents,
	}
}

func testWallet(agentID string, allocated, available, locked float64) model.AgentWallet {
	return model.AgentWallet{
		AgentID:          agentID,
		StrategyID:       "strat-" + agentID,
		AllocatedCapital: d(allocated),
		AvailableCapital: d(available),
		LockedCapital:    d(locked),
		Status:           model.StatusActive,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	snap := testSnapshot(100000, 50000, testWallet("agent-a", 50000, 40000, 10000))
	if err := fs.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := fs.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("load returned nil for a saved snapshot")
	}
	if !loaded.TotalCapital.Equal(d(100000)) || !loaded.ReserveCapital.Equal(d(50000)) {
		t.Fatalf("pool capital mismatch: total=%s reserve=%s", loaded.TotalCapital, loaded.ReserveCapital)
	}
	if len(loaded.Agents) != 1 || loaded.Agents[0].AgentID != "agent-a" {
		t.Fatalf("agents mismatch: %+v", loaded.Agents)
	}
	if !loaded.Agents[0].LockedCapital.Equal(d(10000)) {
		t.Fatalf("locked capital mismatch: %s", loaded.Agents[0].LockedCapital)
	}
}

func TestFileStoreMissingSnapshotIsNotAnError(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	snap, err := fs.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load on empty dir: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

func TestFileStoreFallsBackToBackupOnCorruption(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	// Two saves so the first generation lands in the backup file.
	if err := fs.SaveSnapshot(ctx, testSnapshot(100000, 100000)); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := fs.SaveSnapshot(ctx, testSnapshot(100000, 50000, testWallet("agent-a", 50000, 50000, 0))); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "snapshot.json"), []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("corrupt primary: %v", err)
	}

	loaded, err := fs.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load with corrupt primary: %v", err)
	}
	if loaded == nil || !loaded.ReserveCapital.Equal(d(100000)) {
		t.Fatalf("expected the backup generation, got %+v", loaded)
	}
}

func TestFileStoreRejectsInvalidSnapshot(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	// Conservation violated: total != reserve + allocated.
	bad := `{"total_capital":"100000","reserve_capital":"10","taken_at":"2026-01-01T00:00:00Z","agents":[]}`
	if err := os.WriteFile(filepath.Join(dir, "snapshot.json"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write bad snapshot: %v", err)
	}

	_, err = fs.LoadSnapshot(context.Background())
	if errs.KindOf(err) != errs.KindStateCorruption {
		t.Fatalf("got %v, want STATE_CORRUPTION", err)
	}
}

func TestFileStoreDecommissionHistoryAppendsInOrder(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		res := model.DecommissionResult{
			ID:              id,
			AgentID:         "agent-" + id,
			Strategy:        model.LiquidateImmediate,
			RecalledCapital: d(1000),
			FinalStatus:     model.DecommissionCompleted,
			StartedAt:       time.Now().UTC(),
			CompletedAt:     time.Now().UTC(),
		}
		if err := fs.AppendDecommission(ctx, res); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	history, err := fs.DecommissionHistory(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d results, want 3", len(history))
	}
	for i, id := range []string{"first", "second", "third"} {
		if history[i].ID != id {
			t.Fatalf("history[%d].ID = %s, want %s", i, history[i].ID, id)
		}
	}
}

func TestFileStoreEmptyHistory(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	history, err := fs.DecommissionHistory(context.Background())
	if err != nil {
		t.Fatalf("history on empty dir: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}
