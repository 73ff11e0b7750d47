// Package capital implements the capital allocation and agent lifecycle
// control plane: a single shared pool of tradable capital, per-agent wallet
// reservations, position exposure tracking, rebalancing, and the
// decommission protocol that retires agents and recovers their capital.
//
// All monetary values use shopspring/decimal — never float64 for money.
package capital

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/event"
	"github.com/quantpool/capital-engine/internal/metrics"
	"github.com/quantpool/capital-engine/internal/model"
	"github.com/quantpool/capital-engine/internal/retry"
	"github.com/quantpool/capital-engine/internal/safety"
	"github.com/quantpool/capital-engine/internal/store"
)

// Operation type labels tracked by the retry engine and metrics.
const (
	opInitialize   = "initialize-capital"
	opRegister     = "register-agent"
	opPosition     = "update-position"
	opDecommission = "decommission-agent"
	opRebalance    = "rebalance-capital"
	opFreeze       = "freeze-agent"
	opHeartbeat    = "snapshot-heartbeat"
)

// defaultHistoryLimit bounds the in-memory capital history ring.
const defaultHistoryLimit = 2048

// Config parameterizes the service.
type Config struct {
	// MinReserveRatio is the fraction of total capital that must remain
	// unallocated. Zero means no reserve floor.
	MinReserveRatio decimal.Decimal

	// Policy and Breaker configure the retry engine; zero values use the
	// engine defaults (3 attempts / 1s / ×2 / 30s cap; breaker 5 / 60s).
	Policy  retry.Policy
	Breaker retry.BreakerConfig

	// HistoryLimit bounds the in-memory capital history ring.
	HistoryLimit int
}

// Service is the capital control plane. One instance per running process,
// explicitly constructed and wired by main — no package-level state.
//
// Locking: the ledger mutex guards pool capital, the wallet map, and the
// last-known-good snapshot; each wallet entry carries its own mutex
// serializing mutations for that agent. Lock order is always ledger before
// wallet, wallets in agent-id order when more than one is held.
type Service struct {
	store  store.Store
	bus    *event.Bus
	safety safety.Controller
	engine *retry.Engine

	minReserveRatio decimal.Decimal

	mu          sync.Mutex
	initialized bool
	total       decimal.Decimal
	reserve     decimal.Decimal
	wallets     map[string]*walletEntry
	lastGood    *model.Snapshot

	histMu       sync.Mutex
	history      []model.CapitalPoint
	historyLimit int
}

type walletEntry struct {
	mu sync.Mutex
	w  model.AgentWallet
}

// New constructs the service, restores any persisted state, and subscribes
// to the safety controller's emergency-stop broadcast.
func New(ctx context.Context, st store.Store, bus *event.Bus, safe safety.Controller, cfg Config) (*Service, error) {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	s := &Service{
		store:           st,
		bus:             bus,
		safety:          safe,
		engine:          retry.NewEngine(cfg.Policy, cfg.Breaker),
		minReserveRatio: cfg.MinReserveRatio,
		total:           decimal.Zero,
		reserve:         decimal.Zero,
		wallets:         make(map[string]*walletEntry),
		historyLimit:    limit,
	}

	s.engine.OnExhausted = func(op retry.Operation, err error) {
		metrics.OperationsExhausted.Inc()
		bus.Publish(event.Event{
			Type:    event.OperationExhausted,
			AgentID: op.AgentID,
			Payload: map[string]string{"operation": op.Type, "error": op.LastError},
		})
	}
	s.engine.OnBreakerOpen = func(failures int) {
		metrics.BreakerOpen.Set(1)
		slog.Error("circuit breaker open", "consecutive_failures", failures)
		bus.Publish(event.Event{
			Type:    event.CircuitBreakerOpen,
			Payload: map[string]int{"consecutive_failures": failures},
		})
	}

	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.adoptSnapshot(snap)
		slog.Info("capital state restored",
			"total", snap.TotalCapital.String(),
			"reserve", snap.ReserveCapital.String(),
			"agents", len(snap.Agents))
	}

	bus.Subscribe(event.SafetyEmergencyStop, func(e event.Event) {
		if err := s.FreezeAll(context.Background(), "emergency-stop"); err != nil {
			slog.Error("emergency freeze failed", "err", err)
		}
	})

	return s, nil
}

// InitializeCapital commits the pool's starting capital. It may be called
// exactly once per ledger lifetime.
func (s *Service) InitializeCapital(ctx context.Context, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return s.fail(opInitialize, "", errs.E(errs.KindNegativeCapital, "initial capital must be positive, got %s", amount))
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return s.fail(opInitialize, "", errs.E(errs.KindAgentInvalid, "capital pool already initialized"))
	}
	s.initialized = true
	s.total = amount
	s.reserve = amount
	s.mu.Unlock()

	if err := s.commit(ctx, opInitialize, ""); err != nil {
		s.mu.Lock()
		s.initialized = false
		s.total = decimal.Zero
		s.reserve = decimal.Zero
		s.mu.Unlock()
		return err
	}

	slog.Info("capital pool initialized", "amount", amount.String())
	metrics.OperationsTotal.WithLabelValues(opInitialize, "success").Inc()
	s.bus.Publish(event.Event{Type: event.CapitalInitialized, Payload: map[string]string{"amount": amount.String()}})
	s.audit(ctx, string(event.CapitalInitialized), "", "amount="+amount.String())
	return nil
}

// RegisterAgent reserves capital for a new agent and creates its wallet.
// The reservation is persisted before the call returns; on persistence
// failure the reservation is rolled back.
func (s *Service) RegisterAgent(ctx context.Context, agentID, strategyID string, requested decimal.Decimal) (model.AgentWallet, error) {
	if agentID == "" || strategyID == "" {
		return model.AgentWallet{}, s.fail(opRegister, agentID, errs.E(errs.KindAgentInvalid, "agent and strategy ids are required"))
	}
	if requested.LessThanOrEqual(decimal.Zero) {
		return model.AgentWallet{}, s.fail(opRegister, agentID, errs.E(errs.KindNegativeCapital, "requested capital must be positive, got %s", requested))
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opRegister, agentID, errs.E(errs.KindAgentInvalid, "capital pool not initialized"))
	}
	if _, exists := s.wallets[agentID]; exists {
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opRegister, agentID, errs.E(errs.KindDuplicateAgent, "agent %s already registered", agentID))
	}
	headroom := s.headroomLocked()
	if requested.GreaterThan(headroom) {
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opRegister, agentID, errs.E(errs.KindInsufficientCapital,
			"requested %s exceeds allocatable reserve %s", requested, headroom))
	}

	s.reserve = s.reserve.Sub(requested)
	entry := &walletEntry{w: model.AgentWallet{
		AgentID:          agentID,
		StrategyID:       strategyID,
		AllocatedCapital: requested,
		AvailableCapital: requested,
		LockedCapital:    decimal.Zero,
		Status:           model.StatusActive,
		Performance:      zeroPerformance(),
		CreatedAt:        time.Now().UTC(),
	}}
	s.wallets[agentID] = entry
	s.mu.Unlock()

	if err := s.persist(ctx, opRegister, agentID); err != nil {
		// Roll back the reservation: restore reserve, remove the wallet.
		s.mu.Lock()
		delete(s.wallets, agentID)
		s.reserve = s.reserve.Add(requested)
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opRegister, agentID, err)
	}

	entry.mu.Lock()
	wallet := entry.w.Clone()
	entry.mu.Unlock()

	slog.Info("agent registered",
		"agent", agentID,
		"strategy", strategyID,
		"capital", requested.String())
	metrics.OperationsTotal.WithLabelValues(opRegister, "success").Inc()
	s.bus.Publish(event.Event{Type: event.AgentRegistered, AgentID: agentID, Payload: wallet})
	s.audit(ctx, string(event.AgentRegistered), agentID, "capital="+requested.String())
	return wallet, nil
}

// FreezeAgent moves an ACTIVE wallet to FROZEN. There is no unfreeze path:
// a frozen wallet leaves FROZEN only through decommission.
func (s *Service) FreezeAgent(ctx context.Context, agentID, reason string) error {
	entry, err := s.entry(agentID)
	if err != nil {
		return s.fail(opFreeze, agentID, err)
	}

	entry.mu.Lock()
	if entry.w.Status != model.StatusActive {
		status := entry.w.Status
		entry.mu.Unlock()
		return s.fail(opFreeze, agentID, errs.E(errs.KindAgentInvalid, "cannot freeze wallet in status %s", status))
	}
	entry.w.Status = model.StatusFrozen
	entry.w.FrozenReason = reason
	entry.mu.Unlock()

	if err := s.commit(ctx, opFreeze, agentID); err != nil {
		return err
	}

	slog.Warn("agent frozen", "agent", agentID, "reason", reason)
	metrics.OperationsTotal.WithLabelValues(opFreeze, "success").Inc()
	s.audit(ctx, "agent-frozen", agentID, reason)
	return nil
}

// FreezeAll freezes every ACTIVE wallet, the emergency-stop response.
func (s *Service) FreezeAll(ctx context.Context, reason string) error {
	s.mu.Lock()
	frozen := 0
	for _, entry := range s.entriesLocked() {
		entry.mu.Lock()
		if entry.w.Status == model.StatusActive {
			entry.w.Status = model.StatusFrozen
			entry.w.FrozenReason = reason
			frozen++
		}
		entry.mu.Unlock()
	}
	s.mu.Unlock()

	if frozen == 0 {
		return nil
	}
	if err := s.commit(ctx, opFreeze, ""); err != nil {
		return err
	}

	slog.Warn("all active agents frozen", "count", frozen, "reason", reason)
	s.bus.Publish(event.Event{Type: event.AllAgentsFrozen, Payload: map[string]any{"count": frozen, "reason": reason}})
	s.audit(ctx, string(event.AllAgentsFrozen), "", reason)
	return nil
}

// AgentWallet returns a copy of one wallet, or false if unknown.
func (s *Service) AgentWallet(agentID string) (model.AgentWallet, bool) {
	s.mu.Lock()
	entry, ok := s.wallets[agentID]
	s.mu.Unlock()
	if !ok {
		return model.AgentWallet{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.w.Clone(), true
}

// CapitalAllocationView returns the pool summary with one row per wallet.
func (s *Service) CapitalAllocationView() model.AllocationView {
	snap := s.snapshot()

	view := model.AllocationView{
		Total:        snap.TotalCapital,
		Reserve:      snap.ReserveCapital,
		Allocated:    decimal.Zero,
		Locked:       decimal.Zero,
		Available:    decimal.Zero,
		ReserveRatio: s.minReserveRatio,
	}
	for i := range snap.Agents {
		w := &snap.Agents[i]
		if w.Status != model.StatusDecommissioned {
			view.Allocated = view.Allocated.Add(w.AllocatedCapital)
			view.Locked = view.Locked.Add(w.LockedCapital)
			view.Available = view.Available.Add(w.AvailableCapital)
		}
		view.PerAgent = append(view.PerAgent, model.AgentAllocation{
			AgentID:    w.AgentID,
			StrategyID: w.StrategyID,
			Status:     w.Status,
			Allocated:  w.AllocatedCapital,
			Available:  w.AvailableCapital,
			Locked:     w.LockedCapital,
			TotalPnL:   w.Performance.TotalPnL,
		})
	}
	return view
}

// CapitalHistory returns sampled capital points within the last `hours`.
// A non-positive argument returns the whole retained series.
func (s *Service) CapitalHistory(hours int) []model.CapitalPoint {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	if hours <= 0 {
		return append([]model.CapitalPoint(nil), s.history...)
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var out []model.CapitalPoint
	for _, p := range s.history {
		if !p.At.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// DecommissionHistory returns every recorded decommission result.
func (s *Service) DecommissionHistory(ctx context.Context) ([]model.DecommissionResult, error) {
	return s.store.DecommissionHistory(ctx)
}

// Heartbeat persists a snapshot through the validated mutation path and
// samples capital history. Called by the cron scheduler; it never mutates
// ledger state.
func (s *Service) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil
	}
	return s.commit(ctx, opHeartbeat, "")
}

// PendingOperations exposes the retry engine's in-flight set.
func (s *Service) PendingOperations() []retry.Operation {
	return s.engine.Pending()
}

// --- internal state management ---

// headroomLocked is the capital that may leave the reserve without
// violating the minimum reserve ratio. Caller holds s.mu.
func (s *Service) headroomLocked() decimal.Decimal {
	return s.reserve.Sub(s.total.Mul(s.minReserveRatio))
}

// entry looks up a wallet entry.
func (s *Service) entry(agentID string) (*walletEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.wallets[agentID]
	if !ok {
		return nil, errs.E(errs.KindAgentNotFound, "agent %s not found", agentID)
	}
	return entry, nil
}

// entriesLocked returns wallet entries in agent-id order. Caller holds s.mu.
func (s *Service) entriesLocked() []*walletEntry {
	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*walletEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.wallets[id])
	}
	return entries
}

// snapshot builds a consistent copy of the whole pool.
func (s *Service) snapshot() *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() *model.Snapshot {
	snap := &model.Snapshot{
		TotalCapital:   s.total,
		ReserveCapital: s.reserve,
		TakenAt:        time.Now().UTC(),
	}
	for _, entry := range s.entriesLocked() {
		entry.mu.Lock()
		snap.Agents = append(snap.Agents, entry.w.Clone())
		entry.mu.Unlock()
	}
	return snap
}

// adoptSnapshot replaces live state with a validated snapshot.
func (s *Service) adoptSnapshot(snap *model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = snap.TotalCapital.GreaterThan(decimal.Zero) || len(snap.Agents) > 0
	s.total = snap.TotalCapital
	s.reserve = snap.ReserveCapital
	s.wallets = make(map[string]*walletEntry, len(snap.Agents))
	for i := range snap.Agents {
		w := snap.Agents[i].Clone()
		s.wallets[w.AgentID] = &walletEntry{w: w}
	}
	c := snap.Clone()
	s.lastGood = &c
}

// persist validates the current state and writes it durably through the
// retry engine. On success it becomes the last-known-good snapshot.
func (s *Service) persist(ctx context.Context, opType, agentID string) error {
	snap := s.snapshot()
	if err := snap.Validate(); err != nil {
		return errs.Wrap(errs.KindCapitalMismatch, err, "pre-commit validation failed")
	}

	start := time.Now()
	err := s.engine.Do(ctx, opType, agentID, func(ctx context.Context) error {
		metrics.RetryAttempts.WithLabelValues(opType).Inc()
		return s.store.SaveSnapshot(ctx, snap)
	})
	metrics.SnapshotPersistSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastGood = snap
	s.mu.Unlock()

	metrics.BreakerOpen.Set(0)
	s.updateGauges(snap)
	s.recordHistory(snap)
	return nil
}

// commit persists and, on failure, reverts live state to the last snapshot
// known to satisfy all invariants. Exhausted persistence raises a recovery
// event; a pre-commit validation failure reverts silently and surfaces
// CAPITAL_MISMATCH.
func (s *Service) commit(ctx context.Context, opType, agentID string) error {
	err := s.persist(ctx, opType, agentID)
	if err == nil {
		return nil
	}

	s.restoreLastGood()
	kind := errs.KindOf(err)
	if kind == errs.KindWriteFailure || kind == errs.KindTimeout {
		slog.Error("state recovered from last-known-good snapshot", "operation", opType, "err", err)
		s.bus.Publish(event.Event{Type: event.StateRecovered, AgentID: agentID,
			Payload: map[string]string{"operation": opType, "error": err.Error()}})
	}
	return s.fail(opType, agentID, err)
}

// restoreLastGood reverts live state to the last validated snapshot, or to
// the uninitialized state when nothing was ever persisted.
func (s *Service) restoreLastGood() {
	s.mu.Lock()
	last := s.lastGood
	s.mu.Unlock()

	if last == nil {
		s.mu.Lock()
		s.initialized = false
		s.total = decimal.Zero
		s.reserve = decimal.Zero
		s.wallets = make(map[string]*walletEntry)
		s.mu.Unlock()
		return
	}
	c := last.Clone()
	s.adoptSnapshot(&c)
}

// fail records a failure on metrics, publishes it, and returns the error.
// Every failure path both surfaces to the caller and emits an event.
func (s *Service) fail(opType, agentID string, err error) error {
	metrics.OperationsTotal.WithLabelValues(opType, "failure").Inc()
	s.bus.Publish(event.Event{
		Type:    event.OperationFailed,
		AgentID: agentID,
		Payload: map[string]string{"operation": opType, "kind": string(errs.KindOf(err)), "error": err.Error()},
	})
	return err
}

func (s *Service) updateGauges(snap *model.Snapshot) {
	total, _ := snap.TotalCapital.Float64()
	reserve, _ := snap.ReserveCapital.Float64()
	metrics.TotalCapital.Set(total)
	metrics.ReserveCapital.Set(reserve)

	counts := map[model.WalletStatus]int{}
	for i := range snap.Agents {
		counts[snap.Agents[i].Status]++
	}
	for _, status := range []model.WalletStatus{model.StatusActive, model.StatusFrozen, model.StatusDraining, model.StatusDecommissioned} {
		metrics.ActiveWallets.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (s *Service) recordHistory(snap *model.Snapshot) {
	allocated := decimal.Zero
	for i := range snap.Agents {
		if snap.Agents[i].Status != model.StatusDecommissioned {
			allocated = allocated.Add(snap.Agents[i].AllocatedCapital)
		}
	}

	s.histMu.Lock()
	s.history = append(s.history, model.CapitalPoint{
		At:        snap.TakenAt,
		Total:     snap.TotalCapital,
		Reserve:   snap.ReserveCapital,
		Allocated: allocated,
	})
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	s.histMu.Unlock()
}

// audit appends to the append-only audit log, retrying transient failures.
// Best effort: audit failures are logged, never surfaced to the caller.
func (s *Service) audit(ctx context.Context, eventType, agentID, note string) {
	ev := model.AuditEvent{At: time.Now().UTC(), Type: eventType, AgentID: agentID, Note: note}
	err := retry.WithRetry(ctx, 2, 50*time.Millisecond, func(ctx context.Context) error {
		return s.store.AppendAudit(ctx, ev)
	}, nil)
	if err != nil {
		slog.Warn("audit append failed", "type", eventType, "err", err)
	}
}

func zeroPerformance() model.Performance {
	return model.Performance{
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		TotalPnL:      decimal.Zero,
		WinRate:       decimal.Zero,
		SharpeRatio:   decimal.Zero,
		MaxDrawdown:   decimal.Zero,
	}
}
