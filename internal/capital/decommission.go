package capital

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/event"
	"github.com/quantpool/capital-engine/internal/metrics"
	"github.com/quantpool/capital-engine/internal/model"
	"github.com/quantpool/capital-engine/internal/retry"
)

// defaultMaxSlippage is the liquidation slippage assumed when the caller
// does not specify one: 0.2% of the mark price.
var defaultMaxSlippage = decimal.NewFromFloat(0.002)

// DecommissionAgent retires an agent and returns its capital to the reserve.
//
// The protocol: freeze the wallet, cancel its pending orders, unwind open
// positions (liquidation at a slippage-adjusted mark price, or an atomic
// transfer to another active wallet), drain, recall available capital into
// the reserve, and mark the wallet DECOMMISSIONED — a terminal state.
//
// Every step is staged on wallet copies; live state changes only when the
// whole protocol staged cleanly. On any failure the wallet is left FROZEN,
// the result records finalStatus=FAILED, and the error is returned.
func (s *Service) DecommissionAgent(ctx context.Context, agentID string, opts model.DecommissionOptions) (model.DecommissionResult, error) {
	res := model.DecommissionResult{
		ID:                  uuid.New().String(),
		AgentID:             agentID,
		Reason:              opts.Reason,
		Strategy:            opts.Strategy,
		RecalledCapital:     decimal.Zero,
		LiquidationProceeds: decimal.Zero,
		LiquidationCost:     decimal.Zero,
		TotalPnL:            decimal.Zero,
		StartedAt:           time.Now().UTC(),
	}
	if res.Strategy == "" {
		res.Strategy = model.LiquidateImmediate
	}

	s.mu.Lock()
	src, ok := s.wallets[agentID]
	if !ok {
		s.mu.Unlock()
		err := errs.E(errs.KindAgentNotFound, "agent %s not found", agentID)
		return s.recordFailure(ctx, nil, res, s.fail(opDecommission, agentID, err))
	}

	src.mu.Lock()
	if src.w.Status == model.StatusDecommissioned {
		src.mu.Unlock()
		s.mu.Unlock()
		err := errs.E(errs.KindAgentInvalid, "agent %s is already decommissioned", agentID)
		return s.recordFailure(ctx, nil, res, s.fail(opDecommission, agentID, err))
	}
	// src.mu stays held from here through the swap so no position update can
	// land on the live wallet between the clone and the staged replacement.
	staged := src.w.Clone()

	// Step 1: freeze and cancel pending orders. Cancellations are recorded
	// on the result; the engine owns the book, not the exchange session.
	staged.Status = model.StatusFrozen
	staged.FrozenReason = opts.Reason
	for i := range staged.PendingOrders {
		res.CancelledOrders = append(res.CancelledOrders, staged.PendingOrders[i].ID)
	}
	staged.PendingOrders = nil

	// Step 2: unwind open positions.
	var (
		tgt       *walletEntry
		tgtStaged model.AgentWallet
		poolPnL   = decimal.Zero
		err       error
	)
	if len(staged.OpenPositions) > 0 {
		if res.Strategy == model.LiquidateTransfer {
			tgt, tgtStaged, err = s.stageTransferLocked(&staged, opts.TransferTo, &res)
		} else {
			poolPnL, err = stageLiquidation(&staged, opts.MaxSlippage, &res)
		}
		if err != nil {
			if src.w.Status != model.StatusDecommissioned {
				src.w.Status = model.StatusFrozen
				if src.w.FrozenReason == "" {
					src.w.FrozenReason = opts.Reason
				}
			}
			src.mu.Unlock()
			s.mu.Unlock()
			return s.recordFailure(ctx, src, res, s.fail(opDecommission, agentID, err))
		}
	}

	// Steps 3–5: drain, recall what remains into the reserve, terminate.
	staged.Status = model.StatusDraining
	recalled := staged.AvailableCapital.Add(staged.LockedCapital)
	now := time.Now().UTC()
	staged.Status = model.StatusDecommissioned
	staged.AvailableCapital = decimal.Zero
	staged.LockedCapital = decimal.Zero
	staged.AllocatedCapital = decimal.Zero
	staged.DecommissionedAt = &now

	s.reserve = s.reserve.Add(recalled)
	s.total = s.total.Add(poolPnL)

	src.w = staged
	src.mu.Unlock()
	if tgt != nil {
		tgt.w = tgtStaged
		tgt.mu.Unlock()
	}
	s.mu.Unlock()

	res.RecalledCapital = recalled
	res.TotalPnL = staged.Performance.TotalPnL

	if err := s.commit(ctx, opDecommission, agentID); err != nil {
		// Live state is back on the last-known-good snapshot; leave the
		// wallet frozen so nothing trades on it until an operator decides.
		s.mu.Lock()
		if entry, ok := s.wallets[agentID]; ok {
			s.freezeEntryLocked(entry, opts.Reason)
		}
		s.mu.Unlock()
		return s.recordFailure(ctx, src, res, err)
	}

	res.CompletedAt = time.Now().UTC()
	res.ExecutionTime = res.CompletedAt.Sub(res.StartedAt)
	res.FinalStatus = model.DecommissionCompleted

	if aerr := s.appendDecommission(ctx, res); aerr != nil {
		slog.Error("decommission history append failed", "agent", agentID, "err", aerr)
	}

	slog.Info("agent decommissioned",
		"agent", agentID,
		"strategy", string(res.Strategy),
		"recalled", recalled.String(),
		"liquidated", res.LiquidatedPositions,
		"transferred", res.TransferredPositions)
	metrics.OperationsTotal.WithLabelValues(opDecommission, "success").Inc()
	metrics.DecommissionsTotal.WithLabelValues(model.DecommissionCompleted).Inc()
	s.bus.Publish(event.Event{Type: event.AgentDecommissioned, AgentID: agentID, Payload: res})
	s.audit(ctx, string(event.AgentDecommissioned), agentID,
		"recalled="+recalled.String()+" strategy="+string(res.Strategy))
	return res, nil
}

// stageTransferLocked moves the staged wallet's open positions and locked
// capital onto the target wallet. The target must be a different ACTIVE
// wallet with enough available capital to absorb the incoming locked
// exposure. Caller holds s.mu and the source wallet lock. On success the
// target wallet lock is held too; the caller releases it after swapping in
// the staged target.
func (s *Service) stageTransferLocked(staged *model.AgentWallet, transferTo string, res *model.DecommissionResult) (*walletEntry, model.AgentWallet, error) {
	if transferTo == "" {
		return nil, model.AgentWallet{}, errs.E(errs.KindAgentInvalid, "transfer decommission requires a target agent")
	}
	if transferTo == staged.AgentID {
		return nil, model.AgentWallet{}, errs.E(errs.KindAgentInvalid, "cannot transfer positions to the wallet being decommissioned")
	}
	tgt, ok := s.wallets[transferTo]
	if !ok {
		return nil, model.AgentWallet{}, errs.E(errs.KindAgentNotFound, "transfer target %s not found", transferTo)
	}

	tgt.mu.Lock()
	tgtStaged := tgt.w.Clone()

	if tgtStaged.Status != model.StatusActive {
		tgt.mu.Unlock()
		return nil, model.AgentWallet{}, errs.E(errs.KindAgentInvalid,
			"transfer target %s is %s, not ACTIVE", transferTo, tgtStaged.Status)
	}
	if tgtStaged.AvailableCapital.LessThan(staged.LockedCapital) {
		tgt.mu.Unlock()
		return nil, model.AgentWallet{}, errs.E(errs.KindAllocationOverflow,
			"transfer target %s has %s available, cannot absorb %s locked exposure",
			transferTo, tgtStaged.AvailableCapital, staged.LockedCapital)
	}

	moved := staged.LockedCapital
	tgtStaged.OpenPositions = append(tgtStaged.OpenPositions, staged.OpenPositions...)
	tgtStaged.LockedCapital = tgtStaged.LockedCapital.Add(moved)
	tgtStaged.AllocatedCapital = tgtStaged.AllocatedCapital.Add(moved)
	refreshUnrealized(&tgtStaged)

	res.TransferredPositions = len(staged.OpenPositions)
	staged.OpenPositions = nil
	staged.LockedCapital = decimal.Zero
	staged.AllocatedCapital = staged.AvailableCapital
	refreshUnrealized(staged)

	return tgt, tgtStaged, nil
}

// stageLiquidation force-closes every staged position at a slippage-adjusted
// mark price. Returns the net capital delta to apply to the pool total.
func stageLiquidation(staged *model.AgentWallet, maxSlippage decimal.Decimal, res *model.DecommissionResult) (decimal.Decimal, error) {
	slip := maxSlippage
	if slip.IsZero() {
		slip = defaultMaxSlippage
	}
	if slip.IsNegative() || slip.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, errs.E(errs.KindInvalidPosition, "max slippage must be in [0,1), got %s", slip)
	}

	poolPnL := decimal.Zero
	for _, pos := range staged.OpenPositions {
		if pos.CurrentPrice.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, errs.E(errs.KindMissingSymbolData,
				"position %s: no mark price for %s, cannot liquidate", pos.ID, pos.Symbol)
		}

		// Forced exits cross the spread: sells fill below the mark,
		// buy-to-covers fill above it.
		impact := pos.CurrentPrice.Mul(slip)
		exit := pos.CurrentPrice.Sub(impact)
		if pos.Side == model.SideShort {
			exit = pos.CurrentPrice.Add(impact)
		}

		markExit := pos
		markExit.CurrentPrice = exit
		realized := markPnL(markExit)
		applied := settleClose(staged, pos, realized)
		poolPnL = poolPnL.Add(applied)

		res.LiquidatedPositions++
		res.LiquidationProceeds = res.LiquidationProceeds.Add(pos.Notional().Add(applied))
		res.LiquidationCost = res.LiquidationCost.Add(impact.Mul(pos.Quantity))
	}

	staged.OpenPositions = nil
	refreshUnrealized(staged)
	return poolPnL, nil
}

// freezeEntryLocked forces a wallet to FROZEN unless it is already terminal.
// Caller holds s.mu.
func (s *Service) freezeEntryLocked(entry *walletEntry, reason string) {
	entry.mu.Lock()
	if entry.w.Status != model.StatusDecommissioned {
		entry.w.Status = model.StatusFrozen
		if entry.w.FrozenReason == "" {
			entry.w.FrozenReason = reason
		}
	}
	entry.mu.Unlock()
}

// recordFailure finalizes a FAILED result: persists the frozen wallet best
// effort, appends the result to history, emits the failure event, and
// returns the original error.
func (s *Service) recordFailure(ctx context.Context, entry *walletEntry, res model.DecommissionResult, err error) (model.DecommissionResult, error) {
	res.CompletedAt = time.Now().UTC()
	res.ExecutionTime = res.CompletedAt.Sub(res.StartedAt)
	res.FinalStatus = model.DecommissionFailed
	res.Error = err.Error()

	if entry != nil {
		if perr := s.persist(ctx, opDecommission, res.AgentID); perr != nil {
			slog.Error("failed to persist frozen wallet after decommission failure",
				"agent", res.AgentID, "err", perr)
		}
	}
	if aerr := s.appendDecommission(ctx, res); aerr != nil {
		slog.Error("decommission history append failed", "agent", res.AgentID, "err", aerr)
	}

	slog.Error("agent decommission failed", "agent", res.AgentID, "err", err)
	metrics.DecommissionsTotal.WithLabelValues(model.DecommissionFailed).Inc()
	s.bus.Publish(event.Event{Type: event.AgentDecommissionFail, AgentID: res.AgentID, Payload: res})
	return res, err
}

// appendDecommission writes a result to the history log, retrying transient
// write failures without full operation bookkeeping.
func (s *Service) appendDecommission(ctx context.Context, res model.DecommissionResult) error {
	return retry.WithRetry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return s.store.AppendDecommission(ctx, res)
	}, nil)
}
