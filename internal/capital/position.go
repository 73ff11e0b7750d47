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
)

// UpdateAgentPosition applies one position mutation to an ACTIVE wallet and
// persists the result before returning.
//
// OPEN locks the entry notional (quantity × entry price) out of available
// capital. UPDATE refreshes the mark price and unrealized P&L. CLOSE returns
// the notional plus realized P&L to available capital; realized P&L also
// moves the pool total, since profit enters (and loss leaves) the pool.
//
// The mutation is staged on a copy and validated against the wallet identity
// before commit; a staging failure leaves the wallet untouched. The wallet
// swap and any pool-total move land in one critical section (ledger lock
// before wallet lock), so a concurrent snapshot never observes realized P&L
// in flight between the wallet and the pool.
func (s *Service) UpdateAgentPosition(ctx context.Context, agentID string, pos model.Position, action model.PositionAction) (model.AgentWallet, error) {
	s.mu.Lock()
	entry, ok := s.wallets[agentID]
	if !ok {
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opPosition, agentID,
			errs.E(errs.KindAgentNotFound, "agent %s not found", agentID))
	}

	entry.mu.Lock()
	if entry.w.Status != model.StatusActive {
		status := entry.w.Status
		entry.mu.Unlock()
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opPosition, agentID,
			errs.E(errs.KindAgentInvalid, "agent %s is %s, positions are immutable", agentID, status))
	}

	staged := entry.w.Clone()
	var poolPnL decimal.Decimal
	var err error
	switch action {
	case model.ActionOpen:
		err = openPosition(&staged, &pos)
	case model.ActionUpdate:
		err = updatePosition(&staged, pos)
	case model.ActionClose:
		poolPnL, err = closePosition(&staged, pos)
	default:
		err = errs.E(errs.KindInvalidPosition, "unknown position action %q", action)
	}
	if err != nil {
		entry.mu.Unlock()
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opPosition, agentID, err)
	}
	if verr := staged.Validate(); verr != nil {
		entry.mu.Unlock()
		s.mu.Unlock()
		return model.AgentWallet{}, s.fail(opPosition, agentID,
			errs.Wrap(errs.KindCapitalMismatch, verr, "position accounting broke the wallet identity"))
	}

	entry.w = staged
	if !poolPnL.IsZero() {
		s.total = s.total.Add(poolPnL)
	}
	entry.mu.Unlock()
	s.mu.Unlock()

	if err := s.commit(ctx, opPosition, agentID); err != nil {
		return model.AgentWallet{}, err
	}

	entry.mu.Lock()
	wallet := entry.w.Clone()
	entry.mu.Unlock()

	slog.Info("position updated",
		"agent", agentID,
		"action", string(action),
		"symbol", pos.Symbol,
		"position", pos.ID)
	metrics.OperationsTotal.WithLabelValues(opPosition, "success").Inc()
	s.bus.Publish(event.Event{Type: event.PositionUpdated, AgentID: agentID, Payload: map[string]any{
		"action":   action,
		"position": pos.ID,
		"symbol":   pos.Symbol,
	}})
	return wallet, nil
}

// openPosition stages an OPEN: validates the incoming position, locks the
// notional, and appends it to the wallet.
func openPosition(w *model.AgentWallet, pos *model.Position) error {
	if pos.Symbol == "" {
		return errs.E(errs.KindInvalidPosition, "position symbol is required")
	}
	if pos.Side != model.SideLong && pos.Side != model.SideShort {
		return errs.E(errs.KindInvalidPosition, "position side must be LONG or SHORT, got %q", pos.Side)
	}
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		return errs.E(errs.KindInvalidPosition, "position quantity must be positive, got %s", pos.Quantity)
	}
	if pos.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return errs.E(errs.KindInvalidPosition, "position entry price must be positive, got %s", pos.EntryPrice)
	}
	if pos.ID == "" {
		pos.ID = uuid.New().String()
	}
	for i := range w.OpenPositions {
		if w.OpenPositions[i].ID == pos.ID {
			return errs.E(errs.KindInvalidPosition, "position %s already open", pos.ID)
		}
	}

	notional := pos.Notional()
	if notional.GreaterThan(w.AvailableCapital) {
		return errs.E(errs.KindInsufficientCapital,
			"notional %s exceeds available capital %s", notional, w.AvailableCapital)
	}

	opened := *pos
	if opened.CurrentPrice.IsZero() {
		opened.CurrentPrice = opened.EntryPrice
	}
	if opened.OpenedAt.IsZero() {
		opened.OpenedAt = time.Now().UTC()
	}

	w.AvailableCapital = w.AvailableCapital.Sub(notional)
	w.LockedCapital = w.LockedCapital.Add(notional)
	w.OpenPositions = append(w.OpenPositions, opened)
	refreshUnrealized(w)
	return nil
}

// updatePosition stages an UPDATE: replaces the mark price and unrealized
// P&L of an existing position. Capital fields do not move.
func updatePosition(w *model.AgentWallet, pos model.Position) error {
	for i := range w.OpenPositions {
		if w.OpenPositions[i].ID != pos.ID {
			continue
		}
		if pos.CurrentPrice.LessThanOrEqual(decimal.Zero) {
			return errs.E(errs.KindMissingSymbolData,
				"position %s: mark price must be positive, got %s", pos.ID, pos.CurrentPrice)
		}
		w.OpenPositions[i].CurrentPrice = pos.CurrentPrice
		w.OpenPositions[i].UnrealizedPnL = markPnL(w.OpenPositions[i])
		refreshUnrealized(w)
		return nil
	}
	return errs.E(errs.KindPositionUpdate, "position %s not found", pos.ID)
}

// closePosition stages a CLOSE at the incoming mark price. Returns the
// realized P&L, which the caller applies to the pool total.
func closePosition(w *model.AgentWallet, pos model.Position) (decimal.Decimal, error) {
	idx := -1
	for i := range w.OpenPositions {
		if w.OpenPositions[i].ID == pos.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return decimal.Zero, errs.E(errs.KindPositionUpdate, "position %s not found", pos.ID)
	}

	open := w.OpenPositions[idx]
	exit := pos.CurrentPrice
	if exit.IsZero() {
		exit = open.CurrentPrice
	}
	if exit.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errs.E(errs.KindMissingSymbolData,
			"position %s: no exit price for %s", open.ID, open.Symbol)
	}
	open.CurrentPrice = exit
	realized := markPnL(open)

	applied := settleClose(w, open, realized)
	w.OpenPositions = append(w.OpenPositions[:idx], w.OpenPositions[idx+1:]...)
	refreshUnrealized(w)
	return applied, nil
}

// settleClose moves the closed position's notional plus realized P&L back to
// available capital and folds the trade into the performance record. The
// returned amount is the capital that actually entered or left the wallet,
// which the caller mirrors onto the pool total to preserve conservation; a
// loss deeper than the locked notional is truncated at zero credit.
func settleClose(w *model.AgentWallet, open model.Position, realized decimal.Decimal) decimal.Decimal {
	notional := open.Notional()
	credit := notional.Add(realized)
	if credit.IsNegative() {
		credit = decimal.Zero
	}

	w.LockedCapital = w.LockedCapital.Sub(notional)
	w.AvailableCapital = w.AvailableCapital.Add(credit)
	w.AllocatedCapital = w.AvailableCapital.Add(w.LockedCapital)

	perf := &w.Performance
	perf.RealizedPnL = perf.RealizedPnL.Add(realized)
	perf.TotalTrades++
	if realized.GreaterThan(decimal.Zero) {
		perf.WinningTrades++
	}
	if perf.TotalTrades > 0 {
		perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).
			Div(decimal.NewFromInt(int64(perf.TotalTrades)))
	}
	if perf.RealizedPnL.LessThan(perf.MaxDrawdown.Neg()) {
		perf.MaxDrawdown = perf.RealizedPnL.Neg()
	}
	return credit.Sub(notional)
}

// markPnL is the mark-to-market P&L of a position at its current price.
func markPnL(p model.Position) decimal.Decimal {
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	if p.Side == model.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// refreshUnrealized recomputes the wallet's aggregate unrealized and total
// P&L from its open positions.
func refreshUnrealized(w *model.AgentWallet) {
	unrealized := decimal.Zero
	for i := range w.OpenPositions {
		unrealized = unrealized.Add(w.OpenPositions[i].UnrealizedPnL)
	}
	w.Performance.UnrealizedPnL = unrealized
	w.Performance.TotalPnL = w.Performance.RealizedPnL.Add(unrealized)
}
