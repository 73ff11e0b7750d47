package capital

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/event"
	"github.com/quantpool/capital-engine/internal/metrics"
	"github.com/quantpool/capital-engine/internal/model"
)

// rebalanceEpsilon suppresses churn: deltas smaller than one capital unit
// are not worth moving.
var rebalanceEpsilon = decimal.NewFromInt(1)

// RebalanceMove records one applied capital adjustment.
type RebalanceMove struct {
	AgentID string          `json:"agent_id"`
	Before  decimal.Decimal `json:"before"`
	After   decimal.Decimal `json:"after"`
	Delta   decimal.Decimal `json:"delta"`
}

// RebalanceCapital drives ACTIVE wallets toward the target allocations.
//
// Increases draw from the reserve and are capped by the headroom above the
// minimum reserve ratio; decreases return capital to the reserve and are
// capped by each wallet's available capital — locked capital never moves.
// Targets for unknown or non-ACTIVE agents are skipped. Rebalancing is
// refused outright while agents are live trading unless override is set.
func (s *Service) RebalanceCapital(ctx context.Context, targets map[string]decimal.Decimal, override bool) ([]RebalanceMove, error) {
	if s.safety.CanExecuteLiveTrade() && !override {
		return nil, s.fail(opRebalance, "",
			errs.E(errs.KindAgentInvalid, "rebalance refused: live trading is active, pass override to force"))
	}

	for id, target := range targets {
		if target.IsNegative() {
			return nil, s.fail(opRebalance, id,
				errs.E(errs.KindNegativeCapital, "target allocation for %s is negative: %s", id, target))
		}
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, s.fail(opRebalance, "", errs.E(errs.KindAgentInvalid, "capital pool not initialized"))
	}

	var moves []RebalanceMove
	for _, id := range ids {
		entry, ok := s.wallets[id]
		if !ok {
			slog.Warn("rebalance target skipped: unknown agent", "agent", id)
			continue
		}

		entry.mu.Lock()
		if entry.w.Status != model.StatusActive {
			slog.Warn("rebalance target skipped: wallet not active",
				"agent", id, "status", string(entry.w.Status))
			entry.mu.Unlock()
			continue
		}

		before := entry.w.AllocatedCapital
		delta := targets[id].Sub(before)
		if delta.Abs().LessThan(rebalanceEpsilon) {
			entry.mu.Unlock()
			continue
		}

		if delta.IsPositive() {
			headroom := s.headroomLocked()
			if delta.GreaterThan(headroom) {
				delta = headroom
			}
			if delta.LessThan(rebalanceEpsilon) {
				entry.mu.Unlock()
				continue
			}
			s.reserve = s.reserve.Sub(delta)
			entry.w.AllocatedCapital = entry.w.AllocatedCapital.Add(delta)
			entry.w.AvailableCapital = entry.w.AvailableCapital.Add(delta)
		} else {
			give := delta.Neg()
			if give.GreaterThan(entry.w.AvailableCapital) {
				give = entry.w.AvailableCapital
			}
			if give.LessThan(rebalanceEpsilon) {
				entry.mu.Unlock()
				continue
			}
			s.reserve = s.reserve.Add(give)
			entry.w.AllocatedCapital = entry.w.AllocatedCapital.Sub(give)
			entry.w.AvailableCapital = entry.w.AvailableCapital.Sub(give)
			delta = give.Neg()
		}

		moves = append(moves, RebalanceMove{
			AgentID: id,
			Before:  before,
			After:   entry.w.AllocatedCapital,
			Delta:   delta,
		})
		entry.mu.Unlock()
	}
	s.mu.Unlock()

	if len(moves) == 0 {
		return nil, nil
	}

	if err := s.commit(ctx, opRebalance, ""); err != nil {
		return nil, err
	}

	slog.Info("capital rebalanced", "moves", len(moves), "at", time.Now().UTC())
	metrics.OperationsTotal.WithLabelValues(opRebalance, "success").Inc()
	s.bus.Publish(event.Event{Type: event.CapitalRebalanced, Payload: moves})
	s.audit(ctx, string(event.CapitalRebalanced), "", "")
	return moves, nil
}
