// Package model defines the core domain types shared across the capital engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WalletStatus is the lifecycle state of an agent wallet.
type WalletStatus string

const (
	StatusActive         WalletStatus = "ACTIVE"
	StatusFrozen         WalletStatus = "FROZEN"
	StatusDraining       WalletStatus = "DRAINING"
	StatusDecommissioned WalletStatus = "DECOMMISSIONED"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// PositionAction selects the mutation applied by UpdateAgentPosition.
type PositionAction string

const (
	ActionOpen   PositionAction = "OPEN"
	ActionUpdate PositionAction = "UPDATE"
	ActionClose  PositionAction = "CLOSE"
)

// LiquidationStrategy selects how a decommission unwinds open positions.
// IMMEDIATE, GRADUAL, and OPTIMAL share one slippage-adjusted procedure;
// the name is recorded on the result for a future market-impact model.
// TRANSFER moves positions to another active wallet instead of closing them.
type LiquidationStrategy string

const (
	LiquidateImmediate LiquidationStrategy = "IMMEDIATE"
	LiquidateGradual   LiquidationStrategy = "GRADUAL"
	LiquidateOptimal   LiquidationStrategy = "OPTIMAL"
	LiquidateTransfer  LiquidationStrategy = "TRANSFER"
)

// Position is one open exposure owned by exactly one wallet at a time.
// Ownership transfers atomically during a TRANSFER decommission.
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// Notional returns the entry notional (quantity × entry price), the amount
// of capital locked while the position is open.
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Order is a pending order attributed to a wallet. Orders are cancelled
// wholesale during decommission; the engine never talks to exchanges itself.
type Order struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     PositionSide    `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	PlacedAt time.Time       `json:"placed_at"`
}

// Performance accumulates per-agent trading statistics.
type Performance struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	WinRate       decimal.Decimal `json:"win_rate"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	SharpeRatio   decimal.Decimal `json:"sharpe_ratio"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
}

// AgentWallet is the per-agent sub-ledger.
// Invariant: AllocatedCapital == AvailableCapital + LockedCapital.
type AgentWallet struct {
	AgentID          string          `json:"agent_id"`
	StrategyID       string          `json:"strategy_id"`
	AllocatedCapital decimal.Decimal `json:"allocated_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	LockedCapital    decimal.Decimal `json:"locked_capital"`
	OpenPositions    []Position      `json:"open_positions"`
	PendingOrders    []Order         `json:"pending_orders"`
	Status           WalletStatus    `json:"status"`
	FrozenReason     string          `json:"frozen_reason,omitempty"`
	Performance      Performance     `json:"performance"`
	CreatedAt        time.Time       `json:"created_at"`
	DecommissionedAt *time.Time      `json:"decommissioned_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers or snapshots.
func (w *AgentWallet) Clone() AgentWallet {
	c := *w
	c.OpenPositions = append([]Position(nil), w.OpenPositions...)
	c.PendingOrders = append([]Order(nil), w.PendingOrders...)
	if w.DecommissionedAt != nil {
		t := *w.DecommissionedAt
		c.DecommissionedAt = &t
	}
	return c
}

// Validate checks the wallet-level capital identity and non-negativity.
func (w *AgentWallet) Validate() error {
	if w.AllocatedCapital.IsNegative() || w.AvailableCapital.IsNegative() || w.LockedCapital.IsNegative() {
		return fmt.Errorf("wallet %s: negative capital field", w.AgentID)
	}
	if !w.AllocatedCapital.Equal(w.AvailableCapital.Add(w.LockedCapital)) {
		return fmt.Errorf("wallet %s: allocated %s != available %s + locked %s",
			w.AgentID, w.AllocatedCapital, w.AvailableCapital, w.LockedCapital)
	}
	return nil
}

// Snapshot is the durable state of the whole pool at one instant.
type Snapshot struct {
	TotalCapital   decimal.Decimal `json:"total_capital"`
	ReserveCapital decimal.Decimal `json:"reserve_capital"`
	TakenAt        time.Time       `json:"taken_at"`
	Agents         []AgentWallet   `json:"agents"`
}

// Validate enforces the pool conservation invariant before a snapshot is
// trusted: totalCapital == reserveCapital + Σ allocated over wallets that are
// not decommissioned, plus the per-wallet identity and non-negativity.
func (s *Snapshot) Validate() error {
	if s.TotalCapital.IsNegative() || s.ReserveCapital.IsNegative() {
		return fmt.Errorf("snapshot: negative pool capital (total=%s reserve=%s)", s.TotalCapital, s.ReserveCapital)
	}
	allocated := decimal.Zero
	for i := range s.Agents {
		w := &s.Agents[i]
		if err := w.Validate(); err != nil {
			return err
		}
		if w.Status != StatusDecommissioned {
			allocated = allocated.Add(w.AllocatedCapital)
		}
	}
	if !s.TotalCapital.Equal(s.ReserveCapital.Add(allocated)) {
		return fmt.Errorf("snapshot: total %s != reserve %s + allocated %s",
			s.TotalCapital, s.ReserveCapital, allocated)
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() Snapshot {
	c := *s
	c.Agents = make([]AgentWallet, len(s.Agents))
	for i := range s.Agents {
		c.Agents[i] = s.Agents[i].Clone()
	}
	return c
}

// DecommissionOptions parameterize agent retirement.
type DecommissionOptions struct {
	Reason      string              `json:"reason"`
	Strategy    LiquidationStrategy `json:"strategy"`
	MaxSlippage decimal.Decimal     `json:"max_slippage"` // fraction; zero → default
	TransferTo  string              `json:"transfer_to,omitempty"`
}

// Decommission outcome statuses.
const (
	DecommissionCompleted = "COMPLETED"
	DecommissionFailed    = "FAILED"
)

// DecommissionResult is the immutable audit record of one decommission.
// Appended to the history log; never mutated after creation.
type DecommissionResult struct {
	ID                   string              `json:"id"`
	AgentID              string              `json:"agent_id"`
	Reason               string              `json:"reason"`
	Strategy             LiquidationStrategy `json:"strategy"`
	RecalledCapital      decimal.Decimal     `json:"recalled_capital"`
	LiquidatedPositions  int                 `json:"liquidated_positions"`
	TransferredPositions int                 `json:"transferred_positions"`
	CancelledOrders      []string            `json:"cancelled_orders"`
	LiquidationProceeds  decimal.Decimal     `json:"liquidation_proceeds"`
	LiquidationCost      decimal.Decimal     `json:"liquidation_cost"`
	TotalPnL             decimal.Decimal     `json:"total_pnl"`
	StartedAt            time.Time           `json:"started_at"`
	CompletedAt          time.Time           `json:"completed_at"`
	ExecutionTime        time.Duration       `json:"execution_time"`
	FinalStatus          string              `json:"final_status"`
	Error                string              `json:"error,omitempty"`
}

// AuditEvent is one line of the free-form append-only audit log.
type AuditEvent struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	Note    string    `json:"note,omitempty"`
}

// AgentAllocation is one row of the capital allocation view.
type AgentAllocation struct {
	AgentID    string          `json:"agent_id"`
	StrategyID string          `json:"strategy_id"`
	Status     WalletStatus    `json:"status"`
	Allocated  decimal.Decimal `json:"allocated"`
	Available  decimal.Decimal `json:"available"`
	Locked     decimal.Decimal `json:"locked"`
	TotalPnL   decimal.Decimal `json:"total_pnl"`
}

// AllocationView is the read-only pool summary served to callers.
type AllocationView struct {
	Total        decimal.Decimal   `json:"total"`
	Reserve      decimal.Decimal   `json:"reserve"`
	Allocated    decimal.Decimal   `json:"allocated"`
	Locked       decimal.Decimal   `json:"locked"`
	Available    decimal.Decimal   `json:"available"`
	ReserveRatio decimal.Decimal   `json:"reserve_ratio"`
	PerAgent     []AgentAllocation `json:"per_agent"`
}

// CapitalPoint is one sampled point of the capital history series.
type CapitalPoint struct {
	At        time.Time       `json:"at"`
	Total     decimal.Decimal `json:"total"`
	Reserve   decimal.Decimal `json:"reserve"`
	Allocated decimal.Decimal `json:"allocated"`
}
