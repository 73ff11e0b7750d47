// Package store defines the persistence contract for the capital engine.
// Implementations include a file store (atomic rename with sibling backup),
// PostgreSQL (transactional), and in-memory (for testing).
package store

import (
	"context"

	"github.com/quantpool/capital-engine/internal/model"
)

// Store persists the ledger snapshot and the two append-only history logs.
// The snapshot contract: a reader must never observe a partially written
// snapshot, and LoadSnapshot re-validates the conservation invariant before
// trusting anything it reads.
type Store interface {
	// SaveSnapshot durably replaces the current snapshot.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LoadSnapshot returns the last saved snapshot, or (nil, nil) when no
	// state has ever been persisted. A snapshot failing validation is an
	// error, never silently accepted.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// AppendDecommission appends one immutable decommission result.
	AppendDecommission(ctx context.Context, res model.DecommissionResult) error

	// DecommissionHistory returns all recorded results in append order.
	DecommissionHistory(ctx context.Context) ([]model.DecommissionResult, error)

	// AppendAudit appends one free-form audit event.
	AppendAudit(ctx context.Context, ev model.AuditEvent) error
}
