package store

import (
	"context"
	"sync"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/model"
)

// MemoryStore implements Store with in-memory state. Used for testing and
// development. Not suitable for production (no durability).
type MemoryStore struct {
	mu            sync.Mutex
	snapshot      *model.Snapshot
	decommissions []model.DecommissionResult
	audits        []model.AuditEvent
	failSaves     int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailSaves makes the next n SaveSnapshot calls fail with a write-failure
// error. Used by tests to exercise retry and rollback paths.
func (s *MemoryStore) FailSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = n
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errs.E(errs.KindWriteFailure, "injected save failure")
	}
	c := snap.Clone()
	s.snapshot = &c
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	if err := s.snapshot.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindStateCorruption, err, "snapshot failed validation")
	}
	c := s.snapshot.Clone()
	return &c, nil
}

func (s *MemoryStore) AppendDecommission(_ context.Context, res model.DecommissionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decommissions = append(s.decommissions, res)
	return nil
}

func (s *MemoryStore) DecommissionHistory(_ context.Context) ([]model.DecommissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DecommissionResult(nil), s.decommissions...), nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, ev model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ev)
	return nil
}

// AuditEvents returns a copy of the recorded audit log (test helper).
func (s *MemoryStore) AuditEvents() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.audits...)
}
