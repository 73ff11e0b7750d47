package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/model"
)

// PostgresStore implements Store on PostgreSQL. The snapshot is a single row
// replaced inside a transaction, so readers never observe a torn write; the
// history tables are append-only. Monetary columns are NUMERIC and round-trip
// through decimal strings for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS capital_snapshots (
			id            SMALLINT PRIMARY KEY CHECK (id = 1),
			total         NUMERIC NOT NULL,
			reserve       NUMERIC NOT NULL,
			taken_at      TIMESTAMPTZ NOT NULL,
			agents        JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS decommission_results (
			seq           BIGSERIAL PRIMARY KEY,
			id            TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			final_status  TEXT NOT NULL,
			completed_at  TIMESTAMPTZ NOT NULL,
			doc           JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS audit_events (
			seq           BIGSERIAL PRIMARY KEY,
			at            TIMESTAMPTZ NOT NULL,
			type          TEXT NOT NULL,
			agent_id      TEXT,
			note          TEXT
		);`)
	return errs.Wrap(errs.KindWriteFailure, err, "migrate schema")
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	agents, err := json.Marshal(snap.Agents)
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "encode agents")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "begin snapshot tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO capital_snapshots (id, total, reserve, taken_at, agents)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET total = EXCLUDED.total, reserve = EXCLUDED.reserve,
		     taken_at = EXCLUDED.taken_at, agents = EXCLUDED.agents`,
		snap.TotalCapital.String(), snap.ReserveCapital.String(), snap.TakenAt, agents)
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "write snapshot")
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "commit snapshot")
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var total, reserve string
	var agents []byte

	err := s.pool.QueryRow(ctx,
		`SELECT total::TEXT, reserve::TEXT, taken_at, agents
		 FROM capital_snapshots WHERE id = 1`).
		Scan(&total, &reserve, &snap.TakenAt, &agents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindWriteFailure, err, "read snapshot")
	}

	if snap.TotalCapital, err = decimal.NewFromString(total); err != nil {
		return nil, errs.Wrap(errs.KindStateCorruption, err, "decode total")
	}
	if snap.ReserveCapital, err = decimal.NewFromString(reserve); err != nil {
		return nil, errs.Wrap(errs.KindStateCorruption, err, "decode reserve")
	}
	if err := json.Unmarshal(agents, &snap.Agents); err != nil {
		return nil, errs.Wrap(errs.KindStateCorruption, err, "decode agents")
	}
	if err := snap.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindStateCorruption, err, "snapshot failed validation")
	}
	return &snap, nil
}

func (s *PostgresStore) AppendDecommission(ctx context.Context, res model.DecommissionResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "encode decommission result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO decommission_results (id, agent_id, final_status, completed_at, doc)
		 VALUES ($1, $2, $3, $4, $5)`,
		res.ID, res.AgentID, res.FinalStatus, res.CompletedAt, doc)
	return errs.Wrap(errs.KindWriteFailure, err, "append decommission result")
}

func (s *PostgresStore) DecommissionHistory(ctx context.Context) ([]model.DecommissionResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM decommission_results ORDER BY seq`)
	if err != nil {
		return nil, errs.Wrap(errs.KindWriteFailure, err, "query decommission history")
	}
	defer rows.Close()

	var results []model.DecommissionResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Wrap(errs.KindWriteFailure, err, "scan decommission row")
		}
		var res model.DecommissionResult
		if err := json.Unmarshal(doc, &res); err != nil {
			return nil, errs.Wrap(errs.KindStateCorruption, err, "decode decommission record")
		}
		results = append(results, res)
	}
	return results, errs.Wrap(errs.KindWriteFailure, rows.Err(), "iterate decommission history")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (at, type, agent_id, note) VALUES ($1, $2, $3, $4)`,
		ev.At, ev.Type, ev.AgentID, ev.Note)
	return errs.Wrap(errs.KindWriteFailure, err, "append audit event")
}
