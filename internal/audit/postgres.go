package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/database"
)

// PostgresStore keeps the audit trail in Postgres. A bigserial sequence
// column preserves append order for chain verification.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates the schema if missing. The connection pool stays
// owned by the caller.
func NewPostgresStore(ctx context.Context, pg *database.Postgres, logger *zap.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: pg.DB(), logger: logger}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS failover_events (
			seq BIGSERIAL PRIMARY KEY,
			id UUID UNIQUE NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			region_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			snapshot_ids JSONB,
			lag_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			chain_hash TEXT NOT NULL,
			signature TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failover_events_region
			ON failover_events(region_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_failover_events_timestamp
			ON failover_events(timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS routing_policies (
			version BIGINT PRIMARY KEY,
			id UUID NOT NULL,
			weights JSONB NOT NULL,
			effective_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create audit tables: %w", err)
		}
	}
	return nil
}

// Append persists one failover event.
func (s *PostgresStore) Append(ctx context.Context, ev *FailoverEvent) error {
	var snapshotJSON []byte
	if len(ev.SnapshotIDs) > 0 {
		var err error
		snapshotJSON, err = json.Marshal(ev.SnapshotIDs)
		if err != nil {
			return fmt.Errorf("marshal snapshot ids: %w", err)
		}
	}

	query := `
		INSERT INTO failover_events (
			id, timestamp, region_id, from_state, to_state,
			reason, snapshot_ids, lag_ms, chain_hash, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Timestamp,
		ev.RegionID,
		ev.FromState,
		ev.ToState,
		ev.Reason,
		nullBytes(snapshotJSON),
		ev.LagMs,
		ev.ChainHash,
		nullString(ev.Signature),
	)
	if err != nil {
		return fmt.Errorf("insert failover event: %w", err)
	}
	return nil
}

// AppendPolicy persists one policy record. Re-publishing the same version is
// a no-op so retries stay idempotent.
func (s *PostgresStore) AppendPolicy(ctx context.Context, rec *PolicyRecord) error {
	weightsJSON, err := json.Marshal(rec.Weights)
	if err != nil {
		return fmt.Errorf("marshal policy weights: %w", err)
	}

	query := `
		INSERT INTO routing_policies (version, id, weights, effective_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (version) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(rec.Version), rec.ID, weightsJSON, rec.EffectiveAt, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert policy record: %w", err)
	}
	return nil
}

const eventColumns = `id, timestamp, region_id, from_state, to_state,
	reason, snapshot_ids, lag_ms, chain_hash, signature`

// Events returns matching events, newest first.
func (s *PostgresStore) Events(ctx context.Context, q Query) ([]*FailoverEvent, error) {
	sqlQuery := `SELECT ` + eventColumns + ` FROM failover_events WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if q.RegionID != "" {
		sqlQuery += fmt.Sprintf(" AND region_id = $%d", argIdx)
		args = append(args, q.RegionID)
		argIdx++
	}
	if q.FromState != "" {
		sqlQuery += fmt.Sprintf(" AND from_state = $%d", argIdx)
		args = append(args, q.FromState)
		argIdx++
	}
	if q.ToState != "" {
		sqlQuery += fmt.Sprintf(" AND to_state = $%d", argIdx)
		args = append(args, q.ToState)
		argIdx++
	}
	if q.StartTime != nil {
		sqlQuery += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *q.StartTime)
		argIdx++
	}
	if q.EndTime != nil {
		sqlQuery += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *q.EndTime)
		argIdx++
	}

	sqlQuery += " ORDER BY timestamp DESC, seq DESC"
	sqlQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, clampLimit(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query failover events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// EventByID retrieves a single event.
func (s *PostgresStore) EventByID(ctx context.Context, id uuid.UUID) (*FailoverEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM failover_events WHERE id = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event by id: %w", err)
	}
	return ev, nil
}

// Policies returns the most recent policy records, newest first.
func (s *PostgresStore) Policies(ctx context.Context, limit int) ([]*PolicyRecord, error) {
	query := `
		SELECT version, id, weights, effective_at, recorded_at
		FROM routing_policies
		ORDER BY version DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query policy records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*PolicyRecord
	for rows.Next() {
		rec := &PolicyRecord{}
		var version int64
		var weightsJSON []byte
		if err := rows.Scan(&version, &rec.ID, &weightsJSON, &rec.EffectiveAt, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan policy record: %w", err)
		}
		rec.Version = uint64(version)
		if err := json.Unmarshal(weightsJSON, &rec.Weights); err != nil {
			return nil, fmt.Errorf("decode policy weights: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Walk streams every event in append order.
func (s *PostgresStore) Walk(ctx context.Context, fn func(*FailoverEvent) error) error {
	query := `SELECT ` + eventColumns + ` FROM failover_events ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("walk failover events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("scan failover event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LatestChainHash returns the hash of the newest appended event.
func (s *PostgresStore) LatestChainHash(ctx context.Context) (string, error) {
	var hash string
	query := `SELECT chain_hash FROM failover_events ORDER BY seq DESC LIMIT 1`
	err := s.db.QueryRowContext(ctx, query).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load chain head: %w", err)
	}
	return hash, nil
}

// Close is a no-op; the pool belongs to the database wrapper.
func (s *PostgresStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*FailoverEvent, error) {
	ev := &FailoverEvent{}
	var snapshotJSON []byte
	var signature sql.NullString

	err := row.Scan(
		&ev.ID,
		&ev.Timestamp,
		&ev.RegionID,
		&ev.FromState,
		&ev.ToState,
		&ev.Reason,
		&snapshotJSON,
		&ev.LagMs,
		&ev.ChainHash,
		&signature,
	)
	if err != nil {
		return nil, err
	}

	ev.Timestamp = ev.Timestamp.UTC()
	ev.Signature = signature.String
	if snapshotJSON != nil {
		if err := json.Unmarshal(snapshotJSON, &ev.SnapshotIDs); err != nil {
			return nil, fmt.Errorf("decode snapshot ids: %w", err)
		}
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*FailoverEvent, error) {
	var events []*FailoverEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failover event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
