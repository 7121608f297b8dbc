// Package audit records every region state transition and routing policy
// publication in an append-only, tamper-evident trail.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FailoverEvent is one immutable audit record, written per state transition.
// ChainHash links the event to its predecessor; Signature covers ChainHash
// when a signing key is configured.
type FailoverEvent struct {
	ID          uuid.UUID   `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	RegionID    string      `json:"region_id"`
	FromState   string      `json:"from_state"`
	ToState     string      `json:"to_state"`
	Reason      string      `json:"reason"`
	SnapshotIDs []uuid.UUID `json:"snapshot_ids,omitempty"`
	LagMs       float64     `json:"lag_ms,omitempty"`
	ChainHash   string      `json:"chain_hash"`
	Signature   string      `json:"signature,omitempty"`
}

// PolicyRecord captures a published routing policy version.
type PolicyRecord struct {
	ID          uuid.UUID          `json:"id"`
	Version     uint64             `json:"version"`
	Weights     map[string]float64 `json:"weights"`
	EffectiveAt time.Time          `json:"effective_at"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// Query filters event lookups. Zero values match everything; results are
// returned newest first.
type Query struct {
	RegionID  string
	FromState string
	ToState   string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Store persists audit records. Append order is the chain order: Walk must
// yield events exactly as they were appended.
type Store interface {
	Append(ctx context.Context, event *FailoverEvent) error
	AppendPolicy(ctx context.Context, record *PolicyRecord) error
	Events(ctx context.Context, q Query) ([]*FailoverEvent, error)
	EventByID(ctx context.Context, id uuid.UUID) (*FailoverEvent, error)
	Policies(ctx context.Context, limit int) ([]*PolicyRecord, error)
	Walk(ctx context.Context, fn func(*FailoverEvent) error) error
	LatestChainHash(ctx context.Context) (string, error)
	Close() error
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// clampLimit applies the default and ceiling shared by both stores.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// matches reports whether an event passes the query filters.
func (q Query) matches(ev *FailoverEvent) bool {
	if q.RegionID != "" && ev.RegionID != q.RegionID {
		return false
	}
	if q.FromState != "" && ev.FromState != q.FromState {
		return false
	}
	if q.ToState != "" && ev.ToState != q.ToState {
		return false
	}
	if q.StartTime != nil && ev.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && ev.Timestamp.After(*q.EndTime) {
		return false
	}
	return true
}
