package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder serializes appends, maintains the chain head, and signs each
// link. A failed append leaves the head untouched, so the next event still
// chains from the last record that actually persisted.
type Recorder struct {
	mu     sync.Mutex
	store  Store
	signer *Signer
	head   string
	logger *zap.Logger
}

// NewRecorder seeds the chain head from the store. Signer may be nil, in
// which case events carry no signature.
func NewRecorder(ctx context.Context, store Store, signer *Signer, logger *zap.Logger) (*Recorder, error) {
	head, err := store.LatestChainHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	return &Recorder{
		store:  store,
		signer: signer,
		head:   head,
		logger: logger,
	}, nil
}

// RecordTransition appends one failover event, linking it into the chain.
// The timestamp is normalized to UTC microseconds before hashing so every
// store reproduces the digested bytes on read-back.
func (r *Recorder) RecordTransition(ctx context.Context, ev *FailoverEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)

	ev.ChainHash = ChainHash(r.head, ev)
	if r.signer != nil {
		ev.Signature = r.signer.Sign(ev.ChainHash)
	}

	if err := r.store.Append(ctx, ev); err != nil {
		return fmt.Errorf("append failover event: %w", err)
	}
	r.head = ev.ChainHash

	r.logger.Debug("failover event recorded",
		zap.String("region", ev.RegionID),
		zap.String("from", ev.FromState),
		zap.String("to", ev.ToState))
	return nil
}

// RecordPolicy appends a routing policy record. Policies are not part of
// the transition chain.
func (r *Recorder) RecordPolicy(ctx context.Context, rec *PolicyRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC().Truncate(time.Microsecond)
	rec.EffectiveAt = rec.EffectiveAt.UTC().Truncate(time.Microsecond)

	if err := r.store.AppendPolicy(ctx, rec); err != nil {
		return fmt.Errorf("append policy record: %w", err)
	}
	return nil
}

// Events queries the underlying store.
func (r *Recorder) Events(ctx context.Context, q Query) ([]*FailoverEvent, error) {
	return r.store.Events(ctx, q)
}

// EventByID retrieves a single event.
func (r *Recorder) EventByID(ctx context.Context, id uuid.UUID) (*FailoverEvent, error) {
	return r.store.EventByID(ctx, id)
}

// Policies returns the most recent policy records.
func (r *Recorder) Policies(ctx context.Context, limit int) ([]*PolicyRecord, error) {
	return r.store.Policies(ctx, limit)
}

// Verify walks the full chain and checks every link.
func (r *Recorder) Verify(ctx context.Context) (*VerifyResult, error) {
	return VerifyChain(ctx, r.store, r.signer)
}

// ChainHead returns the current chain head hash.
func (r *Recorder) ChainHead() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Close closes the underlying store.
func (r *Recorder) Close() error {
	return r.store.Close()
}
