package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/google/uuid"
)

// ChainHash computes the hash linking an event to the previous chain head.
// The first event of a trail chains from the empty string.
func ChainHash(prev string, ev *FailoverEvent) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(chainPayload(ev))
	return hex.EncodeToString(h.Sum(nil))
}

// chainPayload serializes the identity fields of an event in a fixed order.
// ChainHash and Signature are derived values and stay out of the digest.
// Timestamps must already be UTC at microsecond precision so a Postgres
// round trip reproduces the same bytes.
func chainPayload(ev *FailoverEvent) []byte {
	p := struct {
		ID          uuid.UUID   `json:"id"`
		Timestamp   time.Time   `json:"timestamp"`
		RegionID    string      `json:"region_id"`
		FromState   string      `json:"from_state"`
		ToState     string      `json:"to_state"`
		Reason      string      `json:"reason"`
		SnapshotIDs []uuid.UUID `json:"snapshot_ids,omitempty"`
		LagMs       float64     `json:"lag_ms,omitempty"`
	}{
		ID:          ev.ID,
		Timestamp:   ev.Timestamp,
		RegionID:    ev.RegionID,
		FromState:   ev.FromState,
		ToState:     ev.ToState,
		Reason:      ev.Reason,
		SnapshotIDs: ev.SnapshotIDs,
		LagMs:       ev.LagMs,
	}
	data, _ := json.Marshal(p)
	return data
}

// Signer signs chain heads with Ed25519.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives a key pair from a hex-encoded 32-byte seed.
func NewSigner(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign returns the hex signature over a chain hash.
func (s *Signer) Sign(chainHash string) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, []byte(chainHash)))
}

// Verify checks a hex signature over a chain hash.
func (s *Signer) Verify(chainHash, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, []byte(chainHash), sig)
}

// PublicKey returns the hex-encoded verification key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Events   int    `json:"events"`
	Intact   bool   `json:"intact"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain walks the store in append order, recomputing every link and
// checking signatures when a signer is available. The walk stops at the
// first broken link.
func VerifyChain(ctx context.Context, store Store, signer *Signer) (*VerifyResult, error) {
	result := &VerifyResult{Intact: true}
	prev := ""

	err := store.Walk(ctx, func(ev *FailoverEvent) error {
		result.Events++
		if want := ChainHash(prev, ev); ev.ChainHash != want {
			result.Intact = false
			result.BrokenAt = ev.ID.String()
			result.Reason = "chain hash does not match recomputed value"
			return errChainBroken
		}
		if signer != nil && ev.Signature != "" && !signer.Verify(ev.ChainHash, ev.Signature) {
			result.Intact = false
			result.BrokenAt = ev.ID.String()
			result.Reason = "signature does not verify against the chain hash"
			return errChainBroken
		}
		prev = ev.ChainHash
		return nil
	})
	if err != nil && !errors.Is(err, errChainBroken) {
		return nil, err
	}
	return result, nil
}

var errChainBroken = errors.New("audit: chain broken")
