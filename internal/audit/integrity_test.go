package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainEvent(region, reason string) *FailoverEvent {
	return &FailoverEvent{
		ID:        uuid.New(),
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		RegionID:  region,
		FromState: "healthy",
		ToState:   "degraded",
		Reason:    reason,
	}
}

func TestChainHash(t *testing.T) {
	t.Run("deterministic for identical events", func(t *testing.T) {
		ev := chainEvent("us-east", "error rate above threshold")
		assert.Equal(t, ChainHash("", ev), ChainHash("", ev))
	})

	t.Run("changes with the payload", func(t *testing.T) {
		ev := chainEvent("us-east", "error rate above threshold")
		other := *ev
		other.Reason = "latency above threshold"
		assert.NotEqual(t, ChainHash("", ev), ChainHash("", &other))
	})

	t.Run("changes with the previous link", func(t *testing.T) {
		ev := chainEvent("us-east", "error rate above threshold")
		assert.NotEqual(t, ChainHash("", ev), ChainHash("deadbeef", ev))
	})

	t.Run("ignores derived fields", func(t *testing.T) {
		ev := chainEvent("us-east", "error rate above threshold")
		withDerived := *ev
		withDerived.ChainHash = "aaaa"
		withDerived.Signature = "bbbb"
		assert.Equal(t, ChainHash("", ev), ChainHash("", &withDerived))
	})
}

func TestSigner(t *testing.T) {
	seed := strings.Repeat("ab", 32)

	t.Run("sign and verify round trip", func(t *testing.T) {
		s, err := NewSigner(seed)
		require.NoError(t, err)

		sig := s.Sign("somechainhash")
		assert.True(t, s.Verify("somechainhash", sig))
	})

	t.Run("rejects a different hash", func(t *testing.T) {
		s, err := NewSigner(seed)
		require.NoError(t, err)

		sig := s.Sign("somechainhash")
		assert.False(t, s.Verify("otherchainhash", sig))
	})

	t.Run("rejects malformed signatures", func(t *testing.T) {
		s, err := NewSigner(seed)
		require.NoError(t, err)

		assert.False(t, s.Verify("somechainhash", "not-hex"))
		assert.False(t, s.Verify("somechainhash", "abcd"))
	})

	t.Run("rejects a short seed", func(t *testing.T) {
		_, err := NewSigner("abcd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})

	t.Run("rejects a non-hex seed", func(t *testing.T) {
		_, err := NewSigner(strings.Repeat("zz", 32))
		require.Error(t, err)
	})

	t.Run("publishes the verification key", func(t *testing.T) {
		s, err := NewSigner(seed)
		require.NoError(t, err)
		assert.Len(t, s.PublicKey(), 64)
	})
}
