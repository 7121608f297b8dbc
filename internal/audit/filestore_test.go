package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func storedEvent(region string, ts time.Time, hash string) *FailoverEvent {
	return &FailoverEvent{
		ID:        uuid.New(),
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		RegionID:  region,
		FromState: "healthy",
		ToState:   "degraded",
		Reason:    "error rate above threshold",
		ChainHash: hash,
	}
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0, false, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	first := storedEvent("us-east", base, "h1")
	second := storedEvent("eu-west", base.Add(time.Minute), "h2")
	third := storedEvent("us-east", base.Add(2*time.Minute), "h3")
	for _, ev := range []*FailoverEvent{first, second, third} {
		require.NoError(t, store.Append(ctx, ev))
	}

	t.Run("returns newest first", func(t *testing.T) {
		events, err := store.Events(ctx, Query{})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, third.ID, events[0].ID)
		assert.Equal(t, first.ID, events[2].ID)
	})

	t.Run("filters by region", func(t *testing.T) {
		events, err := store.Events(ctx, Query{RegionID: "eu-west"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, second.ID, events[0].ID)
	})

	t.Run("filters by time window", func(t *testing.T) {
		start := base.Add(30 * time.Second)
		end := base.Add(90 * time.Second)
		events, err := store.Events(ctx, Query{StartTime: &start, EndTime: &end})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, second.ID, events[0].ID)
	})

	t.Run("applies offset and limit", func(t *testing.T) {
		events, err := store.Events(ctx, Query{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, second.ID, events[0].ID)
	})

	t.Run("offset beyond the trail is empty", func(t *testing.T) {
		events, err := store.Events(ctx, Query{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestFileStore_EventByID(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0, false, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ev := storedEvent("us-east", time.Now(), "h1")
	require.NoError(t, store.Append(ctx, ev))

	t.Run("finds a stored event", func(t *testing.T) {
		got, err := store.EventByID(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.RegionID, got.RegionID)
		assert.Equal(t, ev.ChainHash, got.ChainHash)
	})

	t.Run("reports missing events", func(t *testing.T) {
		_, err := store.EventByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestFileStore_Rotation(t *testing.T) {
	dir := t.TempDir()

	// A one-byte budget forces a rotation on every append after the first.
	store, err := NewFileStore(dir, 1, true, zap.NewNop())
	require.NoError(t, err)

	var rotated []string
	store.OnRotate(func(path string) { rotated = append(rotated, path) })

	ctx := context.Background()
	base := time.Now()
	ids := make([]uuid.UUID, 0, 4)
	for i := 0; i < 4; i++ {
		ev := storedEvent("us-east", base.Add(time.Duration(i)*time.Second), fmt.Sprintf("h%d", i+1))
		ids = append(ids, ev.ID)
		require.NoError(t, store.Append(ctx, ev))
	}

	t.Run("rotated segments are compressed", func(t *testing.T) {
		require.Len(t, rotated, 3)
		for _, path := range rotated {
			assert.True(t, strings.HasSuffix(path, ".jsonl.zst"), path)
		}
		matches, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
		require.NoError(t, err)
		assert.Len(t, matches, 3)
	})

	t.Run("walk spans segments and the active file", func(t *testing.T) {
		var walked []uuid.UUID
		err := store.Walk(ctx, func(ev *FailoverEvent) error {
			walked = append(walked, ev.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, ids, walked)
	})

	t.Run("chain head survives reopen", func(t *testing.T) {
		require.NoError(t, store.Close())

		reopened, err := NewFileStore(dir, 1, true, zap.NewNop())
		require.NoError(t, err)
		defer func() { _ = reopened.Close() }()

		head, err := reopened.LatestChainHash(ctx)
		require.NoError(t, err)
		assert.Equal(t, "h4", head)
	})
}

func TestFileStore_Policies(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0, false, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for v := uint64(1); v <= 3; v++ {
		rec := &PolicyRecord{
			ID:          uuid.New(),
			Version:     v,
			Weights:     map[string]float64{"us-east": 1},
			EffectiveAt: time.Now().UTC(),
			RecordedAt:  time.Now().UTC(),
		}
		require.NoError(t, store.AppendPolicy(ctx, rec))
	}

	records, err := store.Policies(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Version)
	assert.Equal(t, uint64(2), records[1].Version)
}

func TestFileStore_EmptyTrail(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0, false, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	head, err := store.LatestChainHash(ctx)
	require.NoError(t, err)
	assert.Empty(t, head)

	events, err := store.Events(ctx, Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
