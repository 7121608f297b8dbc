package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
	"github.com/FairForge/meridian/internal/database"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database tests in short mode")
	}

	pg, err := database.NewPostgres(config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "meridian",
		Password: "meridian",
		Database: "meridian_test",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pg.Ping(ctx); err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	store, err := NewPostgresStore(context.Background(), pg, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	// A unique region keeps this run isolated from older rows.
	region := "test-" + uuid.NewString()

	first := storedEvent(region, time.Now(), "")
	first.ChainHash = ChainHash("", first)
	require.NoError(t, store.Append(ctx, first))

	second := storedEvent(region, time.Now().Add(time.Second), "")
	second.ChainHash = ChainHash(first.ChainHash, second)
	second.SnapshotIDs = []uuid.UUID{uuid.New()}
	require.NoError(t, store.Append(ctx, second))

	t.Run("queries newest first", func(t *testing.T) {
		events, err := store.Events(ctx, Query{RegionID: region})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, second.ID, events[0].ID)
		assert.Equal(t, first.ID, events[1].ID)
	})

	t.Run("round trips snapshot ids", func(t *testing.T) {
		got, err := store.EventByID(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, second.SnapshotIDs, got.SnapshotIDs)
		assert.Equal(t, second.ChainHash, got.ChainHash)
	})

	t.Run("walk preserves append order", func(t *testing.T) {
		var ours []uuid.UUID
		err := store.Walk(ctx, func(ev *FailoverEvent) error {
			if ev.RegionID == region {
				ours = append(ours, ev.ID)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{first.ID, second.ID}, ours)
	})

	t.Run("chain head reflects the trail", func(t *testing.T) {
		head, err := store.LatestChainHash(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, head)
	})

	t.Run("missing events are reported", func(t *testing.T) {
		_, err := store.EventByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestPostgresStore_PolicyIdempotency(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	version := uint64(time.Now().UnixNano())
	rec := &PolicyRecord{
		ID:          uuid.New(),
		Version:     version,
		Weights:     map[string]float64{"us-east": 0.6, "eu-west": 0.4},
		EffectiveAt: time.Now().UTC().Truncate(time.Microsecond),
		RecordedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.AppendPolicy(ctx, rec))
	require.NoError(t, store.AppendPolicy(ctx, rec))

	records, err := store.Policies(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, version, records[0].Version)
	assert.InDelta(t, 0.6, records[0].Weights["us-east"], 1e-9)
}
