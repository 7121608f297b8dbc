package traffic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
)

func testPublisher(endpoint string) *Publisher {
	return NewPublisher(config.TrafficConfig{
		ManagerEndpoint:   endpoint,
		PublishTimeout:    time.Second,
		PublishRetries:    3,
		PublishRetryDelay: 10 * time.Millisecond,
	}, zap.NewNop())
}

func testPolicy(version uint64) *Policy {
	return &Policy{
		ID:          uuid.New(),
		Version:     version,
		Weights:     map[string]float64{"us-east": 0.7, "eu-west": 0.3},
		EffectiveAt: time.Now().UTC(),
	}
}

func TestPublisher_Publish(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody policyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := testPublisher(server.URL)
	require.NoError(t, p.Publish(context.Background(), testPolicy(1)))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/routing-policy", gotPath)
	assert.Equal(t, uint64(1), gotBody.Version)
	assert.InDelta(t, 0.7, gotBody.Weights["us-east"], 1e-9)
	assert.Equal(t, uint64(1), p.LastApplied())
	assert.True(t, p.Applied(1))
}

func TestPublisher_IdempotentOnVersion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := testPublisher(server.URL)
	require.NoError(t, p.Publish(context.Background(), testPolicy(2)))
	require.NoError(t, p.Publish(context.Background(), testPolicy(2)))
	require.NoError(t, p.Publish(context.Background(), testPolicy(1)), "older versions are already superseded")

	assert.Equal(t, int32(1), calls.Load())
}

func TestPublisher_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := testPublisher(server.URL)
	require.NoError(t, p.Publish(context.Background(), testPolicy(1)))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(1), p.LastApplied())
}

func TestPublisher_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := testPublisher(server.URL)
	err := p.Publish(context.Background(), testPolicy(1))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(3), calls.Load(), "attempt budget is capped")
	assert.Equal(t, uint64(0), p.LastApplied(), "failed publishes are never marked applied")
}

func TestPublisher_UnreachableManager(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	p := testPublisher(server.URL)
	err := p.Publish(context.Background(), testPolicy(1))
	assert.ErrorIs(t, err, ErrPublishFailed)
}

func TestPublisher_ContextCancelsBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewPublisher(config.TrafficConfig{
		ManagerEndpoint:   server.URL,
		PublishTimeout:    time.Second,
		PublishRetries:    3,
		PublishRetryDelay: 5 * time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Publish(ctx, testPolicy(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "cancellation must not wait out the backoff")
}
