package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/meridian/internal/config"
)

func TestWebhookSink_Deliver(t *testing.T) {
	var gotBody []byte
	var gotSig, gotKind, gotSeverity string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Meridian-Signature")
		gotKind = r.Header.Get("X-Meridian-Alert")
		gotSeverity = r.Header.Get("X-Meridian-Severity")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.AlertingConfig{
		WebhookURL:    server.URL,
		WebhookSecret: "s3cret",
	})

	sent := New(KindDisagreement, SeverityWarning, "eu-west", "external source disagrees")
	require.NoError(t, sink.Deliver(context.Background(), sent))

	assert.Equal(t, KindDisagreement, gotKind)
	assert.Equal(t, "warning", gotSeverity)
	assert.True(t, VerifySignature(gotBody, gotSig, "s3cret"))

	var received Alert
	require.NoError(t, json.Unmarshal(gotBody, &received))
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, "eu-west", received.RegionID)
}

func TestWebhookSink_NoSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	var present bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Meridian-Signature")
		_, present = r.Header["X-Meridian-Signature"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.AlertingConfig{WebhookURL: server.URL})
	require.NoError(t, sink.Deliver(context.Background(), New(KindDiskLow, SeverityCritical, "", "disk")))

	assert.False(t, present)
	assert.Empty(t, gotSig)
}

func TestWebhookSink_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.AlertingConfig{WebhookURL: server.URL, WebhookTimeout: time.Second})
	require.NoError(t, sink.Deliver(context.Background(), New(KindTransition, SeverityInfo, "us-east", "ok")))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookSink_ReportsExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewWebhookSink(config.AlertingConfig{WebhookURL: server.URL})
	err := sink.Deliver(context.Background(), New(KindTransition, SeverityInfo, "us-east", "x"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"kind":"region.transition"}`)
	sig := Sign(payload, "secret-a")

	assert.True(t, VerifySignature(payload, sig, "secret-a"))
	assert.False(t, VerifySignature(payload, sig, "secret-b"))
	assert.False(t, VerifySignature([]byte("tampered"), sig, "secret-a"))
}
