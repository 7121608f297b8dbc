package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
)

func archiveConfig(endpoint string) config.ArchiveConfig {
	return config.ArchiveConfig{
		Enabled:   true,
		Endpoint:  endpoint,
		Bucket:    "meridian-audit",
		Prefix:    "segments",
		AccessKey: "test-access",
		SecretKey: "test-secret",
	}
}

func writeSegment(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("audit segment payload"), 0o640))
	return path
}

func TestArchiver_UploadsSegment(t *testing.T) {
	var mu sync.Mutex
	var method, path string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method = r.Method
		path = r.URL.Path
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	archiver, err := NewArchiver(archiveConfig(server.URL), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go archiver.Run(ctx)

	archiver.Enqueue(writeSegment(t, "events-000001.jsonl.zst"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return path != ""
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/meridian-audit/segments/events-000001.jsonl.zst", path)
}

func TestArchiver_ReportsUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
	}))
	defer server.Close()

	archiver, err := NewArchiver(archiveConfig(server.URL), zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var failed string
	var failure error
	archiver.OnError(func(path string, err error) {
		mu.Lock()
		failed = path
		failure = err
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go archiver.Run(ctx)

	segment := writeSegment(t, "events-000002.jsonl.zst")
	archiver.Enqueue(segment)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed != ""
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, segment, failed)
	assert.Error(t, failure)
}

func TestArchiver_ReportsMissingSegment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	archiver, err := NewArchiver(archiveConfig(server.URL), zap.NewNop())
	require.NoError(t, err)

	err = archiver.upload(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl.zst"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open segment")
}

func TestArchiver_EnqueueNeverBlocks(t *testing.T) {
	archiver, err := NewArchiver(archiveConfig("http://127.0.0.1:1"), zap.NewNop())
	require.NoError(t, err)

	// No Run loop draining: the queue fills and further segments drop.
	for i := 0; i < archiveQueueSize+10; i++ {
		archiver.Enqueue("segment")
	}
}
