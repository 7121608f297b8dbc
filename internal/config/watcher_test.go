package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcher(t *testing.T) {
	t.Run("reloads on file change", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meridian.yaml")
		writeConfig(t, path, sampleConfig)

		reloaded := make(chan *Config, 1)
		w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config, err error) {
			if err == nil {
				select {
				case reloaded <- cfg:
				default:
				}
			}
		})
		require.NoError(t, err)
		defer w.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		// let the watcher settle before mutating the file
		time.Sleep(50 * time.Millisecond)
		writeConfig(t, path, sampleConfig+"\nauth:\n  jwt_secret: rotated\n")

		select {
		case cfg := <-reloaded:
			assert.Equal(t, "rotated", cfg.Auth.JWTSecret)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for reload")
		}
	})

	t.Run("reports invalid replacement", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meridian.yaml")
		writeConfig(t, path, sampleConfig)

		errs := make(chan error, 1)
		w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config, err error) {
			if err != nil {
				select {
				case errs <- err:
				default:
				}
			}
		})
		require.NoError(t, err)
		defer w.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		time.Sleep(50 * time.Millisecond)
		writeConfig(t, path, "regions: []\n")

		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for reload error")
		}
	})

	t.Run("ignores sibling files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meridian.yaml")
		writeConfig(t, path, sampleConfig)

		calls := make(chan struct{}, 4)
		w, err := NewWatcher(path, zap.NewNop(), func(*Config, error) {
			calls <- struct{}{}
		})
		require.NoError(t, err)
		defer w.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		time.Sleep(50 * time.Millisecond)
		writeConfig(t, filepath.Join(dir, "other.yaml"), "not: watched\n")

		select {
		case <-calls:
			t.Fatal("sibling file change should not trigger a reload")
		case <-time.After(500 * time.Millisecond):
		}
	})
}
