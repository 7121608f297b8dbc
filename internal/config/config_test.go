package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 8701
  log_level: debug
controller:
  poll_interval: 2s
  probe_timeout: 1s
  demote_after: 3
  promote_after: 5
  min_dwell: 45s
regions:
  - id: us-east
    display_name: US East
    endpoint: http://us-east.internal:9000
    base_weight: 0.7
  - id: eu-west
    endpoint: http://eu-west.internal:9000
    external_endpoint: http://probe.external:9000/regions/eu-west
    base_weight: 0.3
traffic:
  manager_endpoint: http://gateway.internal:7000
  max_weight_delta: 0.2
alerting:
  webhook_url: http://hooks.internal/meridian
  webhook_secret: hunter2
audit:
  store: file
  dir: /var/lib/meridian/audit
`

func TestParse(t *testing.T) {
	t.Run("merges file over defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(sampleConfig))
		require.NoError(t, err)

		assert.Equal(t, 8701, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Server.LogLevel)
		assert.Equal(t, 2*time.Second, cfg.Controller.PollInterval)
		assert.Equal(t, 45*time.Second, cfg.Controller.MinDwell)
		// untouched fields keep their defaults
		assert.Equal(t, 0.4, cfg.Controller.DegradedThreshold)
		assert.Equal(t, 5, cfg.Controller.HardFailAfter)
		assert.Equal(t, 0.2, cfg.Traffic.MaxWeightDelta)
		assert.Equal(t, 3, cfg.Traffic.PublishRetries)

		require.Len(t, cfg.Regions, 2)
		assert.Equal(t, "us-east", cfg.Regions[0].ID)
		assert.Equal(t, 0.7, cfg.Regions[0].BaseWeight)
		assert.Equal(t, "http://probe.external:9000/regions/eu-west", cfg.Regions[1].ExternalEndpoint)
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		_, err := Parse([]byte(`
regions:
  - id: a
    endpoint: http://a:9000
    base_weight: 1
controler:
  poll_interval: 2s
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema validation failed")
	})

	t.Run("rejects malformed duration", func(t *testing.T) {
		_, err := Parse([]byte(`
controller:
  poll_interval: five seconds
regions:
  - id: a
    endpoint: http://a:9000
    base_weight: 1
`))
		require.Error(t, err)
	})

	t.Run("rejects empty region list", func(t *testing.T) {
		_, err := Parse([]byte(`regions: []`))
		require.Error(t, err)
	})

	t.Run("rejects non-positive base weight", func(t *testing.T) {
		_, err := Parse([]byte(`
regions:
  - id: a
    endpoint: http://a:9000
    base_weight: 0
`))
		require.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	t.Run("reads file from disk", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "meridian.yaml")
		require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8701, cfg.Server.Port)
	})

	t.Run("fails on missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MERIDIAN_PORT", "9100")
	t.Setenv("MERIDIAN_WEBHOOK_SECRET", "from-env")
	t.Setenv("MERIDIAN_PG_HOST", "pg.internal")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Alerting.WebhookSecret)
	assert.Equal(t, "pg.internal", cfg.Audit.Postgres.Host)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Regions = []RegionConfig{{ID: "a", Endpoint: "http://a:9000", BaseWeight: 1}}
		return cfg
	}

	t.Run("accepts defaults with one region", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects duplicate region ids", func(t *testing.T) {
		cfg := valid()
		cfg.Regions = append(cfg.Regions, RegionConfig{ID: "a", Endpoint: "http://b:9000", BaseWeight: 1})
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate region")
	})

	t.Run("rejects disordered thresholds", func(t *testing.T) {
		cfg := valid()
		cfg.Controller.DegradedThreshold = 0.8
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "thresholds")
	})

	t.Run("rejects probe timeout above poll interval", func(t *testing.T) {
		cfg := valid()
		cfg.Controller.ProbeTimeout = cfg.Controller.PollInterval * 2
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects bad endpoint scheme", func(t *testing.T) {
		cfg := valid()
		cfg.Regions[0].Endpoint = "ftp://a:9000"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown audit store", func(t *testing.T) {
		cfg := valid()
		cfg.Audit.Store = "redis"
		assert.Error(t, cfg.Validate())
	})
}

func TestRegionLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.NotNil(t, cfg.Region("eu-west"))
	assert.Nil(t, cfg.Region("ap-south"))
}
