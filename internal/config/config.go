package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Controller ControllerConfig `yaml:"controller"`
	Regions    []RegionConfig   `yaml:"regions"`
	Traffic    TrafficConfig    `yaml:"traffic"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Audit      AuditConfig      `yaml:"audit"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" default:"8700"`
	LogLevel string `yaml:"log_level" default:"info"`
}

// ControllerConfig holds the probe cadence and the state machine thresholds.
// Thresholds are composite-score bounds in [0,1]; a higher score is worse.
type ControllerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	ProbeRetryDelay time.Duration `yaml:"probe_retry_delay"`
	ProbeJitterPct  float64       `yaml:"probe_jitter_pct"`

	ReplicationMonitoring bool          `yaml:"replication_monitoring"`
	LagPollInterval       time.Duration `yaml:"lag_poll_interval"`
	MaxReplicationLag     time.Duration `yaml:"max_replication_lag"`

	HealthyThreshold   float64 `yaml:"healthy_threshold"`
	DegradedThreshold  float64 `yaml:"degraded_threshold"`
	UnhealthyThreshold float64 `yaml:"unhealthy_threshold"`
	ErrorRateCeiling   float64 `yaml:"error_rate_ceiling"`
	LatencyCeilingMs   float64 `yaml:"latency_ceiling_ms"`

	DemoteAfter   int `yaml:"demote_after"`
	PromoteAfter  int `yaml:"promote_after"`
	HardFailAfter int `yaml:"hard_fail_after"`
	ConfirmWindow int `yaml:"confirm_window"`

	MinDwell           time.Duration `yaml:"min_dwell"`
	QuarantinePeriod   time.Duration `yaml:"quarantine_period"`
	ExternalVerdictTTL time.Duration `yaml:"external_verdict_ttl"`
}

// RegionConfig describes one serving region. Endpoint is the base URL the
// controller probes; /health and /replication-status are appended to it.
// ExternalEndpoint, when set, is a full URL for an independent probe source
// used to corroborate demotions.
type RegionConfig struct {
	ID               string  `yaml:"id"`
	DisplayName      string  `yaml:"display_name"`
	Endpoint         string  `yaml:"endpoint"`
	ExternalEndpoint string  `yaml:"external_endpoint"`
	BaseWeight       float64 `yaml:"base_weight"`
}

type TrafficConfig struct {
	ManagerEndpoint   string        `yaml:"manager_endpoint"`
	MaxWeightDelta    float64       `yaml:"max_weight_delta"`
	RampStep          float64       `yaml:"ramp_step"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

type AlertingConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	RatePerMinute  float64       `yaml:"rate_per_minute"`
	Burst          int           `yaml:"burst"`
	BufferSize     int           `yaml:"buffer_size"`
}

type AuditConfig struct {
	Store           string         `yaml:"store"` // "file" or "postgres"
	Dir             string         `yaml:"dir"`
	SegmentMaxBytes int64          `yaml:"segment_max_bytes"`
	Compress        bool           `yaml:"compress"`
	MinFreeBytes    uint64         `yaml:"min_free_bytes"`
	SigningKeySeed  string         `yaml:"signing_key_seed"` // hex, 32 bytes
	Postgres        PostgresConfig `yaml:"postgres"`
	Archive         ArchiveConfig  `yaml:"archive"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ArchiveConfig points rotated audit segments at an S3-compatible bucket.
// Leave AccessKey empty to use the ambient AWS credential chain.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	APIKeyHash string        `yaml:"api_key_hash"` // bcrypt hash for report ingestion
}

// Default returns the controller defaults. Load layers file and environment
// values on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8700,
			LogLevel: "info",
		},
		Controller: ControllerConfig{
			PollInterval:          5 * time.Second,
			ProbeTimeout:          2 * time.Second,
			ProbeRetryDelay:       500 * time.Millisecond,
			ProbeJitterPct:        0.10,
			ReplicationMonitoring: true,
			LagPollInterval:       10 * time.Second,
			MaxReplicationLag:     10 * time.Second,
			HealthyThreshold:      0.2,
			DegradedThreshold:     0.4,
			UnhealthyThreshold:    0.7,
			ErrorRateCeiling:      10.0,
			LatencyCeilingMs:      1000.0,
			DemoteAfter:           3,
			PromoteAfter:          5,
			HardFailAfter:         5,
			ConfirmWindow:         3,
			MinDwell:              30 * time.Second,
			QuarantinePeriod:      60 * time.Second,
			ExternalVerdictTTL:    15 * time.Second,
		},
		Traffic: TrafficConfig{
			MaxWeightDelta:    0.15,
			RampStep:          0.10,
			PublishTimeout:    2 * time.Second,
			PublishRetries:    3,
			PublishRetryDelay: 500 * time.Millisecond,
		},
		Alerting: AlertingConfig{
			WebhookTimeout: 5 * time.Second,
			RatePerMinute:  6,
			Burst:          3,
			BufferSize:     256,
		},
		Audit: AuditConfig{
			Store:           "file",
			Dir:             "audit",
			SegmentMaxBytes: 8 << 20,
			Compress:        true,
			MinFreeBytes:    64 << 20,
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
	}
}

// Validate checks cross-field constraints the JSON schema cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if err := c.Controller.validate(); err != nil {
		return err
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("config: at least one region is required")
	}
	seen := make(map[string]bool, len(c.Regions))
	for i := range c.Regions {
		r := &c.Regions[i]
		if r.ID == "" {
			return fmt.Errorf("config: region %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate region id %q", r.ID)
		}
		seen[r.ID] = true
		if r.BaseWeight <= 0 {
			return fmt.Errorf("config: region %q: base_weight must be positive", r.ID)
		}
		if err := checkURL(r.Endpoint); err != nil {
			return fmt.Errorf("config: region %q: endpoint: %w", r.ID, err)
		}
		if r.ExternalEndpoint != "" {
			if err := checkURL(r.ExternalEndpoint); err != nil {
				return fmt.Errorf("config: region %q: external_endpoint: %w", r.ID, err)
			}
		}
	}
	if err := c.Traffic.validate(); err != nil {
		return err
	}
	if s := c.Audit.Store; s != "file" && s != "postgres" {
		return fmt.Errorf("config: audit store %q must be file or postgres", s)
	}
	if c.Alerting.WebhookURL != "" {
		if err := checkURL(c.Alerting.WebhookURL); err != nil {
			return fmt.Errorf("config: alerting webhook_url: %w", err)
		}
	}
	return nil
}

func (c *ControllerConfig) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.PollInterval {
		return fmt.Errorf("config: probe_timeout must be positive and below poll_interval")
	}
	if c.HealthyThreshold <= 0 {
		return fmt.Errorf("config: healthy_threshold must be positive")
	}
	// Score bands must be ordered or the machine oscillates between them.
	if !(c.HealthyThreshold < c.DegradedThreshold && c.DegradedThreshold < c.UnhealthyThreshold) {
		return fmt.Errorf("config: thresholds must satisfy healthy < degraded < unhealthy")
	}
	if c.UnhealthyThreshold > 1 {
		return fmt.Errorf("config: unhealthy_threshold must not exceed 1")
	}
	if c.ErrorRateCeiling <= 0 || c.LatencyCeilingMs <= 0 {
		return fmt.Errorf("config: error_rate_ceiling and latency_ceiling_ms must be positive")
	}
	if c.DemoteAfter < 1 || c.PromoteAfter < 1 || c.HardFailAfter < 1 || c.ConfirmWindow < 1 {
		return fmt.Errorf("config: streak windows must be at least 1")
	}
	if c.MinDwell < 0 || c.QuarantinePeriod < 0 {
		return fmt.Errorf("config: dwell and quarantine periods must not be negative")
	}
	return nil
}

func (c *TrafficConfig) validate() error {
	if c.ManagerEndpoint != "" {
		if err := checkURL(c.ManagerEndpoint); err != nil {
			return fmt.Errorf("config: traffic manager_endpoint: %w", err)
		}
	}
	if c.MaxWeightDelta <= 0 || c.MaxWeightDelta > 1 {
		return fmt.Errorf("config: max_weight_delta must be in (0,1]")
	}
	if c.RampStep <= 0 || c.RampStep > 1 {
		return fmt.Errorf("config: ramp_step must be in (0,1]")
	}
	if c.PublishRetries < 1 {
		return fmt.Errorf("config: publish_retries must be at least 1")
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// Region returns the configured region with the given id, or nil.
func (c *Config) Region(id string) *RegionConfig {
	for i := range c.Regions {
		if c.Regions[i].ID == id {
			return &c.Regions[i]
		}
	}
	return nil
}
