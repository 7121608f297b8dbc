// internal/health/collector.go
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Prober performs a single probe attempt against one region.
//
// A nil error means the probe produced a definitive snapshot, including
// "the region answered and said it is broken". A non-nil error means the
// attempt itself failed (timeout or transport) and may be retried.
type Prober interface {
	Probe(ctx context.Context) (*Snapshot, error)
}

// healthPayload is the body the region health endpoint returns.
type healthPayload struct {
	Status       string  `json:"status"`
	LatencyMs    float64 `json:"latencyMs"`
	ErrorRatePct float64 `json:"errorRatePct"`
	CPUUtilPct   float64 `json:"cpuUtilPct"`
	MemUtilPct   float64 `json:"memUtilPct"`
}

// HTTPProber probes a region health endpoint over HTTP.
type HTTPProber struct {
	regionID string
	source   Source
	url      string
	client   *http.Client
}

// NewHTTPProber creates a prober for one region endpoint. The url must be
// the full probe URL, e.g. https://us-east.internal:9000/health.
func NewHTTPProber(regionID string, source Source, url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		regionID: regionID,
		source:   source,
		url:      url,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeTransport, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrProbeTimeout, p.url)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrProbeTimeout, p.url)
		}
		return nil, fmt.Errorf("%w: %v", ErrProbeTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The region answered; a bad status is a result, not a retry case.
		return NewFailedSnapshot(p.regionID, p.source, fmt.Sprintf("status %d", resp.StatusCode)), nil
	}

	var payload healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return NewFailedSnapshot(p.regionID, p.source, "malformed health payload"), nil
	}

	return &Snapshot{
		ID:             uuid.New(),
		RegionID:       p.regionID,
		Source:         p.source,
		ObservedAt:     time.Now().UTC(),
		Status:         strings.ToLower(payload.Status),
		LatencyMs:      payload.LatencyMs,
		ErrorRatePct:   payload.ErrorRatePct,
		CPUUtilPct:     payload.CPUUtilPct,
		MemUtilPct:     payload.MemUtilPct,
		ProbeSucceeded: true,
	}, nil
}

// Collector drives one probe stream for one region: probe on a jittered
// interval, retry once on timeout/transport errors, and emit exactly one
// snapshot per cycle no matter what happened.
type Collector struct {
	regionID   string
	source     Source
	prober     Prober
	interval   time.Duration
	jitterPct  float64
	retryDelay time.Duration
	emit       func(*Snapshot)
	logger     *zap.Logger
}

// NewCollector wires a collector. emit is called from the collector's
// goroutine; it must not block for long.
func NewCollector(regionID string, source Source, prober Prober, interval time.Duration,
	jitterPct float64, retryDelay time.Duration, emit func(*Snapshot), logger *zap.Logger) *Collector {
	return &Collector{
		regionID:   regionID,
		source:     source,
		prober:     prober,
		interval:   interval,
		jitterPct:  jitterPct,
		retryDelay: retryDelay,
		emit:       emit,
		logger:     logger,
	}
}

// Run probes until ctx is cancelled. The first probe fires immediately so a
// fresh controller has verdicts within one probe timeout, not one interval.
func (c *Collector) Run(ctx context.Context) {
	for {
		c.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.nextInterval()):
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	snap, err := c.prober.Probe(ctx)
	if err != nil {
		c.logger.Debug("probe attempt failed, retrying",
			zap.String("region", c.regionID),
			zap.String("source", string(c.source)),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}

		snap, err = c.prober.Probe(ctx)
		if err != nil {
			snap = NewFailedSnapshot(c.regionID, c.source, err.Error())
		}
	}

	if !snap.ProbeSucceeded {
		c.logger.Warn("probe failed",
			zap.String("region", c.regionID),
			zap.String("source", string(c.source)),
			zap.String("reason", snap.FailureReason))
	}
	c.emit(snap)
}

// nextInterval spreads probes so regions sharing a controller do not all
// fire in the same instant.
func (c *Collector) nextInterval() time.Duration {
	if c.jitterPct <= 0 {
		return c.interval
	}
	spread := (rand.Float64()*2 - 1) * c.jitterPct
	return time.Duration(float64(c.interval) * (1 + spread))
}
