// internal/health/replication.go
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type lagPayload struct {
	LagMs float64 `json:"lagMs"`
}

// LagMonitor polls a region's replication-status endpoint and emits one
// LagReading per poll. Unreachable endpoints still produce a reading with
// Err set so the engine can distinguish "no data" from "lag is fine".
type LagMonitor struct {
	regionID string
	url      string
	interval time.Duration
	client   *http.Client
	emit     func(*LagReading)
	logger   *zap.Logger
}

func NewLagMonitor(regionID, url string, interval, timeout time.Duration,
	emit func(*LagReading), logger *zap.Logger) *LagMonitor {
	return &LagMonitor{
		regionID: regionID,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		emit:     emit,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (m *LagMonitor) Run(ctx context.Context) {
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *LagMonitor) poll(ctx context.Context) {
	reading := &LagReading{
		RegionID:   m.regionID,
		ObservedAt: time.Now().UTC(),
	}

	lag, err := m.fetch(ctx)
	if err != nil {
		reading.Err = err.Error()
		m.logger.Warn("replication status unavailable",
			zap.String("region", m.regionID),
			zap.Error(err))
	} else {
		reading.LagMs = lag
	}

	m.emit(reading)
}

func (m *LagMonitor) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", m.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("fetch %s: status %d", m.url, resp.StatusCode)
	}

	var payload lagPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode replication status: %w", err)
	}
	return payload.LagMs, nil
}
