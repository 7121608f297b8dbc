// internal/health/snapshot.go
package health

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Source identifies which probe stream produced a snapshot. Demotions to
// Unhealthy or Failed require the local and external streams to agree.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

// Probe failure classes. Timeouts and transport errors are retried once
// inside a cycle; anything else is a definitive probe result.
var (
	ErrProbeTimeout   = errors.New("health: probe timed out")
	ErrProbeTransport = errors.New("health: probe transport error")
)

// Snapshot is one observation of a region's health. Exactly one snapshot is
// emitted per region per poll cycle, including cycles where the probe never
// got an answer (ProbeSucceeded=false, metrics zeroed).
type Snapshot struct {
	ID             uuid.UUID `json:"id"`
	RegionID       string    `json:"region_id"`
	Source         Source    `json:"source"`
	ObservedAt     time.Time `json:"observed_at"`
	Status         string    `json:"status"`
	LatencyMs      float64   `json:"latency_ms"`
	ErrorRatePct   float64   `json:"error_rate_pct"`
	CPUUtilPct     float64   `json:"cpu_util_pct"`
	MemUtilPct     float64   `json:"mem_util_pct"`
	ProbeSucceeded bool      `json:"probe_succeeded"`
	FailureReason  string    `json:"failure_reason,omitempty"`
}

// NewFailedSnapshot builds the snapshot recorded for a cycle whose probe
// could not produce metrics.
func NewFailedSnapshot(regionID string, source Source, reason string) *Snapshot {
	return &Snapshot{
		ID:             uuid.New(),
		RegionID:       regionID,
		Source:         source,
		ObservedAt:     time.Now().UTC(),
		ProbeSucceeded: false,
		FailureReason:  reason,
	}
}

// LagReading is one observation of a region's replication lag. Err is set
// when the replication endpoint was unreachable; the engine treats such
// readings as missing data and refuses promotions that depend on it.
type LagReading struct {
	RegionID   string    `json:"region_id"`
	ObservedAt time.Time `json:"observed_at"`
	LagMs      float64   `json:"lag_ms"`
	Err        string    `json:"err,omitempty"`
}
