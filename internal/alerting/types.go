// internal/alerting/types.go
package alerting

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks an alert for routing and log level selection.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds. The kind, together with the region, is the flood-control key:
// repeated alerts of the same kind for the same region are rate limited, a
// different kind is not.
const (
	KindTransition     = "region.transition"
	KindDisagreement   = "probe.disagreement"
	KindPublishFailed  = "publish.failed"
	KindAuditFailed    = "audit.failed"
	KindUnroutable     = "traffic.unroutable"
	KindConfigRejected = "config.rejected"
	KindDiskLow        = "disk.low"
)

// Alert is the structured event pushed to the alert sinks. Delivery is best
// effort; nothing in the controller waits on it.
type Alert struct {
	ID        uuid.UUID              `json:"id"`
	Kind      string                 `json:"kind"`
	Severity  Severity               `json:"severity"`
	RegionID  string                 `json:"region_id,omitempty"`
	FromState string                 `json:"from_state,omitempty"`
	ToState   string                 `json:"to_state,omitempty"`
	Reason    string                 `json:"reason"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// New builds an alert with identity and timestamp filled in.
func New(kind string, severity Severity, regionID, reason string) *Alert {
	return &Alert{
		ID:        uuid.New(),
		Kind:      kind,
		Severity:  severity,
		RegionID:  regionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
