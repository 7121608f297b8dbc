// Package metrics exposes the controller's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the controller. Each instance
// carries its own registry so tests never fight over registration.
type Metrics struct {
	RegionState       *prometheus.GaugeVec
	RegionHealthScore *prometheus.GaugeVec
	RegionWeight      *prometheus.GaugeVec
	ReplicationLagMs  *prometheus.GaugeVec
	TransitionsTotal  *prometheus.CounterVec
	ProbeFailures     *prometheus.CounterVec
	ProbeDuration     *prometheus.HistogramVec
	PolicyVersion     prometheus.Gauge
	PolicyPublishes   *prometheus.CounterVec
	AuditFailures     prometheus.Counter
	AlertsSuppressed  prometheus.Gauge
	AlertsDropped     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		RegionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_region_state",
				Help: "Region state code (0 healthy, 1 degraded, 2 unhealthy, 3 failed, 4 recovering)",
			},
			[]string{"region"},
		),
		RegionHealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_region_health_score",
				Help: "Latest composite health score (0 best, 1 worst)",
			},
			[]string{"region"},
		),
		RegionWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_region_weight",
				Help: "Currently published traffic weight",
			},
			[]string{"region"},
		),
		ReplicationLagMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_region_replication_lag_ms",
				Help: "Latest observed replication lag in milliseconds",
			},
			[]string{"region"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_region_transitions_total",
				Help: "Total number of region state transitions",
			},
			[]string{"region", "from", "to"},
		),
		ProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_probe_failures_total",
				Help: "Total number of unanswered health probes",
			},
			[]string{"region"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_probe_duration_seconds",
				Help:    "Health probe round trip in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"region"},
		),
		PolicyVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_policy_version",
				Help: "Version of the most recently computed routing policy",
			},
		),
		PolicyPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_policy_publishes_total",
				Help: "Total routing policy publish attempts by outcome",
			},
			[]string{"outcome"},
		),
		AuditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meridian_audit_append_failures_total",
				Help: "Total audit appends that failed",
			},
		),
		AlertsSuppressed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_alerts_suppressed",
				Help: "Alerts suppressed by flood control since start",
			},
		),
		AlertsDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_alerts_dropped",
				Help: "Alerts dropped because the dispatch queue was full",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.RegionState,
		m.RegionHealthScore,
		m.RegionWeight,
		m.ReplicationLagMs,
		m.TransitionsTotal,
		m.ProbeFailures,
		m.ProbeDuration,
		m.PolicyVersion,
		m.PolicyPublishes,
		m.AuditFailures,
		m.AlertsSuppressed,
		m.AlertsDropped,
	)
	return m
}

// ObserveTransition counts one state transition.
func (m *Metrics) ObserveTransition(region, from, to string) {
	m.TransitionsTotal.WithLabelValues(region, from, to).Inc()
}

// ObserveProbe records one probe cycle.
func (m *Metrics) ObserveProbe(region string, succeeded bool, seconds float64) {
	m.ProbeDuration.WithLabelValues(region).Observe(seconds)
	if !succeeded {
		m.ProbeFailures.WithLabelValues(region).Inc()
	}
}

// SetRegionState records the numeric state code for a region.
func (m *Metrics) SetRegionState(region string, code float64) {
	m.RegionState.WithLabelValues(region).Set(code)
}

// SetHealthScore records the latest composite score.
func (m *Metrics) SetHealthScore(region string, score float64) {
	m.RegionHealthScore.WithLabelValues(region).Set(score)
}

// SetRegionWeight records a region's published weight.
func (m *Metrics) SetRegionWeight(region string, weight float64) {
	m.RegionWeight.WithLabelValues(region).Set(weight)
}

// SetReplicationLag records the latest lag reading.
func (m *Metrics) SetReplicationLag(region string, lagMs float64) {
	m.ReplicationLagMs.WithLabelValues(region).Set(lagMs)
}

// SetPolicyVersion records the newest policy version.
func (m *Metrics) SetPolicyVersion(version uint64) {
	m.PolicyVersion.Set(float64(version))
}

// ObservePublish counts one publish attempt outcome ("applied" or "failed").
func (m *Metrics) ObservePublish(outcome string) {
	m.PolicyPublishes.WithLabelValues(outcome).Inc()
}

// SetAlertCounters mirrors the dispatcher's suppression and drop counters.
func (m *Metrics) SetAlertCounters(suppressed, dropped uint64) {
	m.AlertsSuppressed.Set(float64(suppressed))
	m.AlertsDropped.Set(float64(dropped))
}

// RemoveRegion drops the per-region series of a retired region.
func (m *Metrics) RemoveRegion(region string) {
	labels := prometheus.Labels{"region": region}
	m.RegionState.DeletePartialMatch(labels)
	m.RegionHealthScore.DeletePartialMatch(labels)
	m.RegionWeight.DeletePartialMatch(labels)
	m.ReplicationLagMs.DeletePartialMatch(labels)
	m.ProbeDuration.DeletePartialMatch(labels)
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
