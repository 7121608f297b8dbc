// internal/engine/quorum.go
package engine

import (
	"time"

	"github.com/FairForge/meridian/internal/health"
)

// noteExternal folds an external-source snapshot into the region's
// corroboration verdict. External snapshots never advance the local streak
// counters; they only record whether a second observer currently considers
// the region bad.
func (e *Engine) noteExternal(r *Region, s *health.Snapshot, now time.Time) {
	if !s.ProbeSucceeded {
		// An unreachable external source has no opinion on the region;
		// the last recorded verdict ages out through the TTL instead of
		// being overwritten. A controller-side partition must read as a
		// missing verdict, not an agreeing one.
		return
	}
	r.ExternalBad = e.scorer.Score(s) >= e.rules.DegradedThreshold
	r.ExternalAt = now
}

// demotionCorroborated reports whether a demotion to Unhealthy or Failed may
// proceed. Regions without an external probe source run in single-source
// mode and trust the local stream alone. When an external source is
// configured, a fresh disagreeing verdict or a stale one both hold the
// demotion; the reason string feeds the disagreement alert.
func (e *Engine) demotionCorroborated(r *Region, now time.Time) (bool, string) {
	if !r.ExternalConfigured {
		return true, ""
	}
	if r.ExternalAt.IsZero() || now.Sub(r.ExternalAt) > e.rules.ExternalVerdictTTL {
		return false, "external probe verdict is stale"
	}
	if !r.ExternalBad {
		return false, "external probe source reports the region healthy"
	}
	return true, ""
}

// lagAllowsPromotion reports whether replication lag permits moving a region
// toward serving more traffic. Missing or stale lag data blocks promotion:
// promoting a region whose replication state is unknown risks serving stale
// data, so the gate fails closed.
func (e *Engine) lagAllowsPromotion(r *Region, now time.Time) bool {
	if !e.rules.ReplicationMonitoring {
		return true
	}
	freshness := 2 * e.rules.LagPollInterval
	if r.LagAt.IsZero() || now.Sub(r.LagAt) > freshness {
		return false
	}
	if r.LagErr {
		return false
	}
	return r.LagMs <= float64(e.rules.MaxReplicationLag.Milliseconds())
}
