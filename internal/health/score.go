// internal/health/score.go
package health

// ScoreWeights defines importance of each metric in the composite score.
type ScoreWeights struct {
	ErrorRate   float64
	Latency     float64
	Utilization float64
}

// DefaultScoreWeights returns the standard blend: errors dominate, latency
// second, saturation last.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		ErrorRate:   0.5,
		Latency:     0.3,
		Utilization: 0.2,
	}
}

// Scorer computes composite health scores in [0,1], where 0 is perfectly
// healthy and 1 is as bad as the ceilings allow. Each component ratio is
// clamped to [0,1] before weighting so a single wild metric cannot push the
// score outside the band the thresholds are defined over.
type Scorer struct {
	weights          ScoreWeights
	errorRateCeiling float64
	latencyCeilingMs float64
}

// NewScorer creates a scorer. Ceilings are the metric values at which a
// component saturates to 1.
func NewScorer(weights ScoreWeights, errorRateCeiling, latencyCeilingMs float64) *Scorer {
	return &Scorer{
		weights:          weights,
		errorRateCeiling: errorRateCeiling,
		latencyCeilingMs: latencyCeilingMs,
	}
}

// Score blends a snapshot's metrics into a single number. Only snapshots
// with ProbeSucceeded carry meaningful metrics; callers must not score
// failed probes.
func (s *Scorer) Score(snap *Snapshot) float64 {
	errorPart := clamp01(snap.ErrorRatePct / s.errorRateCeiling)
	latencyPart := clamp01(snap.LatencyMs / s.latencyCeilingMs)

	util := snap.CPUUtilPct
	if snap.MemUtilPct > util {
		util = snap.MemUtilPct
	}
	utilPart := clamp01(util / 100.0)

	return s.weights.ErrorRate*errorPart +
		s.weights.Latency*latencyPart +
		s.weights.Utilization*utilPart
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
