// internal/traffic/recalculator.go
package traffic

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
	"github.com/FairForge/meridian/internal/engine"
)

// weightEpsilon is the smallest weight movement worth publishing.
const weightEpsilon = 1e-9

// ErrNoServingRegions means every region's contribution is zero. The caller
// must hold the previous policy; an all-zero policy is never produced.
var ErrNoServingRegions = errors.New("traffic: no serving regions, holding previous policy")

// Recalculator turns region views into routing policies, smoothing weight
// movement so traffic never sloshes faster than the configured limits.
// Movement is direction-asymmetric: weight leaves a demoted region and
// lands on the surviving regions in the same cycle, while increases driven
// by a region's own promotion are clamped to maxWeightDelta per cycle and a
// freshly recovered region ramps in rampStep-sized slices of its target
// share. Whatever a clamp withholds stays with the regions that were giving
// it up, so every emitted policy still sums to 1.
type Recalculator struct {
	mu          sync.Mutex
	maxDelta    float64
	rampStep    float64
	version     uint64
	current     *Policy
	prev        map[string]float64
	prevFactors map[string]float64
	logger      *zap.Logger
}

func NewRecalculator(cfg config.TrafficConfig, logger *zap.Logger) *Recalculator {
	return &Recalculator{
		maxDelta: cfg.MaxWeightDelta,
		rampStep: cfg.RampStep,
		logger:   logger,
	}
}

// Recalculate produces the next policy for the given views. It returns
// (nil, nil) when nothing moved beyond epsilon, and ErrNoServingRegions
// when every region is down or retired.
func (rc *Recalculator) Recalculate(views []engine.RegionView) (*Policy, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	factors := make(map[string]float64, len(views))
	for i := range views {
		v := &views[i]
		if v.Retired {
			factors[v.ID] = 0
			continue
		}
		factors[v.ID] = v.State.WeightFactor()
	}
	prevFactors := rc.prevFactors
	rc.prevFactors = factors

	targets := engine.TargetShares(views)
	if targets == nil {
		return nil, ErrNoServingRegions
	}

	weights := rc.smooth(views, targets, factors, prevFactors)
	if rc.prev != nil && maxShift(weights, rc.prev) <= weightEpsilon {
		return nil, nil
	}

	rc.version++
	pol := &Policy{
		ID:          uuid.New(),
		Version:     rc.version,
		Weights:     weights,
		EffectiveAt: time.Now().UTC(),
	}
	rc.prev = weights
	rc.current = pol
	return pol.Clone(), nil
}

// Current returns a copy of the last emitted policy, or nil before the
// first emission.
func (rc *Recalculator) Current() *Policy {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.current.Clone()
}

func (rc *Recalculator) smooth(views []engine.RegionView, targets, factors, prevFactors map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(views))
	if rc.prev == nil {
		// first policy: nothing to smooth against
		for i := range views {
			weights[views[i].ID] = targets[views[i].ID]
		}
		return weights
	}

	demoted := false
	for id, f := range factors {
		if pf, ok := prevFactors[id]; ok && f < pf {
			demoted = true
			break
		}
	}

	var givers []share
	var cappedRisers []share
	var shortfall float64

	for i := range views {
		v := &views[i]
		t := targets[v.ID]
		p := rc.prev[v.ID]
		switch {
		case t < p-weightEpsilon:
			// decreases take effect immediately
			weights[v.ID] = t
			givers = append(givers, share{v.ID, p - t})
		case t > p+weightEpsilon:
			w := p + rc.riseCap(v, t, factors[v.ID], prevFactors, demoted)
			if w >= t {
				weights[v.ID] = t
			} else {
				weights[v.ID] = w
				shortfall += t - w
				cappedRisers = append(cappedRisers, share{v.ID, t})
			}
		default:
			weights[v.ID] = p
		}
	}

	if shortfall > weightEpsilon {
		rc.retain(weights, targets, givers, cappedRisers, shortfall)
	}
	return weights
}

// riseCap bounds how far a region's weight may rise this cycle.
func (rc *Recalculator) riseCap(v *engine.RegionView, target, factor float64, prevFactors map[string]float64, demoted bool) float64 {
	if v.Ramping {
		return rc.rampStep * target
	}
	pf, known := prevFactors[v.ID]
	if demoted && !(known && factor > pf) {
		// absorption of weight freed by someone else's demotion is not
		// smoothed; the departing traffic has to land somewhere now
		return 1
	}
	return rc.maxDelta
}

// share pairs a region with a weight amount during redistribution.
type share struct {
	id     string
	amount float64
}

// retain parks the weight a rise cap withheld. It stays with the serving
// regions that were giving it up, in proportion to what each gave; when no
// giver is serving (their targets are all zero) the caps are overridden
// instead, because weight may never be left on a drained region.
func (rc *Recalculator) retain(weights, targets map[string]float64, givers, cappedRisers []share, shortfall float64) {
	eligible := 0.0
	for _, g := range givers {
		if targets[g.id] > 0 {
			eligible += g.amount
		}
	}
	if eligible > 0 {
		for _, g := range givers {
			if targets[g.id] > 0 {
				weights[g.id] += shortfall * g.amount / eligible
			}
		}
		return
	}

	capTotal := 0.0
	for _, c := range cappedRisers {
		capTotal += c.amount
	}
	if capTotal > 0 {
		rc.logger.Warn("weight rise caps overridden to keep the policy normalized",
			zap.Float64("shortfall", shortfall))
		for _, c := range cappedRisers {
			weights[c.id] += shortfall * c.amount / capTotal
		}
	}
}

// maxShift is the largest absolute per-region difference between two weight
// maps.
func maxShift(a, b map[string]float64) float64 {
	d := 0.0
	for id, w := range a {
		if diff := math.Abs(w - b[id]); diff > d {
			d = diff
		}
	}
	for id, w := range b {
		if _, ok := a[id]; !ok && w > d {
			d = w
		}
	}
	return d
}
