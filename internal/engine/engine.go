// internal/engine/engine.go
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
	"github.com/FairForge/meridian/internal/health"
)

// TransitionEvent records one applied state change. Events are emitted in
// the order the engine applied them, which is also audit order.
type TransitionEvent struct {
	ID                  uuid.UUID   `json:"id"`
	Timestamp           time.Time   `json:"timestamp"`
	RegionID            string      `json:"region_id"`
	From                State       `json:"-"`
	To                  State       `json:"-"`
	Reason              string      `json:"reason"`
	TriggeringSnapshots []uuid.UUID `json:"triggering_snapshots,omitempty"`
	LagMs               float64     `json:"lag_ms,omitempty"`
	Operator            string      `json:"operator,omitempty"`
}

// Override is an operator-forced state change. It bypasses streaks, dwell
// and corroboration; the operator is the second source.
type Override struct {
	RegionID string
	Target   State
	Reason   string
	Operator string
}

// Hooks are the engine's synchronous outputs. They run on the engine
// goroutine in decision order: Transition first, then Recalculate for the
// same change. Handlers must not call back into Submit.
type Hooks struct {
	// Transition is invoked for every applied state change, before the
	// weight recalculation that change causes.
	Transition func(TransitionEvent)

	// Recalculate maps the post-change region set to fresh weights.
	// Returning ok=false leaves current weights untouched.
	Recalculate func(views []RegionView) (map[string]float64, bool)

	// Hold is invoked when a demotion was withheld because the external
	// probe source disagreed or its verdict was stale.
	Hold func(regionID, reason string)
}

type input struct {
	snap     *health.Snapshot
	lag      *health.LagReading
	override *Override
	cfg      *config.Config
}

// decision is the outcome of evaluating one input against one region.
type decision struct {
	ev   *TransitionEvent
	hold string
}

// Engine owns every region's failover state machine. All mutations happen
// on the goroutine running Run, fed by a single FIFO intake channel, so
// snapshots, lag readings, overrides and reloads are totally ordered and no
// decision races another. Readers outside that goroutine only ever see
// copies taken under the read lock.
type Engine struct {
	mu      sync.RWMutex
	regions map[string]*Region

	rules  config.ControllerConfig
	scorer *health.Scorer
	hooks  Hooks
	intake chan input
	logger *zap.Logger
}

// NewEngine builds an engine with every configured region starting Healthy.
// Regions that are actually down get demoted within a few probe cycles;
// starting pessimistic would instead blackhole traffic on every controller
// restart.
func NewEngine(cfg *config.Config, logger *zap.Logger) *Engine {
	e := &Engine{
		regions: make(map[string]*Region, len(cfg.Regions)),
		rules:   cfg.Controller,
		scorer: health.NewScorer(health.DefaultScoreWeights(),
			cfg.Controller.ErrorRateCeiling, cfg.Controller.LatencyCeilingMs),
		intake: make(chan input, 1024),
		logger: logger,
	}
	now := time.Now().UTC()
	for i := range cfg.Regions {
		rc := &cfg.Regions[i]
		e.regions[rc.ID] = newRegion(rc, now)
	}
	return e
}

func newRegion(rc *config.RegionConfig, now time.Time) *Region {
	return &Region{
		ID:                 rc.ID,
		DisplayName:        rc.DisplayName,
		BaseWeight:         rc.BaseWeight,
		State:              StateHealthy,
		LastStateChangeAt:  now,
		ExternalConfigured: rc.ExternalEndpoint != "",
	}
}

// SetHooks wires the engine's outputs. Call before Run.
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// Run publishes the initial policy and then processes inputs until ctx is
// cancelled. The ticker drives weight convergence: ramps and smoothed
// increases advance one step per poll interval even when no region changes
// state.
func (e *Engine) Run(ctx context.Context) {
	e.recalculate()

	interval := e.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recalculate()
		case in := <-e.intake:
			switch {
			case in.snap != nil:
				e.handleSnapshot(in.snap)
			case in.lag != nil:
				e.handleLag(in.lag)
			case in.override != nil:
				e.handleOverride(in.override)
			case in.cfg != nil:
				e.handleReload(in.cfg)
				if next := e.pollInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rules.PollInterval <= 0 {
		return 5 * time.Second
	}
	return e.rules.PollInterval
}

// SubmitSnapshot queues a health snapshot for processing.
func (e *Engine) SubmitSnapshot(s *health.Snapshot) { e.submit(input{snap: s}) }

// SubmitLag queues a replication lag reading for processing.
func (e *Engine) SubmitLag(r *health.LagReading) { e.submit(input{lag: r}) }

// SubmitOverride queues an operator override for processing.
func (e *Engine) SubmitOverride(o *Override) { e.submit(input{override: o}) }

// ApplyConfig queues a validated config for hot application.
func (e *Engine) ApplyConfig(cfg *config.Config) { e.submit(input{cfg: cfg}) }

func (e *Engine) submit(in input) {
	select {
	case e.intake <- in:
	default:
		// A full intake means the loop is stalled; the next probe cycle
		// resupplies whatever gets dropped here.
		e.logger.Warn("engine intake full, dropping input")
	}
}

func (e *Engine) handleSnapshot(s *health.Snapshot) {
	e.mu.Lock()
	r, ok := e.regions[s.RegionID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("snapshot for unknown region dropped", zap.String("region", s.RegionID))
		return
	}
	if r.Retired {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()

	if s.Source == health.SourceExternal {
		e.noteExternal(r, s, now)
		e.mu.Unlock()
		return
	}

	var d decision
	if s.ProbeSucceeded {
		score := e.scorer.Score(s)
		r.LastScore = score
		r.LastScoredAt = now
		r.ProbeFailures = 0
		r.noteSnapshot(s.ID)
		e.advanceStreaks(r, score)
		d = e.evaluateScored(r, score, now)
	} else {
		r.ProbeFailures++
		r.noteSnapshot(s.ID)
		d = e.evaluateUnanswered(r, now)
	}

	e.finish(r, d)
}

func (e *Engine) handleLag(reading *health.LagReading) {
	e.mu.Lock()
	r, ok := e.regions[reading.RegionID]
	if !ok || r.Retired {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	r.LagMs = reading.LagMs
	r.LagErr = reading.Err != ""
	r.LagAt = now

	var d decision
	maxLag := float64(e.rules.MaxReplicationLag.Milliseconds())
	if e.rules.ReplicationMonitoring && r.State == StateDegraded &&
		!r.LagErr && r.LagMs > maxLag && e.dwellServed(r, now) {
		d.ev = e.transition(r, StateUnhealthy, now,
			fmt.Sprintf("replication lag %.0fms exceeds %.0fms", r.LagMs, maxLag),
			r.evidence(1))
	}

	e.finish(r, d)
}

func (e *Engine) handleOverride(o *Override) {
	e.mu.Lock()
	r, ok := e.regions[o.RegionID]
	if !ok || r.Retired {
		e.mu.Unlock()
		e.logger.Warn("override for unknown or retired region ignored",
			zap.String("region", o.RegionID))
		return
	}
	now := time.Now().UTC()
	if r.State == o.Target {
		e.mu.Unlock()
		return
	}

	reason := "manual override"
	if o.Reason != "" {
		reason = "manual override: " + o.Reason
	}
	ev := e.transition(r, o.Target, now, reason, nil)
	ev.Operator = o.Operator
	r.QuarantineUntil = time.Time{}

	e.finish(r, decision{ev: ev})
}

func (e *Engine) handleReload(cfg *config.Config) {
	e.mu.Lock()
	e.rules = cfg.Controller
	e.scorer = health.NewScorer(health.DefaultScoreWeights(),
		cfg.Controller.ErrorRateCeiling, cfg.Controller.LatencyCeilingMs)
	now := time.Now().UTC()

	keep := make(map[string]bool, len(cfg.Regions))
	for i := range cfg.Regions {
		rc := &cfg.Regions[i]
		keep[rc.ID] = true
		if r, ok := e.regions[rc.ID]; ok {
			r.BaseWeight = rc.BaseWeight
			r.DisplayName = rc.DisplayName
			r.ExternalConfigured = rc.ExternalEndpoint != ""
			if r.Retired {
				// Re-adding a retired region resumes its machine where
				// it left off rather than assuming it healthy.
				r.Retired = false
				e.logger.Info("region reinstated",
					zap.String("region", rc.ID), zap.Stringer("state", r.State))
			}
		} else {
			e.regions[rc.ID] = newRegion(rc, now)
			e.logger.Info("region added", zap.String("region", rc.ID))
		}
	}
	for id, r := range e.regions {
		if !keep[id] && !r.Retired {
			r.Retired = true
			e.logger.Info("region retired", zap.String("region", id))
		}
	}
	e.mu.Unlock()

	e.recalculate()
}

// advanceStreaks updates the score streak counters for a scored snapshot.
func (e *Engine) advanceStreaks(r *Region, score float64) {
	if score >= e.rules.DegradedThreshold {
		r.ConsecutiveBad++
	} else {
		r.ConsecutiveBad = 0
	}
	if score >= e.rules.UnhealthyThreshold {
		r.ConsecutiveSevere++
	} else {
		r.ConsecutiveSevere = 0
	}
	if score < e.rules.HealthyThreshold {
		r.ConsecutiveGood++
	} else {
		r.ConsecutiveGood = 0
	}
}

func (e *Engine) evaluateScored(r *Region, score float64, now time.Time) decision {
	switch r.State {
	case StateHealthy:
		if r.ConsecutiveBad >= e.rules.DemoteAfter {
			return decision{ev: e.transition(r, StateDegraded, now,
				fmt.Sprintf("health score %.2f at or above %.2f for %d consecutive snapshots",
					score, e.rules.DegradedThreshold, r.ConsecutiveBad),
				r.evidence(e.rules.DemoteAfter))}
		}

	case StateDegraded:
		if r.ConsecutiveSevere >= e.rules.DemoteAfter {
			if !e.dwellServed(r, now) {
				return decision{}
			}
			ok, why := e.demotionCorroborated(r, now)
			if !ok {
				return decision{hold: why}
			}
			return decision{ev: e.transition(r, StateUnhealthy, now,
				fmt.Sprintf("health score %.2f at or above %.2f for %d consecutive snapshots",
					score, e.rules.UnhealthyThreshold, r.ConsecutiveSevere),
				r.evidence(e.rules.DemoteAfter))}
		}
		if r.ConsecutiveGood >= e.rules.PromoteAfter && e.dwellServed(r, now) {
			if !e.lagAllowsPromotion(r, now) {
				e.logger.Debug("promotion blocked by replication lag",
					zap.String("region", r.ID), zap.Float64("lag_ms", r.LagMs))
				return decision{}
			}
			return decision{ev: e.transition(r, StateHealthy, now,
				fmt.Sprintf("health score below %.2f for %d consecutive snapshots",
					e.rules.HealthyThreshold, r.ConsecutiveGood),
				r.evidence(e.rules.PromoteAfter))}
		}

	case StateUnhealthy, StateFailed:
		if r.ConsecutiveGood >= e.rules.PromoteAfter && e.dwellServed(r, now) && now.After(r.QuarantineUntil) {
			if !e.lagAllowsPromotion(r, now) {
				return decision{}
			}
			return decision{ev: e.transition(r, StateRecovering, now,
				fmt.Sprintf("health score below %.2f for %d consecutive snapshots, starting recovery confirmation",
					e.rules.HealthyThreshold, r.ConsecutiveGood),
				r.evidence(e.rules.PromoteAfter))}
		}

	case StateRecovering:
		if score >= e.rules.DegradedThreshold {
			return decision{ev: e.transition(r, StateUnhealthy, now,
				fmt.Sprintf("regression during recovery confirmation: score %.2f", score),
				r.evidence(1))}
		}
		if score < e.rules.HealthyThreshold {
			r.ConfirmStreak++
			if r.ConfirmStreak >= e.rules.ConfirmWindow {
				if !e.lagAllowsPromotion(r, now) {
					return decision{}
				}
				return decision{ev: e.transition(r, StateHealthy, now,
					fmt.Sprintf("recovery confirmed after %d clean cycles", r.ConfirmStreak),
					r.evidence(e.rules.ConfirmWindow))}
			}
		} else {
			// Neither clean nor bad: the confirmation window demands
			// consecutive clean cycles, so start over.
			r.ConfirmStreak = 0
		}
	}
	return decision{}
}

func (e *Engine) evaluateUnanswered(r *Region, now time.Time) decision {
	// Score streaks require consecutive scored snapshots; an unanswered
	// probe yields no score and breaks all of them.
	r.ConsecutiveBad = 0
	r.ConsecutiveSevere = 0
	r.ConsecutiveGood = 0

	if r.ProbeFailures >= e.rules.HardFailAfter && r.State != StateFailed {
		ok, why := e.demotionCorroborated(r, now)
		if !ok {
			return decision{hold: why}
		}
		// Hard failure bypasses dwell: a region that stopped answering
		// entirely must stop receiving traffic now.
		return decision{ev: e.transition(r, StateFailed, now,
			fmt.Sprintf("probe unanswered for %d consecutive attempts", r.ProbeFailures),
			r.evidence(e.rules.HardFailAfter))}
	}

	if r.State == StateRecovering {
		return decision{ev: e.transition(r, StateUnhealthy, now,
			"probe unanswered during recovery confirmation", r.evidence(1))}
	}

	return decision{}
}

// transition applies a state change and returns its event. Caller holds the
// write lock.
func (e *Engine) transition(r *Region, to State, now time.Time, reason string, evidence []uuid.UUID) *TransitionEvent {
	ev := &TransitionEvent{
		ID:                  uuid.New(),
		Timestamp:           now,
		RegionID:            r.ID,
		From:                r.State,
		To:                  to,
		Reason:              reason,
		TriggeringSnapshots: evidence,
		LagMs:               r.LagMs,
	}

	from := r.State
	r.State = to
	r.LastStateChangeAt = now
	r.ConsecutiveBad = 0
	r.ConsecutiveSevere = 0
	r.ConsecutiveGood = 0
	r.ConfirmStreak = 0
	r.recentSnapshots = nil
	r.Ramping = from == StateRecovering && to == StateHealthy
	if from == StateRecovering && to == StateUnhealthy {
		r.QuarantineUntil = now.Add(e.rules.QuarantinePeriod)
	}

	e.logger.Info("region state changed",
		zap.String("region", r.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason))

	return ev
}

// finish releases the write lock taken by a handler and fires the hooks the
// decision calls for. Hooks run on the engine goroutine, outside the lock,
// so they can read views without deadlocking.
func (e *Engine) finish(r *Region, d decision) {
	regionID := r.ID
	e.mu.Unlock()

	if d.hold != "" {
		e.logger.Warn("demotion withheld",
			zap.String("region", regionID), zap.String("reason", d.hold))
		if e.hooks.Hold != nil {
			e.hooks.Hold(regionID, d.hold)
		}
	}
	if d.ev == nil {
		return
	}
	if e.hooks.Transition != nil {
		e.hooks.Transition(*d.ev)
	}
	e.recalculate()
}

// recalculate asks the wired recalculator for fresh weights and applies
// them. Runs on the engine goroutine.
func (e *Engine) recalculate() {
	if e.hooks.Recalculate == nil {
		return
	}
	weights, ok := e.hooks.Recalculate(e.RegionViews())
	if !ok {
		return
	}
	e.applyWeights(weights)
}

func (e *Engine) applyWeights(weights map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	shares := TargetShares(e.viewsLocked())
	for id, w := range weights {
		r, ok := e.regions[id]
		if !ok {
			continue
		}
		r.CurrentWeight = w
		// A ramping region that reached its steady-state share is done
		// ramping; from here it is smoothed like everyone else.
		if r.Ramping && w >= shares[id]-1e-9 {
			r.Ramping = false
		}
	}
}

// dwellServed reports whether the region has sat in its current state long
// enough to leave it. Healthy has no dwell so demotions act fast, and
// Recovering's exit is governed by the confirmation window instead.
func (e *Engine) dwellServed(r *Region, now time.Time) bool {
	switch r.State {
	case StateHealthy, StateRecovering:
		return true
	default:
		return now.Sub(r.LastStateChangeAt) >= e.rules.MinDwell
	}
}

// RegionViews returns copies of every region sorted by id.
func (e *Engine) RegionViews() []RegionView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewsLocked()
}

func (e *Engine) viewsLocked() []RegionView {
	ids := make([]string, 0, len(e.regions))
	for id := range e.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	views := make([]RegionView, 0, len(ids))
	for _, id := range ids {
		views = append(views, e.regions[id].view())
	}
	return views
}

// View returns a copy of one region's state.
func (e *Engine) View(id string) (RegionView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.regions[id]
	if !ok {
		return RegionView{}, false
	}
	return r.view(), true
}
