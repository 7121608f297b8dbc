// Package orchestrator assembles the controller: it loads configuration,
// runs one probe pipeline per region, drives the single decision loop, and
// owns hot reload and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/alerting"
	"github.com/FairForge/meridian/internal/audit"
	"github.com/FairForge/meridian/internal/config"
	"github.com/FairForge/meridian/internal/database"
	"github.com/FairForge/meridian/internal/engine"
	"github.com/FairForge/meridian/internal/health"
	"github.com/FairForge/meridian/internal/metrics"
	"github.com/FairForge/meridian/internal/traffic"
)

// diskCheckInterval paces the audit spool free-space check.
const diskCheckInterval = time.Minute

// regionTasks tracks the goroutines probing one region so a reload can stop
// them individually.
type regionTasks struct {
	cancel context.CancelFunc
	cfg    config.RegionConfig
	rules  config.ControllerConfig
	done   chan struct{}
}

// Orchestrator wires the collectors, the decision engine, the traffic
// pipeline and the side-effect sinks, and keeps them consistent across
// configuration reloads.
type Orchestrator struct {
	logger     *zap.Logger
	engine     *engine.Engine
	recalc     *traffic.Recalculator
	publisher  *traffic.Publisher
	dispatcher *alerting.Dispatcher
	recorder   *audit.Recorder
	fileStore  *audit.FileStore
	archiver   *audit.Archiver
	metrics    *metrics.Metrics
	configPath string

	mu      sync.Mutex
	cfg     *config.Config
	regions map[string]*regionTasks
	runCtx  context.Context
	started bool
}

// New builds the full controller stack from a validated configuration.
// Nothing starts running until Run.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:     logger,
		metrics:    metrics.New(),
		configPath: configPath,
		cfg:        cfg,
		regions:    make(map[string]*regionTasks),
	}

	sinks := []alerting.Sink{alerting.NewLogSink(logger)}
	if cfg.Alerting.WebhookURL != "" {
		sinks = append(sinks, alerting.NewWebhookSink(cfg.Alerting))
	}
	o.dispatcher = alerting.NewDispatcher(cfg.Alerting, logger, sinks...)

	store, err := o.buildStore(cfg)
	if err != nil {
		return nil, err
	}
	var signer *audit.Signer
	if cfg.Audit.SigningKeySeed != "" {
		signer, err = audit.NewSigner(cfg.Audit.SigningKeySeed)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("orchestrator: audit signer: %w", err)
		}
	}
	o.recorder, err = audit.NewRecorder(context.Background(), store, signer, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("orchestrator: audit recorder: %w", err)
	}

	if cfg.Audit.Archive.Enabled {
		o.archiver, err = audit.NewArchiver(cfg.Audit.Archive, logger)
		if err != nil {
			o.recorder.Close()
			return nil, fmt.Errorf("orchestrator: audit archiver: %w", err)
		}
		o.archiver.OnError(func(path string, err error) {
			a := alerting.New(alerting.KindAuditFailed, alerting.SeverityWarning, "",
				fmt.Sprintf("segment archive failed: %v", err))
			a.Details = map[string]interface{}{"segment": path}
			o.dispatcher.Publish(a)
		})
		if o.fileStore != nil {
			o.fileStore.OnRotate(o.archiver.Enqueue)
		}
	}

	o.recalc = traffic.NewRecalculator(cfg.Traffic, logger)
	o.publisher = traffic.NewPublisher(cfg.Traffic, logger)

	o.engine = engine.NewEngine(cfg, logger)
	o.engine.SetHooks(engine.Hooks{
		Transition:  o.onTransition,
		Recalculate: o.onRecalculate,
		Hold:        o.onHold,
	})

	return o, nil
}

func (o *Orchestrator) buildStore(cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Store {
	case "postgres":
		pg, err := database.NewPostgres(cfg.Audit.Postgres)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: audit database: %w", err)
		}
		store, err := audit.NewPostgresStore(context.Background(), pg, o.logger)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("orchestrator: audit store: %w", err)
		}
		return store, nil
	default:
		store, err := audit.NewFileStore(cfg.Audit.Dir, cfg.Audit.SegmentMaxBytes,
			cfg.Audit.Compress, o.logger)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: audit store: %w", err)
		}
		o.fileStore = store
		return store, nil
	}
}

// Run starts every component and blocks until ctx is cancelled. In-flight
// probe and publish calls finish or time out before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	o.started = true
	o.runCtx = ctx
	cfg := o.cfg
	o.mu.Unlock()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.dispatcher.Run(ctx)
	}()

	if o.archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.archiver.Run(ctx)
		}()
	}

	if o.fileStore != nil && cfg.Audit.MinFreeBytes > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.watchDiskSpace(ctx)
		}()
	}

	if o.configPath != "" {
		watcher, err := config.NewWatcher(o.configPath, o.logger, o.applyReload)
		if err != nil {
			o.logger.Warn("config watcher unavailable, hot reload disabled", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer watcher.Close()
				watcher.Run(ctx)
			}()
		}
	}

	o.mu.Lock()
	for i := range cfg.Regions {
		o.startRegion(ctx, cfg.Regions[i], cfg.Controller)
	}
	o.mu.Unlock()

	// The engine loop runs on this goroutine, so Run's lifetime is the
	// decision loop's lifetime.
	o.engine.Run(ctx)

	o.mu.Lock()
	for _, rt := range o.regions {
		rt.cancel()
	}
	o.mu.Unlock()
	wg.Wait()

	if err := o.recorder.Close(); err != nil {
		o.logger.Warn("audit store close failed", zap.Error(err))
	}
	return nil
}

// startRegion spawns the probe goroutines for one region. Caller holds the
// lock.
func (o *Orchestrator) startRegion(ctx context.Context, rc config.RegionConfig, rules config.ControllerConfig) {
	regionCtx, cancel := context.WithCancel(ctx)
	rt := &regionTasks{cancel: cancel, cfg: rc, rules: rules, done: make(chan struct{})}
	o.regions[rc.ID] = rt

	var wg sync.WaitGroup

	local := health.NewCollector(rc.ID, health.SourceLocal,
		health.NewHTTPProber(rc.ID, health.SourceLocal, probeURL(rc.Endpoint), rules.ProbeTimeout),
		rules.PollInterval, rules.ProbeJitterPct, rules.ProbeRetryDelay,
		o.emitSnapshot, o.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		local.Run(regionCtx)
	}()

	if rc.ExternalEndpoint != "" {
		external := health.NewCollector(rc.ID, health.SourceExternal,
			health.NewHTTPProber(rc.ID, health.SourceExternal, rc.ExternalEndpoint, rules.ProbeTimeout),
			rules.PollInterval, rules.ProbeJitterPct, rules.ProbeRetryDelay,
			o.emitSnapshot, o.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			external.Run(regionCtx)
		}()
	}

	if rules.ReplicationMonitoring {
		monitor := health.NewLagMonitor(rc.ID, lagURL(rc.Endpoint),
			rules.LagPollInterval, rules.ProbeTimeout, o.emitLag, o.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(regionCtx)
		}()
	}

	go func() {
		wg.Wait()
		close(rt.done)
	}()

	o.logger.Info("region probing started",
		zap.String("region", rc.ID),
		zap.Bool("external_source", rc.ExternalEndpoint != ""))
}

func probeURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/health"
}

func lagURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/replication-status"
}

func (o *Orchestrator) emitSnapshot(s *health.Snapshot) {
	if s.Source == health.SourceLocal {
		o.metrics.ObserveProbe(s.RegionID, s.ProbeSucceeded, s.LatencyMs/1000)
	}
	o.engine.SubmitSnapshot(s)
}

func (o *Orchestrator) emitLag(r *health.LagReading) {
	if r.Err == "" {
		o.metrics.SetReplicationLag(r.RegionID, r.LagMs)
	}
	o.engine.SubmitLag(r)
}

// onTransition runs on the engine goroutine for every applied state change:
// audit first, then the transition alert. An audit failure never blocks the
// transition, but it is never silent either.
func (o *Orchestrator) onTransition(ev engine.TransitionEvent) {
	o.metrics.ObserveTransition(ev.RegionID, ev.From.String(), ev.To.String())
	o.metrics.SetRegionState(ev.RegionID, float64(ev.To))

	rec := &audit.FailoverEvent{
		ID:          ev.ID,
		Timestamp:   ev.Timestamp,
		RegionID:    ev.RegionID,
		FromState:   ev.From.String(),
		ToState:     ev.To.String(),
		Reason:      ev.Reason,
		SnapshotIDs: ev.TriggeringSnapshots,
		LagMs:       ev.LagMs,
	}
	if err := o.recorder.RecordTransition(o.runContext(), rec); err != nil {
		o.metrics.AuditFailures.Inc()
		o.logger.Error("audit append failed, transition applied anyway",
			zap.String("region", ev.RegionID), zap.Error(err))
		o.dispatcher.Publish(alerting.New(alerting.KindAuditFailed, alerting.SeverityCritical,
			ev.RegionID, fmt.Sprintf("audit append failed: %v", err)))
	}

	a := alerting.New(alerting.KindTransition, transitionSeverity(ev.To), ev.RegionID, ev.Reason)
	a.FromState = ev.From.String()
	a.ToState = ev.To.String()
	o.dispatcher.Publish(a)
	o.publishAlertCounters()
}

func transitionSeverity(to engine.State) alerting.Severity {
	switch to {
	case engine.StateUnhealthy, engine.StateFailed:
		return alerting.SeverityCritical
	case engine.StateDegraded:
		return alerting.SeverityWarning
	default:
		return alerting.SeverityInfo
	}
}

// onRecalculate runs on the engine goroutine after every transition and on
// every poll tick. The policy is audited before it is published.
func (o *Orchestrator) onRecalculate(views []engine.RegionView) (map[string]float64, bool) {
	for i := range views {
		v := &views[i]
		o.metrics.SetRegionState(v.ID, float64(v.State))
		o.metrics.SetHealthScore(v.ID, v.LastScore)
	}

	pol, err := o.recalc.Recalculate(views)
	if err != nil {
		o.dispatcher.Publish(alerting.New(alerting.KindUnroutable, alerting.SeverityCritical,
			"", "no serving regions, previous policy held"))
		return nil, false
	}
	if pol == nil {
		o.retryUnapplied()
		return nil, false
	}

	ctx := o.runContext()
	if err := o.recorder.RecordPolicy(ctx, &audit.PolicyRecord{
		ID:          pol.ID,
		Version:     pol.Version,
		Weights:     pol.Weights,
		EffectiveAt: pol.EffectiveAt,
	}); err != nil {
		o.metrics.AuditFailures.Inc()
		o.dispatcher.Publish(alerting.New(alerting.KindAuditFailed, alerting.SeverityCritical,
			"", fmt.Sprintf("policy audit failed: %v", err)))
	}

	o.publishPolicy(ctx, pol)

	o.metrics.SetPolicyVersion(pol.Version)
	for id, w := range pol.Weights {
		o.metrics.SetRegionWeight(id, w)
	}
	return pol.Weights, true
}

func (o *Orchestrator) publishPolicy(ctx context.Context, pol *traffic.Policy) {
	if err := o.publisher.Publish(ctx, pol); err != nil {
		o.metrics.ObservePublish("failed")
		a := alerting.New(alerting.KindPublishFailed, alerting.SeverityCritical, "",
			fmt.Sprintf("policy v%d publish failed, previous policy stays active: %v", pol.Version, err))
		a.Details = map[string]interface{}{"version": pol.Version}
		o.dispatcher.Publish(a)
		return
	}
	o.metrics.ObservePublish("applied")
}

// retryUnapplied re-sends the current policy while the traffic manager has
// not acknowledged it. A manager outage during a reshape heals on the next
// poll tick rather than waiting for the weights to move again.
func (o *Orchestrator) retryUnapplied() {
	cur := o.recalc.Current()
	if cur == nil || o.publisher.Applied(cur.Version) {
		return
	}
	o.publishPolicy(o.runContext(), cur)
}

func (o *Orchestrator) onHold(regionID, reason string) {
	a := alerting.New(alerting.KindDisagreement, alerting.SeverityWarning, regionID,
		"demotion withheld: "+reason)
	o.dispatcher.Publish(a)
	o.publishAlertCounters()
}

func (o *Orchestrator) publishAlertCounters() {
	o.metrics.SetAlertCounters(o.dispatcher.Suppressed(), o.dispatcher.Dropped())
}

func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

// Reload loads the config file again and applies it, exactly like a file
// change would. Used by SIGHUP and the admin API.
func (o *Orchestrator) Reload() error {
	o.mu.Lock()
	path := o.configPath
	o.mu.Unlock()
	if path == "" {
		return fmt.Errorf("orchestrator: no config file to reload")
	}
	cfg, err := config.Load(path)
	o.applyReload(cfg, err)
	return err
}

// applyReload handles the outcome of a config load triggered by the watcher
// or Reload. A rejected config keeps the last known good one running.
func (o *Orchestrator) applyReload(cfg *config.Config, err error) {
	if err != nil {
		o.logger.Error("config reload rejected, keeping last known good", zap.Error(err))
		o.dispatcher.Publish(alerting.New(alerting.KindConfigRejected, alerting.SeverityWarning,
			"", fmt.Sprintf("config reload rejected: %v", err)))
		return
	}

	o.mu.Lock()
	old := o.cfg
	o.cfg = cfg
	ctx := o.runCtx
	if ctx == nil {
		o.mu.Unlock()
		return
	}

	// Reconcile the probe pipelines with the new region set. The engine
	// handles its own registry through ApplyConfig, on its goroutine.
	keep := make(map[string]bool, len(cfg.Regions))
	var stopped []*regionTasks
	for i := range cfg.Regions {
		rc := cfg.Regions[i]
		keep[rc.ID] = true
		rt, running := o.regions[rc.ID]
		switch {
		case !running:
			o.startRegion(ctx, rc, cfg.Controller)
		case probingChanged(rt, rc, cfg.Controller):
			rt.cancel()
			stopped = append(stopped, rt)
			o.startRegion(ctx, rc, cfg.Controller)
		}
	}
	for id, rt := range o.regions {
		if !keep[id] {
			rt.cancel()
			stopped = append(stopped, rt)
			delete(o.regions, id)
			o.metrics.RemoveRegion(id)
			o.logger.Info("region probing stopped", zap.String("region", id))
		}
	}
	o.mu.Unlock()

	for _, rt := range stopped {
		<-rt.done
	}

	o.engine.ApplyConfig(cfg)
	o.logger.Info("configuration reloaded",
		zap.Int("regions", len(cfg.Regions)),
		zap.Int("previous_regions", len(old.Regions)))
}

// probingChanged reports whether a region's probe goroutines must restart
// to honor the new configuration. Threshold-only changes never restart a
// pipeline; the engine picks those up from ApplyConfig.
func probingChanged(rt *regionTasks, rc config.RegionConfig, rules config.ControllerConfig) bool {
	if rt.cfg.Endpoint != rc.Endpoint || rt.cfg.ExternalEndpoint != rc.ExternalEndpoint {
		return true
	}
	prev := rt.rules
	return prev.PollInterval != rules.PollInterval ||
		prev.ProbeTimeout != rules.ProbeTimeout ||
		prev.ProbeRetryDelay != rules.ProbeRetryDelay ||
		prev.ProbeJitterPct != rules.ProbeJitterPct ||
		prev.ReplicationMonitoring != rules.ReplicationMonitoring ||
		prev.LagPollInterval != rules.LagPollInterval
}

func (o *Orchestrator) watchDiskSpace(ctx context.Context) {
	ticker := time.NewTicker(diskCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			min := o.cfg.Audit.MinFreeBytes
			o.mu.Unlock()
			free, err := audit.FreeBytes(o.fileStore.Dir())
			if err != nil {
				o.logger.Warn("audit disk check failed", zap.Error(err))
				continue
			}
			if free < min {
				a := alerting.New(alerting.KindDiskLow, alerting.SeverityCritical, "",
					fmt.Sprintf("audit spool has %d bytes free, below %d", free, min))
				o.dispatcher.Publish(a)
			}
		}
	}
}

// Config returns the currently active configuration.
func (o *Orchestrator) Config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// RegionViews exposes the engine's region snapshots for the admin API.
func (o *Orchestrator) RegionViews() []engine.RegionView {
	return o.engine.RegionViews()
}

// RegionView exposes one region's snapshot.
func (o *Orchestrator) RegionView(id string) (engine.RegionView, bool) {
	return o.engine.View(id)
}

// CurrentPolicy returns the last emitted routing policy, or nil.
func (o *Orchestrator) CurrentPolicy() *traffic.Policy {
	return o.recalc.Current()
}

// SubmitOverride queues an operator-forced transition.
func (o *Orchestrator) SubmitOverride(ov *engine.Override) {
	o.engine.SubmitOverride(ov)
}

// SubmitExternalReport feeds a pushed external health verdict into the
// quorum stream.
func (o *Orchestrator) SubmitExternalReport(s *health.Snapshot) {
	s.Source = health.SourceExternal
	o.engine.SubmitSnapshot(s)
}

// Recorder exposes the audit trail for the query API.
func (o *Orchestrator) Recorder() *audit.Recorder {
	return o.recorder
}

// Metrics exposes the Prometheus instruments for the admin server.
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}
