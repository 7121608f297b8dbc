// internal/alerting/dispatcher.go
package alerting

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/meridian/internal/config"
)

// Sink delivers one alert somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a *Alert) error
}

// Dispatcher fans alerts out to its sinks asynchronously. Publish never
// blocks: a full queue drops the alert and a per-(region, kind) token
// bucket suppresses floods, so a flapping region cannot drown the webhook.
// Both counters are exposed for metrics.
type Dispatcher struct {
	sinks []Sink
	queue chan *Alert
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	suppressed atomic.Uint64
	dropped    atomic.Uint64
	logger     *zap.Logger
}

func NewDispatcher(cfg config.AlertingConfig, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 256
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	burst := cfg.Burst
	if burst < 1 {
		// a burst below one would suppress even the first occurrence
		burst = 1
	}
	return &Dispatcher{
		sinks:    sinks,
		queue:    make(chan *Alert, buffer),
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Publish queues an alert for delivery. Never blocks.
func (d *Dispatcher) Publish(a *Alert) {
	select {
	case d.queue <- a:
	default:
		d.dropped.Add(1)
		d.logger.Warn("alert queue full, dropping alert",
			zap.String("kind", a.Kind), zap.String("region", a.RegionID))
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			d.dispatch(ctx, a)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, a *Alert) {
	if !d.allow(a) {
		d.suppressed.Add(1)
		d.logger.Debug("alert suppressed by rate limit",
			zap.String("kind", a.Kind), zap.String("region", a.RegionID))
		return
	}
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, a); err != nil {
			d.logger.Warn("alert delivery failed",
				zap.String("sink", s.Name()),
				zap.String("kind", a.Kind),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) allow(a *Alert) bool {
	key := a.RegionID + "|" + a.Kind

	d.mu.Lock()
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[key] = lim
	}
	d.mu.Unlock()

	return lim.Allow()
}

// Suppressed returns how many alerts the rate limiter swallowed.
func (d *Dispatcher) Suppressed() uint64 { return d.suppressed.Load() }

// Dropped returns how many alerts were lost to a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// LogSink writes alerts to the controller log at a level matching their
// severity.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, a *Alert) error {
	fields := []zap.Field{
		zap.String("kind", a.Kind),
		zap.String("region", a.RegionID),
		zap.String("reason", a.Reason),
	}
	if a.FromState != "" {
		fields = append(fields, zap.String("from", a.FromState), zap.String("to", a.ToState))
	}
	switch a.Severity {
	case SeverityCritical:
		s.logger.Error("alert", fields...)
	case SeverityWarning:
		s.logger.Warn("alert", fields...)
	default:
		s.logger.Info("alert", fields...)
	}
	return nil
}
