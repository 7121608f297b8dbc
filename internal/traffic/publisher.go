// internal/traffic/publisher.go
package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/config"
)

// ErrPublishFailed marks an exhausted retry schedule. The previous policy
// remains in effect at the traffic manager, which is the safe default.
var ErrPublishFailed = errors.New("traffic: policy publish failed")

// policyRequest is the traffic manager wire format.
type policyRequest struct {
	Version uint64             `json:"version"`
	Weights map[string]float64 `json:"weights"`
}

// Publisher applies routing policies to the external traffic manager with a
// bounded retry schedule. Publishing is idempotent per policy version:
// re-publishing an already applied version is a no-op, so callers may retry
// freely after partial failures.
type Publisher struct {
	endpoint   string
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	lastApplied uint64
}

func NewPublisher(cfg config.TrafficConfig, logger *zap.Logger) *Publisher {
	attempts := cfg.PublishRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.PublishRetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		endpoint:   strings.TrimRight(cfg.ManagerEndpoint, "/") + "/routing-policy",
		client:     &http.Client{Timeout: timeout},
		attempts:   attempts,
		retryDelay: delay,
		logger:     logger,
	}
}

// Publish PUTs the policy to the traffic manager, retrying with doubling
// backoff until the attempt budget is spent.
func (p *Publisher) Publish(ctx context.Context, pol *Policy) error {
	p.mu.Lock()
	applied := p.lastApplied
	p.mu.Unlock()
	if pol.Version <= applied {
		return nil
	}

	body, err := json.Marshal(policyRequest{Version: pol.Version, Weights: pol.Weights})
	if err != nil {
		return fmt.Errorf("traffic: marshal policy: %w", err)
	}

	delay := p.retryDelay
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		statusCode, err := p.send(ctx, body)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			p.mu.Lock()
			if pol.Version > p.lastApplied {
				p.lastApplied = pol.Version
			}
			p.mu.Unlock()
			p.logger.Info("routing policy published",
				zap.Uint64("version", pol.Version),
				zap.Int("attempt", attempt))
			return nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("traffic manager returned status %d", statusCode)
		}
		p.logger.Warn("routing policy publish attempt failed",
			zap.Uint64("version", pol.Version),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < p.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if max := 4 * p.retryDelay; delay > max {
				delay = max
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrPublishFailed, p.attempts, lastErr)
}

func (p *Publisher) send(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// LastApplied returns the highest policy version the traffic manager has
// acknowledged.
func (p *Publisher) LastApplied() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastApplied
}

// Applied reports whether the given version has already been acknowledged.
func (p *Publisher) Applied(version uint64) bool {
	return version <= p.LastApplied()
}
