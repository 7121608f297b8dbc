// internal/alerting/webhook.go
package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/meridian/internal/config"
)

const (
	webhookAttempts   = 2
	webhookRetryDelay = 500 * time.Millisecond
)

// WebhookSink POSTs alerts as JSON to a configured endpoint. Payloads are
// signed with HMAC-SHA256 when a secret is configured so the receiver can
// authenticate the controller.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(cfg config.AlertingConfig) *WebhookSink {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    cfg.WebhookURL,
		secret: cfg.WebhookSecret,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, a *Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerting: marshal alert: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		statusCode, err := s.send(ctx, a, body)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("alert webhook returned status %d", statusCode)
		}
		if attempt < webhookAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(webhookRetryDelay):
			}
		}
	}
	return lastErr
}

func (s *WebhookSink) send(ctx context.Context, a *Alert, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Meridian-Alert", a.Kind)
	req.Header.Set("X-Meridian-Severity", string(a.Severity))
	if s.secret != "" {
		req.Header.Set("X-Meridian-Signature", Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}

// Sign produces the HMAC-SHA256 signature header value for a payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a payload against its signature header value.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
