// Package notify forwards important bus events to an alert webhook.
//
// The service subscribes to the event bus and POSTs every event at or above
// the configured priority as JSON, signed with HMAC-SHA256 when a secret is
// set. Delivery is best effort: a failed webhook is retried a few times and
// then logged.
package notify

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

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/internal/retry"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// SignatureHeader carries "sha256=<hex hmac of body>".
const SignatureHeader = "X-Postpilot-Signature"

// Service dispatches alert events to the webhook.
type Service struct {
	cfg    config.NotifyConfig
	client *http.Client
	retry  retry.Options
}

// NewService creates a notification service. A zero WebhookURL disables it.
func NewService(cfg config.NotifyConfig) *Service {
	if cfg.MinPriority == "" {
		cfg.MinPriority = models.PriorityHigh
	}
	return &Service{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		retry: retry.Options{
			MaxRetries:   2,
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
	}
}

// Enabled reports whether a webhook is configured.
func (s *Service) Enabled() bool { return s.cfg.WebhookURL != "" }

// Wants reports whether e is at or above the alert threshold.
func (s *Service) Wants(e models.Event) bool {
	return e.Priority.Rank() >= s.cfg.MinPriority.Rank()
}

// Run forwards events from events until ctx is cancelled or the channel
// closes.
func (s *Service) Run(ctx context.Context, events <-chan models.Event) {
	if !s.Enabled() {
		return
	}
	log.Info().Str("url", s.cfg.WebhookURL).Str("min_priority", string(s.cfg.MinPriority)).Msg("🔔 Alert webhook active")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !s.Wants(e) {
				continue
			}
			if err := s.Send(ctx, e); err != nil {
				log.Warn().Err(err).Str("event", e.Type).Str("id", e.ID).Msg("Alert webhook failed")
			}
		}
	}
}

// Send posts one event to the webhook.
func (s *Service) Send(ctx context.Context, e models.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	res := retry.WithRetry(ctx, s.retry, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Postpilot-Webhook/1.0")
		req.Header.Set("X-Postpilot-Event", e.Type)
		req.Header.Set("X-Postpilot-Priority", string(e.Priority))
		if s.cfg.Secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+Sign(s.cfg.Secret, body))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, retry.Transient(err)
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return struct{}{}, retry.Transient(fmt.Errorf("webhook HTTP %d", resp.StatusCode))
		default:
			return struct{}{}, fmt.Errorf("webhook HTTP %d", resp.StatusCode)
		}
	})
	if !res.Success {
		return fmt.Errorf("webhook failed after %d attempt(s): %w", res.Attempts, res.Err)
	}
	log.Debug().Str("event", e.Type).Str("id", e.ID).Msg("Alert dispatched")
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
