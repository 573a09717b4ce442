// Package sns is the HTTP bridge to the platform automation service that
// performs the actual posts and logins. It implements contracts.Publisher
// and contracts.Authenticator.
package sns

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned when the relevant endpoint is unset.
var ErrNotConfigured = errors.New("sns: endpoint not configured")

// Client talks to the automation service.
type Client struct {
	cfg    config.SNSConfig
	client *http.Client
}

// NewClient creates a client.
func NewClient(cfg config.SNSConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type publishPayload struct {
	Platform string `json:"platform"`
	Account  string `json:"account"`
	Text     string `json:"text"`
	// Cookies is the decrypted session blob, base64 encoded.
	Cookies string `json:"cookies,omitempty"`
}

// Publish posts req.Text. Any HTTP answer is returned for the verifier to
// judge; only transport failures produce an error.
func (c *Client) Publish(ctx context.Context, req contracts.PublishRequest) (*contracts.PublishResponse, error) {
	if c.cfg.PublishEndpoint == "" {
		return nil, ErrNotConfigured
	}
	payload := publishPayload{Platform: req.Platform, Account: req.Account, Text: req.Text}
	if len(req.Cookies) > 0 {
		payload.Cookies = base64.StdEncoding.EncodeToString(req.Cookies)
	}

	status, body, err := c.post(ctx, c.cfg.PublishEndpoint, payload)
	if err != nil {
		return nil, err
	}
	resp := &contracts.PublishResponse{StatusCode: status, Body: body}
	if shot, ok := body["screenshot"].(string); ok && shot != "" {
		if raw, err := base64.StdEncoding.DecodeString(shot); err == nil {
			resp.Screenshot = raw
			delete(body, "screenshot")
		}
	}
	log.Debug().Str("platform", req.Platform).Str("account", req.Account).Int("status", status).Msg("Publish call returned")
	return resp, nil
}

// Authenticate logs in and returns the session blob the service hands back
// under "cookies" (re-encoded as JSON when it is an object).
func (c *Client) Authenticate(ctx context.Context, platform, accountID string, credentials map[string]string) ([]byte, error) {
	if c.cfg.LoginEndpoint == "" {
		return nil, ErrNotConfigured
	}
	status, body, err := c.post(ctx, c.cfg.LoginEndpoint, map[string]interface{}{
		"platform":    platform,
		"account":     accountID,
		"credentials": credentials,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("sns: login status %d", status)
	}
	switch v := body["cookies"].(type) {
	case string:
		if v == "" {
			break
		}
		return []byte(v), nil
	case nil:
	default:
		return json.Marshal(v)
	}
	return nil, fmt.Errorf("sns: login response carried no cookies")
}

func (c *Client) post(ctx context.Context, url string, in interface{}) (int, map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return 0, nil, fmt.Errorf("sns: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("sns: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sns: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("sns: read response: %w", err)
	}
	body := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			// Non-JSON answers are kept as text for the verifier's patterns.
			body = map[string]interface{}{"error": string(raw)}
		}
	}
	return resp.StatusCode, body, nil
}
