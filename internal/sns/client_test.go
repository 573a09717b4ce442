package sns

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/pkg/contracts"
)

func TestPublish_ReturnsStatusBodyAndScreenshot(t *testing.T) {
	var got publishPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":         "1789",
			"screenshot": base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}),
		})
	}))
	defer srv.Close()

	c := NewClient(config.SNSConfig{PublishEndpoint: srv.URL, Token: "tok"})
	resp, err := c.Publish(context.Background(), contracts.PublishRequest{
		Platform: "x", Account: "liver", Text: "hello", Cookies: []byte("c=1"),
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated || resp.Body["id"] != "1789" {
		t.Errorf("Publish() = %d %v", resp.StatusCode, resp.Body)
	}
	if len(resp.Screenshot) != 4 || resp.Body["screenshot"] != nil {
		t.Errorf("screenshot not lifted out of body: %d bytes", len(resp.Screenshot))
	}
	if got.Text != "hello" || got.Cookies != base64.StdEncoding.EncodeToString([]byte("c=1")) {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublish_NonJSONBodyKeptAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream connect error", http.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := NewClient(config.SNSConfig{PublishEndpoint: srv.URL}).Publish(context.Background(), contracts.PublishRequest{})
	if err != nil {
		t.Fatalf("Publish() error = %v, want response", err)
	}
	if resp.StatusCode != http.StatusBadGateway || resp.Body["error"] == nil {
		t.Errorf("Publish() = %d %v", resp.StatusCode, resp.Body)
	}
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{"string cookies", 200, `{"cookies":"sid=abc"}`, "sid=abc", false},
		{"object cookies", 200, `{"cookies":{"sid":"abc"}}`, `{"sid":"abc"}`, false},
		{"missing cookies", 200, `{}`, "", true},
		{"rejected", 401, `{"error":"bad password"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewClient(config.SNSConfig{LoginEndpoint: srv.URL}).Authenticate(context.Background(), "x", "liver", map[string]string{"password": "p"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("Authenticate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(config.SNSConfig{})
	if _, err := c.Publish(context.Background(), contracts.PublishRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Publish() error = %v, want ErrNotConfigured", err)
	}
	if _, err := c.Authenticate(context.Background(), "x", "a", nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Authenticate() error = %v, want ErrNotConfigured", err)
	}
}
