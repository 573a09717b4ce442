package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/agentoven/postpilot/pkg/models"
)

func TestSend_SignsBody(t *testing.T) {
	got := make(chan models.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if sig := r.Header.Get(SignatureHeader); sig != "sha256="+Sign("s3cret", body) {
			t.Errorf("%s = %q, does not match body", SignatureHeader, sig)
		}
		if r.Header.Get("X-Postpilot-Event") != models.EventRetryExhausted {
			t.Errorf("event header = %q", r.Header.Get("X-Postpilot-Event"))
		}
		var e models.Event
		json.Unmarshal(body, &e)
		got <- e
	}))
	defer srv.Close()

	s := NewService(config.NotifyConfig{WebhookURL: srv.URL, Secret: "s3cret"})
	e := models.Event{ID: "evt_1", Type: models.EventRetryExhausted, Source: "retry", Priority: models.PriorityHigh}
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r := <-got; r.ID != "evt_1" {
		t.Errorf("webhook received %+v", r)
	}
}

func TestSend_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewService(config.NotifyConfig{WebhookURL: srv.URL})
	if err := s.Send(context.Background(), models.Event{Type: "x", Priority: models.PriorityUrgent}); err == nil {
		t.Error("Send() error = nil on 400")
	}
	if calls != 1 {
		t.Errorf("webhook called %d times, want 1", calls)
	}
}

func TestRun_FiltersByPriority(t *testing.T) {
	got := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Postpilot-Priority")
	}))
	defer srv.Close()

	s := NewService(config.NotifyConfig{WebhookURL: srv.URL})
	events := make(chan models.Event, 3)
	events <- models.Event{Type: "a", Priority: models.PriorityLow}
	events <- models.Event{Type: "b", Priority: models.PriorityNormal}
	events <- models.Event{Type: "c", Priority: models.PriorityUrgent}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Run(ctx, events)

	if len(got) != 1 {
		t.Fatalf("webhook called %d times, want 1", len(got))
	}
	if p := <-got; p != string(models.PriorityUrgent) {
		t.Errorf("forwarded priority = %s, want urgent", p)
	}
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	s := NewService(config.NotifyConfig{})
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), make(chan models.Event))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() blocked without a webhook")
	}
}
