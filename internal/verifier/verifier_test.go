package verifier

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
)

type fakeInvalidator struct{ calls []string }

func (f *fakeInvalidator) InvalidateSession(_ context.Context, platform, accountID string) bool {
	f.calls = append(f.calls, platform+"/"+accountID)
	return true
}

type fakeVision struct {
	judgement *contracts.VisionJudgement
	err       error
}

func (f *fakeVision) Classify(context.Context, string, []byte) (*contracts.VisionJudgement, error) {
	return f.judgement, f.err
}

var publish = Action{Name: "publish", Platform: "twitter", Account: "liver"}

func TestVerify_ResponseClassification(t *testing.T) {
	tests := []struct {
		name       string
		resp       *contracts.PublishResponse
		wantStatus models.VerdictStatus
		wantReason string
	}{
		{"ok with id", &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{"id": "123"}}, models.VerdictSuccess, models.ReasonOK},
		{"ok with data envelope", &contracts.PublishResponse{StatusCode: 201, Body: map[string]interface{}{"data": map[string]interface{}{"id": "9"}}}, models.VerdictSuccess, models.ReasonOK},
		{"ok missing id", &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{}}, models.VerdictAmbiguous, models.ReasonPayload},
		{"ok with id and detail", &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{"id": "123", "detail": "posted with warnings"}}, models.VerdictSuccess, models.ReasonOK},
		{"ok with envelope and errors", &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{"data": map[string]interface{}{"id": "123"}, "errors": []interface{}{"media attachment rejected"}}}, models.VerdictSuccess, models.ReasonOK},
		{"ok with error body", &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{"errors": []interface{}{"Rate limit exceeded"}}}, models.VerdictFailure, models.ReasonRateLimit},
		{"unauthorized", &contracts.PublishResponse{StatusCode: 401}, models.VerdictFailure, models.ReasonAuth},
		{"forbidden", &contracts.PublishResponse{StatusCode: 403}, models.VerdictFailure, models.ReasonAuth},
		{"too many requests", &contracts.PublishResponse{StatusCode: 429}, models.VerdictFailure, models.ReasonRateLimit},
		{"server error", &contracts.PublishResponse{StatusCode: 503}, models.VerdictFailure, models.ReasonTransient},
		{"gateway timeout", &contracts.PublishResponse{StatusCode: 504}, models.VerdictFailure, models.ReasonTimeout},
		{"duplicate", &contracts.PublishResponse{StatusCode: 400, Body: map[string]interface{}{"error": "Status is a duplicate."}}, models.VerdictFailure, models.ReasonRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(nil, nil, nil)
			got := v.Verify(context.Background(), publish, Signal{Response: tt.resp})
			if got.Status != tt.wantStatus || got.Reason != tt.wantReason {
				t.Errorf("Verify() = %s/%s, want %s/%s", got.Status, got.Reason, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestVerify_AuthFailureInvalidatesSession(t *testing.T) {
	inv := &fakeInvalidator{}
	v := New(nil, inv, nil)

	v.Verify(context.Background(), publish, Signal{Response: &contracts.PublishResponse{StatusCode: 401}})
	if len(inv.calls) != 1 || inv.calls[0] != "twitter/liver" {
		t.Errorf("invalidations = %v, want [twitter/liver]", inv.calls)
	}

	v.Verify(context.Background(), publish, Signal{Response: &contracts.PublishResponse{StatusCode: 503}})
	if len(inv.calls) != 1 {
		t.Errorf("transient failure invalidated session: %v", inv.calls)
	}
}

func TestVerify_ErrorPatterns(t *testing.T) {
	tests := []struct {
		err        string
		wantStatus models.VerdictStatus
		wantReason string
	}{
		{"session expired, please log in", models.VerdictFailure, models.ReasonAuth},
		{"HTTP 429 Too Many Requests", models.VerdictFailure, models.ReasonRateLimit},
		{"context deadline exceeded", models.VerdictFailure, models.ReasonTimeout},
		{"read tcp: connection reset by peer", models.VerdictFailure, models.ReasonTransient},
		{"something odd happened", models.VerdictAmbiguous, models.ReasonUnknown},
	}
	for _, tt := range tests {
		v := New(nil, nil, nil)
		got := v.Verify(context.Background(), publish, Signal{Err: errors.New(tt.err)})
		if got.Status != tt.wantStatus || got.Reason != tt.wantReason {
			t.Errorf("Verify(err=%q) = %s/%s, want %s/%s", tt.err, got.Status, got.Reason, tt.wantStatus, tt.wantReason)
		}
	}
}

func TestVerify_NoEvidenceIsAmbiguous(t *testing.T) {
	v := New(nil, nil, nil)
	got := v.Verify(context.Background(), publish, Signal{})
	if got.Status != models.VerdictAmbiguous || got.Reason != models.ReasonNoEvidence {
		t.Errorf("Verify(empty) = %+v", got)
	}
}

func TestVerify_Screenshot(t *testing.T) {
	shot := []byte{0x89, 'P', 'N', 'G'}

	t.Run("confident success", func(t *testing.T) {
		v := New(&fakeVision{judgement: &contracts.VisionJudgement{Outcome: models.VerdictSuccess, Confidence: 0.95, Reason: "post visible"}}, nil, nil)
		got := v.Verify(context.Background(), publish, Signal{Screenshot: shot})
		if got.Status != models.VerdictSuccess || got.Reason != models.ReasonVision {
			t.Errorf("Verify() = %+v", got)
		}
	})

	t.Run("low confidence", func(t *testing.T) {
		v := New(&fakeVision{judgement: &contracts.VisionJudgement{Outcome: models.VerdictSuccess, Confidence: 0.3}}, nil, nil)
		if got := v.Verify(context.Background(), publish, Signal{Screenshot: shot}); got.Status != models.VerdictAmbiguous {
			t.Errorf("Verify() = %+v, want ambiguous", got)
		}
	})

	t.Run("failure refined by pattern", func(t *testing.T) {
		inv := &fakeInvalidator{}
		v := New(&fakeVision{judgement: &contracts.VisionJudgement{Outcome: models.VerdictFailure, Confidence: 0.9, Reason: "login required dialog shown"}}, inv, nil)
		got := v.Verify(context.Background(), publish, Signal{Screenshot: shot})
		if got.Status != models.VerdictFailure || got.Reason != models.ReasonAuth {
			t.Errorf("Verify() = %+v, want failure/auth", got)
		}
		if len(inv.calls) != 1 {
			t.Error("auth failure from screenshot did not invalidate session")
		}
	})

	t.Run("classifier error", func(t *testing.T) {
		v := New(&fakeVision{err: errors.New("model offline")}, nil, nil)
		if got := v.Verify(context.Background(), publish, Signal{Screenshot: shot}); got.Status != models.VerdictAmbiguous {
			t.Errorf("Verify() = %+v, want ambiguous", got)
		}
	})

	t.Run("response screenshot used when payload is unexpected", func(t *testing.T) {
		v := New(&fakeVision{judgement: &contracts.VisionJudgement{Outcome: models.VerdictSuccess, Confidence: 0.8}}, nil, nil)
		resp := &contracts.PublishResponse{StatusCode: 200, Body: map[string]interface{}{"ok": true}, Screenshot: shot}
		if got := v.Verify(context.Background(), publish, Signal{Response: resp}); got.Status != models.VerdictSuccess {
			t.Errorf("Verify() = %+v, want success", got)
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		v    models.Verdict
		want bool
	}{
		{models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonRateLimit}, true},
		{models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonTransient}, true},
		{models.Verdict{Status: models.VerdictFailure, Reason: models.ReasonAuth}, false},
		{models.Verdict{Status: models.VerdictAmbiguous, Reason: models.ReasonTimeout}, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.v); got != tt.want {
			t.Errorf("IsTransient(%+v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate("投稿できませんでした", 7)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate() = %q, not valid UTF-8", got)
	}
	if got != "投稿…" {
		t.Errorf("truncate() = %q, want %q", got, "投稿…")
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
}
