package sessions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/sessions"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/models"
)

type fakeAuth struct {
	cookies []byte
	err     error
	calls   int
}

func (f *fakeAuth) Authenticate(_ context.Context, platform, accountID string, creds map[string]string) ([]byte, error) {
	f.calls++
	return f.cookies, f.err
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newManager(t *testing.T, auth *fakeAuth, ttl time.Duration, c *clock) (*sessions.Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	m, err := sessions.NewManager(st, auth, "test-secret", ttl, sessions.WithClock(c.Now))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, st
}

func TestLogin_StoresEncryptedSession(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{cookies: []byte("auth_token=abc")}
	m, st := newManager(t, auth, 0, c)
	ctx := context.Background()

	ok, err := m.Login(ctx, "twitter", "liver", map[string]string{"password": "x"})
	if err != nil || !ok {
		t.Fatalf("Login() = %v, %v; want true, nil", ok, err)
	}
	if !m.IsSessionValid(ctx, "twitter", "liver") {
		t.Error("IsSessionValid() = false right after login")
	}

	raw, err := st.GetSession(ctx, "twitter", "liver")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if string(raw.EncryptedCookieBlob) == "auth_token=abc" {
		t.Error("cookie blob stored in plaintext")
	}
	if want := c.t.Add(sessions.DefaultTTL); !raw.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", raw.ExpiresAt, want)
	}

	cookies, ok := m.Cookies(ctx, "twitter", "liver")
	if !ok || string(cookies) != "auth_token=abc" {
		t.Errorf("Cookies() = %q, %v", cookies, ok)
	}
}

func TestLogin_RejectedCredentials(t *testing.T) {
	c := &clock{t: time.Now()}
	m, _ := newManager(t, &fakeAuth{err: errors.New("bad password")}, 0, c)

	ok, err := m.Login(context.Background(), "twitter", "liver", nil)
	if ok || err != nil {
		t.Errorf("Login() = %v, %v; want false, nil", ok, err)
	}
	if m.IsSessionValid(context.Background(), "twitter", "liver") {
		t.Error("session valid after rejected login")
	}
}

func TestLogin_Validation(t *testing.T) {
	c := &clock{t: time.Now()}
	auth := &fakeAuth{cookies: []byte("x")}
	m, _ := newManager(t, auth, 0, c)

	_, err := m.Login(context.Background(), "", "liver", nil)
	var ve *sessions.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Login(no platform) error = %v, want ValidationError", err)
	}
	if auth.calls != 0 {
		t.Error("authenticator called for invalid input")
	}
}

func TestIsSessionValid_ExpiredImmediately(t *testing.T) {
	c := &clock{t: time.Now()}
	m, _ := newManager(t, &fakeAuth{cookies: []byte("x")}, time.Nanosecond, c)
	ctx := context.Background()

	if ok, _ := m.Login(ctx, "twitter", "liver", nil); !ok {
		t.Fatal("Login() failed")
	}
	c.t = c.t.Add(time.Second)
	if m.IsSessionValid(ctx, "twitter", "liver") {
		t.Error("IsSessionValid() = true for a session past expiresAt")
	}
	if got := m.CheckSession(ctx, "twitter", "liver"); got.Reason != "expired" || !got.Exists {
		t.Errorf("CheckSession() = %+v, want expired", got)
	}
}

func TestCorruptBlobIsInvalid(t *testing.T) {
	c := &clock{t: time.Now()}
	m, st := newManager(t, &fakeAuth{}, 0, c)
	ctx := context.Background()

	st.PutSession(ctx, &models.Session{
		Platform: "twitter", AccountID: "liver",
		EncryptedCookieBlob: []byte("definitely not ciphertext at all"),
		ExpiresAt:           c.t.Add(time.Hour), CreatedAt: c.t,
	})
	if m.IsSessionValid(ctx, "twitter", "liver") {
		t.Error("IsSessionValid() = true for a corrupt blob")
	}
	if got := m.CheckSession(ctx, "twitter", "liver"); got.Reason != "corrupt" {
		t.Errorf("CheckSession().Reason = %q, want corrupt", got.Reason)
	}
}

func TestBlobBoundToAccount(t *testing.T) {
	c := &clock{t: time.Now()}
	m, st := newManager(t, &fakeAuth{cookies: []byte("secret")}, 0, c)
	ctx := context.Background()

	m.Login(ctx, "twitter", "liver", nil)
	sess, _ := st.GetSession(ctx, "twitter", "liver")
	sess.AccountID = "chatre1"
	st.PutSession(ctx, sess)

	if m.IsSessionValid(ctx, "twitter", "chatre1") {
		t.Error("blob copied to another account decrypted successfully")
	}
}

func TestInvalidateAndCleanup(t *testing.T) {
	c := &clock{t: time.Now()}
	m, _ := newManager(t, &fakeAuth{cookies: []byte("x")}, time.Hour, c)
	ctx := context.Background()

	m.Login(ctx, "twitter", "liver", nil)
	m.Login(ctx, "instagram", "liver", nil)
	m.Login(ctx, "twitter", "chatre1", nil)

	if !m.InvalidateSession(ctx, "twitter", "liver") {
		t.Error("InvalidateSession() = false for an existing row")
	}
	if m.InvalidateSession(ctx, "twitter", "liver") {
		t.Error("InvalidateSession() = true for a missing row")
	}

	c.t = c.t.Add(2 * time.Hour)
	n, err := m.Cleanup(ctx)
	if err != nil || n != 2 {
		t.Errorf("Cleanup() = %d, %v; want 2", n, err)
	}
	list, _ := m.ListSessions(ctx)
	if len(list) != 0 {
		t.Errorf("ListSessions() after cleanup = %d rows", len(list))
	}
}
