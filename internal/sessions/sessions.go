// Package sessions persists per-platform login state.
//
// Cookie blobs are sealed with AES-256-GCM under a key derived from the
// configured secret, with the (platform, account) pair as additional data so
// a blob copied onto another row fails to open. Validity is decided locally
// from the stored expiry; the remote service is never consulted.
package sessions

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/contracts"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 30 * 24 * time.Hour

const keyInfo = "postpilot session cookies v1"

// ValidationError marks a caller mistake (missing platform, account…).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

var errCorrupt = errors.New("session blob corrupt or undecryptable")

// Check is the answer to a session check request.
type Check struct {
	Platform  string     `json:"platform"`
	AccountID string     `json:"accountId"`
	Exists    bool       `json:"exists"`
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Manager owns the session table.
type Manager struct {
	store store.SessionStore
	auth  contracts.Authenticator
	aead  cipher.AEAD
	ttl   time.Duration
	bus   eventbus.Emitter
	now   func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEmitter publishes login/invalidate events.
func WithEmitter(e eventbus.Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.bus = e
		}
	}
}

// NewManager derives the encryption key from secret. An empty secret gets a
// random per-process key: sessions then do not survive restarts.
func NewManager(st store.SessionStore, auth contracts.Authenticator, secret string, ttl time.Duration, opts ...Option) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	master := []byte(secret)
	if secret == "" {
		log.Warn().Msg("SESSION_SECRET not set, using an ephemeral key; sessions will not survive restarts")
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
	}
	key, err := hkdf.Key(sha256.New, master, nil, keyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	m := &Manager{store: st, auth: auth, aead: aead, ttl: ttl, bus: eventbus.Discard, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func validate(platform, accountID string) error {
	if strings.TrimSpace(platform) == "" {
		return &ValidationError{Msg: "platform is required"}
	}
	if strings.TrimSpace(accountID) == "" {
		return &ValidationError{Msg: "accountId is required"}
	}
	return nil
}

func additionalData(platform, accountID string) []byte {
	return []byte(platform + "\x00" + accountID)
}

func (m *Manager) seal(platform, accountID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, plaintext, additionalData(platform, accountID)), nil
}

func (m *Manager) open(platform, accountID string, blob []byte) ([]byte, error) {
	ns := m.aead.NonceSize()
	if len(blob) < ns+m.aead.Overhead() {
		return nil, errCorrupt
	}
	plain, err := m.aead.Open(nil, blob[:ns], blob[ns:], additionalData(platform, accountID))
	if err != nil {
		return nil, errCorrupt
	}
	return plain, nil
}

// Login authenticates through the collaborator and stores the resulting
// blob encrypted with a fresh TTL, overwriting any previous row. It returns
// false (and no error) when the platform rejects the credentials.
func (m *Manager) Login(ctx context.Context, platform, accountID string, credentials map[string]string) (bool, error) {
	if err := validate(platform, accountID); err != nil {
		return false, err
	}
	if m.auth == nil {
		return false, fmt.Errorf("no authenticator configured")
	}

	cookies, err := m.auth.Authenticate(ctx, platform, accountID, credentials)
	if err != nil {
		log.Warn().Err(err).Str("platform", platform).Str("account", accountID).Msg("Login failed")
		return false, nil
	}
	if err := m.Store(ctx, platform, accountID, cookies); err != nil {
		return false, err
	}
	log.Info().Str("platform", platform).Str("account", accountID).Msg("🔐 Session stored")
	m.bus.Publish(models.EventSessionLogin, "sessions", models.PriorityNormal, map[string]interface{}{
		"platform": platform, "accountId": accountID,
	})
	return true, nil
}

// Store seals cookies for the pair with a fresh TTL.
func (m *Manager) Store(ctx context.Context, platform, accountID string, cookies []byte) error {
	if err := validate(platform, accountID); err != nil {
		return err
	}
	blob, err := m.seal(platform, accountID, cookies)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	return m.store.PutSession(ctx, &models.Session{
		Platform:            platform,
		AccountID:           accountID,
		EncryptedCookieBlob: blob,
		ExpiresAt:           now.Add(m.ttl),
		CreatedAt:           now,
	})
}

// IsSessionValid reports whether a non-expired, decryptable session exists.
func (m *Manager) IsSessionValid(ctx context.Context, platform, accountID string) bool {
	return m.CheckSession(ctx, platform, accountID).Valid
}

// CheckSession explains the validity decision.
func (m *Manager) CheckSession(ctx context.Context, platform, accountID string) Check {
	c := Check{Platform: platform, AccountID: accountID}
	sess, err := m.store.GetSession(ctx, platform, accountID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("platform", platform).Str("account", accountID).Msg("Session lookup failed")
		}
		c.Reason = "not_found"
		return c
	}
	c.Exists = true
	exp := sess.ExpiresAt
	c.ExpiresAt = &exp
	if sess.Expired(m.now()) {
		c.Reason = "expired"
		return c
	}
	if _, err := m.open(platform, accountID, sess.EncryptedCookieBlob); err != nil {
		log.Warn().Str("platform", platform).Str("account", accountID).Msg("Session blob undecryptable, treating as invalid")
		c.Reason = "corrupt"
		return c
	}
	c.Valid = true
	return c
}

// Cookies returns the decrypted blob of a valid session.
func (m *Manager) Cookies(ctx context.Context, platform, accountID string) ([]byte, bool) {
	sess, err := m.store.GetSession(ctx, platform, accountID)
	if err != nil || sess.Expired(m.now()) {
		return nil, false
	}
	plain, err := m.open(platform, accountID, sess.EncryptedCookieBlob)
	if err != nil {
		log.Warn().Str("platform", platform).Str("account", accountID).Msg("Session blob undecryptable")
		return nil, false
	}
	return plain, true
}

// InvalidateSession deletes the row immediately. Returns whether one existed.
func (m *Manager) InvalidateSession(ctx context.Context, platform, accountID string) bool {
	removed, err := m.store.DeleteSession(ctx, platform, accountID)
	if err != nil {
		log.Error().Err(err).Str("platform", platform).Str("account", accountID).Msg("Failed to invalidate session")
		return false
	}
	if removed {
		log.Info().Str("platform", platform).Str("account", accountID).Msg("Session invalidated")
		m.bus.Publish(models.EventSessionInvalid, "sessions", models.PriorityHigh, map[string]interface{}{
			"platform": platform, "accountId": accountID,
		})
	}
	return removed
}

// Cleanup deletes every expired row and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("Expired sessions cleaned up")
	}
	return n, nil
}

// ListSessions returns every stored session without blobs.
func (m *Manager) ListSessions(ctx context.Context) ([]models.Session, error) {
	return m.store.ListSessions(ctx)
}
