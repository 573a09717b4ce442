// Package store: in-memory Store implementation.
// Used for tests and zero-config runs (POSTPILOT_STORE=memory).
// Supports file-based snapshot persistence so data survives restarts:
// one newline-free JSON document per table under the data directory.
package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

const snapshotDebounce = 500 * time.Millisecond

// sessionRecord is the on-disk shape of a session; models.Session hides
// the blob from API consumers.
type sessionRecord struct {
	models.Session
	Blob []byte `json:"encryptedCookieBlob"`
}

// MemoryStore implements Store with in-memory maps guarded by one mutex,
// which makes every method an atomic read-modify-write.
type MemoryStore struct {
	mu       sync.RWMutex
	stock    map[string]*models.StockItem       // key: id
	failed   map[string]*models.FailedOperation // key: id
	sessions map[string]*sessionRecord          // key: platform:accountId

	stockSnap    *Snapshotter
	failedSnap   *Snapshotter
	sessionsSnap *Snapshotter
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// tables are persisted to stock.json, failed_queue.json and sessions.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		stock:    make(map[string]*models.StockItem),
		failed:   make(map[string]*models.FailedOperation),
		sessions: make(map[string]*sessionRecord),
	}

	path := func(name string) string {
		if dataDir == "" {
			return ""
		}
		return filepath.Join(dataDir, name)
	}
	m.stockSnap = NewSnapshotter(path("stock.json"), snapshotDebounce, m.stockSource)
	m.failedSnap = NewSnapshotter(path("failed_queue.json"), snapshotDebounce, m.failedSource)
	m.sessionsSnap = NewSnapshotter(path("sessions.json"), snapshotDebounce, m.sessionsSource)

	m.loadSnapshots()

	log.Info().
		Str("data_dir", dataDir).
		Int("stock", len(m.stock)).
		Int("failed", len(m.failed)).
		Int("sessions", len(m.sessions)).
		Msg("Memory store configured")

	return m
}

func (m *MemoryStore) stockSource() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]*models.StockItem, 0, len(m.stock))
	for _, it := range m.stock {
		cp := *it
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

func (m *MemoryStore) failedSource() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]*models.FailedOperation, 0, len(m.failed))
	for _, op := range m.failed {
		cp := *op
		ops = append(ops, &cp)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].FailedAt.Before(ops[j].FailedAt) })
	return ops
}

func (m *MemoryStore) sessionsSource() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*sessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		cp := *r
		recs = append(recs, &cp)
	}
	return recs
}

func (m *MemoryStore) loadSnapshots() {
	var items []*models.StockItem
	var ops []*models.FailedOperation
	var recs []*sessionRecord

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stockSnap.Load(&items) {
		for _, it := range items {
			m.stock[it.ID] = it
		}
	}
	if m.failedSnap.Load(&ops) {
		for _, op := range ops {
			m.failed[op.ID] = op
		}
	}
	if m.sessionsSnap.Load(&recs) {
		for _, r := range recs {
			r.EncryptedCookieBlob = r.Blob
			m.sessions[sessionKey(r.Platform, r.AccountID)] = r
		}
	}
}

// ── Stock ───────────────────────────────────────────────────

func (m *MemoryStore) AddStockItem(_ context.Context, item *models.StockItem) error {
	m.mu.Lock()
	cp := *item
	m.stock[item.ID] = &cp
	m.mu.Unlock()
	m.stockSnap.RequestSave()
	return nil
}

func (m *MemoryStore) ClaimStockItem(_ context.Context, account string) (*models.StockItem, error) {
	m.mu.Lock()
	var oldest *models.StockItem
	for _, it := range m.stock {
		if it.Account != account || it.Used {
			continue
		}
		if oldest == nil || it.CreatedAt.Before(oldest.CreatedAt) {
			oldest = it
		}
	}
	if oldest == nil {
		m.mu.Unlock()
		return nil, nil
	}
	now := time.Now().UTC()
	oldest.Used = true
	oldest.ClaimedAt = &now
	cp := *oldest
	m.mu.Unlock()

	m.stockSnap.RequestSave()
	return &cp, nil
}

func (m *MemoryStore) ReturnStockItem(_ context.Context, id string) error {
	m.mu.Lock()
	it, ok := m.stock[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "stock item", Key: id}
	}
	it.Used = false
	it.ClaimedAt = nil
	m.mu.Unlock()
	m.stockSnap.RequestSave()
	return nil
}

func (m *MemoryStore) GetStockItem(_ context.Context, id string) (*models.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.stock[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "stock item", Key: id}
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) DeleteStockItem(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.stock[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "stock item", Key: id}
	}
	delete(m.stock, id)
	m.mu.Unlock()
	m.stockSnap.RequestSave()
	return nil
}

func (m *MemoryStore) ListStockItems(_ context.Context, account string, includeUsed bool) ([]models.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StockItem
	for _, it := range m.stock {
		if account != "" && it.Account != account {
			continue
		}
		if it.Used && !includeUsed {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountStock(_ context.Context) (map[string]StockCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]StockCount)
	for _, it := range m.stock {
		c := counts[it.Account]
		if it.Used {
			c.Used++
		} else {
			c.Available++
		}
		counts[it.Account] = c
	}
	return counts, nil
}

func (m *MemoryStore) PurgeUsedStock(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	var n int
	for id, it := range m.stock {
		if it.Used && it.ClaimedAt != nil && it.ClaimedAt.Before(before) {
			delete(m.stock, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.stockSnap.RequestSave()
	}
	return n, nil
}

// ── Failed queue ────────────────────────────────────────────

func (m *MemoryStore) UpsertFailedOperation(_ context.Context, op *models.FailedOperation) error {
	m.mu.Lock()
	cp := *op
	m.failed[op.ID] = &cp
	m.mu.Unlock()
	m.failedSnap.RequestSave()
	return nil
}

func (m *MemoryStore) RecordFailedOperation(_ context.Context, op *models.FailedOperation, schedule RetrySchedule) (*models.FailedOperation, bool, error) {
	m.mu.Lock()
	rec := *op
	rec.RetryCount = 1
	prev, exists := m.failed[op.ID]
	if exists {
		rec.RetryCount = prev.RetryCount + 1
		if rec.Content == "" {
			rec.Content = prev.Content
		}
	}
	next, keep := schedule(rec.RetryCount)
	if keep {
		rec.NextRetryAt = next
		cp := rec
		m.failed[op.ID] = &cp
	} else {
		delete(m.failed, op.ID)
	}
	m.mu.Unlock()
	if keep || exists {
		m.failedSnap.RequestSave()
	}
	return &rec, keep, nil
}

func (m *MemoryStore) GetFailedOperation(_ context.Context, id string) (*models.FailedOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.failed[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "failed operation", Key: id}
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryStore) DeleteFailedOperation(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.failed[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "failed operation", Key: id}
	}
	delete(m.failed, id)
	m.mu.Unlock()
	m.failedSnap.RequestSave()
	return nil
}

func (m *MemoryStore) ListFailedOperations(_ context.Context) ([]models.FailedOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FailedOperation, 0, len(m.failed))
	for _, op := range m.failed {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

func (m *MemoryStore) DueFailedOperations(_ context.Context, now time.Time) ([]models.FailedOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.FailedOperation
	for _, op := range m.failed {
		if !op.NextRetryAt.After(now) {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	return out, nil
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) PutSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	rec := &sessionRecord{Session: *s, Blob: append([]byte(nil), s.EncryptedCookieBlob...)}
	rec.EncryptedCookieBlob = rec.Blob
	m.sessions[sessionKey(s.Platform, s.AccountID)] = rec
	m.mu.Unlock()
	m.sessionsSnap.RequestSave()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, platform, accountID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionKey(platform, accountID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: sessionKey(platform, accountID)}
	}
	cp := rec.Session
	return &cp, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, platform, accountID string) (bool, error) {
	key := sessionKey(platform, accountID)
	m.mu.Lock()
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		m.sessionsSnap.RequestSave()
	}
	return ok, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.Session)
	}
	sort.Slice(out, func(i, j int) bool {
		return sessionKey(out[i].Platform, out[i].AccountID) < sessionKey(out[j].Platform, out[j].AccountID)
	})
	return out, nil
}

func (m *MemoryStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	var n int
	for key, rec := range m.sessions {
		if rec.Expired(now) {
			delete(m.sessions, key)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.sessionsSnap.RequestSave()
	}
	return n, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the snapshot loops and flushes every table to disk.
func (m *MemoryStore) Close() error {
	m.stockSnap.Close()
	m.failedSnap.Close()
	m.sessionsSnap.Close()
	return nil
}
