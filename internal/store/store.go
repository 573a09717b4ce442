// Package store provides persistence for the postpilot control plane.
//
// Two implementations share one interface: SQLiteStore (durable, atomic
// compare-and-swap claims) and MemoryStore (maps plus JSON snapshots, used
// for tests and zero-config runs). Every read-modify-write a caller needs
// is exposed as a single store method so no caller does it in two steps.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/postpilot/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	StockStore
	FailedQueueStore
	SessionStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Stock Store ─────────────────────────────────────────────

// StockCount is the per-account tally of stock items.
type StockCount struct {
	Available int `json:"available"`
	Used      int `json:"used"`
}

type StockStore interface {
	AddStockItem(ctx context.Context, item *models.StockItem) error

	// ClaimStockItem atomically marks the oldest unused item of account as
	// used and returns it. Returns (nil, nil) when the account has none.
	ClaimStockItem(ctx context.Context, account string) (*models.StockItem, error)

	// ReturnStockItem flips a claimed item back to unused.
	ReturnStockItem(ctx context.Context, id string) error

	GetStockItem(ctx context.Context, id string) (*models.StockItem, error)
	DeleteStockItem(ctx context.Context, id string) error
	ListStockItems(ctx context.Context, account string, includeUsed bool) ([]models.StockItem, error)
	CountStock(ctx context.Context) (map[string]StockCount, error)

	// PurgeUsedStock deletes used items claimed before the cutoff.
	PurgeUsedStock(ctx context.Context, before time.Time) (int, error)
}

// ── Failed Queue Store ──────────────────────────────────────

type FailedQueueStore interface {
	// UpsertFailedOperation inserts or replaces the entry with op.ID.
	UpsertFailedOperation(ctx context.Context, op *models.FailedOperation) error
	GetFailedOperation(ctx context.Context, id string) (*models.FailedOperation, error)

	// RecordFailedOperation atomically bumps the retry count of op.ID
	// (starting at 1 for a new entry) and asks schedule for the next
	// attempt. keep=false deletes the entry instead of storing it.
	RecordFailedOperation(ctx context.Context, op *models.FailedOperation, schedule RetrySchedule) (rec *models.FailedOperation, kept bool, err error)
	DeleteFailedOperation(ctx context.Context, id string) error
	ListFailedOperations(ctx context.Context) ([]models.FailedOperation, error)

	// DueFailedOperations returns entries with nextRetryAt <= now, oldest first.
	DueFailedOperations(ctx context.Context, now time.Time) ([]models.FailedOperation, error)
}

// RetrySchedule maps a bumped retry count to the next attempt time.
type RetrySchedule func(retryCount int) (next time.Time, keep bool)

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	// PutSession overwrites the row for (platform, accountId).
	PutSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, platform, accountID string) (*models.Session, error)

	// DeleteSession reports whether a row was removed.
	DeleteSession(ctx context.Context, platform, accountID string) (bool, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

func sessionKey(platform, accountID string) string {
	return platform + ":" + accountID
}
