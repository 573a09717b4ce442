package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// claimAttempts bounds how often ClaimStockItem retries after losing a race.
const claimAttempts = 5

// SQLiteStore is the durable Store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) postpilot.db in dataDir and runs pending
// migrations. Pass ":memory:" for an in-memory database.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "postpilot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("SQLite store opened")
	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename %q", filename)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %q: %w", filename, err)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// ── Stock ───────────────────────────────────────────────────

const stockColumns = `id, account, theme, text, score, created_at, used, claimed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStockItem(row rowScanner) (*models.StockItem, error) {
	var it models.StockItem
	var createdAt string
	var used int
	var claimedAt sql.NullString
	if err := row.Scan(&it.ID, &it.Account, &it.Theme, &it.Text, &it.Score, &createdAt, &used, &claimedAt); err != nil {
		return nil, err
	}
	var err error
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for stock item %s: %w", it.ID, err)
	}
	it.Used = used == 1
	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing claimed_at for stock item %s: %w", it.ID, err)
		}
		it.ClaimedAt = &t
	}
	return &it, nil
}

func (s *SQLiteStore) AddStockItem(ctx context.Context, item *models.StockItem) error {
	used := 0
	if item.Used {
		used = 1
	}
	var claimed interface{}
	if item.ClaimedAt != nil {
		claimed = formatTime(*item.ClaimedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stock_items (`+stockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Account, item.Theme, item.Text, item.Score, formatTime(item.CreatedAt), used, claimed,
	)
	if err != nil {
		return fmt.Errorf("inserting stock item: %w", err)
	}
	return nil
}

// ClaimStockItem selects the oldest unused item, then flips it with an
// UPDATE guarded by used = 0. A zero row count means another caller won
// the item; the claim is retried against the next candidate.
func (s *SQLiteStore) ClaimStockItem(ctx context.Context, account string) (*models.StockItem, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		item, lost, err := s.tryClaim(ctx, account)
		if err != nil || !lost {
			return item, err
		}
	}
	return nil, nil
}

func (s *SQLiteStore) tryClaim(ctx context.Context, account string) (*models.StockItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanStockItem(tx.QueryRowContext(ctx,
		`SELECT `+stockColumns+` FROM stock_items WHERE account = ? AND used = 0 ORDER BY created_at, id LIMIT 1`,
		account,
	))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting stock item: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE stock_items SET used = 1, claimed_at = ? WHERE id = ? AND used = 0`,
		formatTime(now), item.ID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("claiming stock item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		return nil, true, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing claim: %w", err)
	}

	item.Used = true
	item.ClaimedAt = &now
	return item, false, nil
}

func (s *SQLiteStore) ReturnStockItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stock_items SET used = 0, claimed_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("returning stock item: %w", err)
	}
	return requireRow(res, "stock item", id)
}

func (s *SQLiteStore) GetStockItem(ctx context.Context, id string) (*models.StockItem, error) {
	item, err := scanStockItem(s.db.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stock_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "stock item", Key: id}
	}
	return item, err
}

func (s *SQLiteStore) DeleteStockItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting stock item: %w", err)
	}
	return requireRow(res, "stock item", id)
}

func (s *SQLiteStore) ListStockItems(ctx context.Context, account string, includeUsed bool) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items WHERE 1 = 1`
	var args []interface{}
	if account != "" {
		query += ` AND account = ?`
		args = append(args, account)
	}
	if !includeUsed {
		query += ` AND used = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stock items: %w", err)
	}
	defer rows.Close()

	var out []models.StockItem
	for rows.Next() {
		it, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountStock(ctx context.Context) (map[string]StockCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account, used, COUNT(*) FROM stock_items GROUP BY account, used`)
	if err != nil {
		return nil, fmt.Errorf("counting stock: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]StockCount)
	for rows.Next() {
		var account string
		var used, n int
		if err := rows.Scan(&account, &used, &n); err != nil {
			return nil, err
		}
		c := counts[account]
		if used == 1 {
			c.Used += n
		} else {
			c.Available += n
		}
		counts[account] = c
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) PurgeUsedStock(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stock_items WHERE used = 1 AND claimed_at IS NOT NULL AND claimed_at < ?`,
		formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("purging used stock: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ── Failed queue ────────────────────────────────────────────

const failedColumns = `id, account, platform, stock_item_id, content, failed_at, error, retry_count, next_retry_at`

func scanFailedOperation(row rowScanner) (*models.FailedOperation, error) {
	var op models.FailedOperation
	var failedAt, nextRetryAt string
	if err := row.Scan(&op.ID, &op.Account, &op.Platform, &op.StockItemID, &op.Content,
		&failedAt, &op.Error, &op.RetryCount, &nextRetryAt); err != nil {
		return nil, err
	}
	var err error
	if op.FailedAt, err = parseTime(failedAt); err != nil {
		return nil, fmt.Errorf("parsing failed_at for %s: %w", op.ID, err)
	}
	if op.NextRetryAt, err = parseTime(nextRetryAt); err != nil {
		return nil, fmt.Errorf("parsing next_retry_at for %s: %w", op.ID, err)
	}
	return &op, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) UpsertFailedOperation(ctx context.Context, op *models.FailedOperation) error {
	return upsertFailed(ctx, s.db, op)
}

func upsertFailed(ctx context.Context, ex execer, op *models.FailedOperation) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO failed_operations (`+failedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account = excluded.account,
			platform = excluded.platform,
			stock_item_id = excluded.stock_item_id,
			content = excluded.content,
			failed_at = excluded.failed_at,
			error = excluded.error,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at`,
		op.ID, op.Account, op.Platform, op.StockItemID, op.Content,
		formatTime(op.FailedAt), op.Error, op.RetryCount, formatTime(op.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("upserting failed operation: %w", err)
	}
	return nil
}

// RecordFailedOperation reads, bumps and writes the entry in one
// transaction.
func (s *SQLiteStore) RecordFailedOperation(ctx context.Context, op *models.FailedOperation, schedule RetrySchedule) (*models.FailedOperation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer tx.Rollback()

	rec := *op
	rec.RetryCount = 1
	prev, err := scanFailedOperation(tx.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_operations WHERE id = ?`, op.ID))
	switch {
	case err == nil:
		rec.RetryCount = prev.RetryCount + 1
		if rec.Content == "" {
			rec.Content = prev.Content
		}
	case err == sql.ErrNoRows:
		prev = nil
	default:
		return nil, false, fmt.Errorf("reading failed operation: %w", err)
	}

	next, keep := schedule(rec.RetryCount)
	if keep {
		rec.NextRetryAt = next
		if err := upsertFailed(ctx, tx, &rec); err != nil {
			return nil, false, err
		}
	} else if prev != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM failed_operations WHERE id = ?`, op.ID); err != nil {
			return nil, false, fmt.Errorf("deleting failed operation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing failure transaction: %w", err)
	}
	return &rec, keep, nil
}

func (s *SQLiteStore) GetFailedOperation(ctx context.Context, id string) (*models.FailedOperation, error) {
	op, err := scanFailedOperation(s.db.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_operations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "failed operation", Key: id}
	}
	return op, err
}

func (s *SQLiteStore) DeleteFailedOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting failed operation: %w", err)
	}
	return requireRow(res, "failed operation", id)
}

func (s *SQLiteStore) ListFailedOperations(ctx context.Context) ([]models.FailedOperation, error) {
	return s.queryFailed(ctx, `SELECT `+failedColumns+` FROM failed_operations ORDER BY failed_at, id`)
}

func (s *SQLiteStore) DueFailedOperations(ctx context.Context, now time.Time) ([]models.FailedOperation, error) {
	return s.queryFailed(ctx,
		`SELECT `+failedColumns+` FROM failed_operations WHERE next_retry_at <= ? ORDER BY next_retry_at, id`,
		formatTime(now),
	)
}

func (s *SQLiteStore) queryFailed(ctx context.Context, query string, args ...interface{}) ([]models.FailedOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying failed operations: %w", err)
	}
	defer rows.Close()

	out := []models.FailedOperation{}
	for rows.Next() {
		op, err := scanFailedOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// ── Sessions ────────────────────────────────────────────────

func (s *SQLiteStore) PutSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (platform, account_id, blob, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, account_id) DO UPDATE SET
			blob = excluded.blob,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		sess.Platform, sess.AccountID, sess.EncryptedCookieBlob, formatTime(sess.ExpiresAt), formatTime(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner, withBlob bool) (*models.Session, error) {
	var sess models.Session
	var expiresAt, createdAt string
	dest := []interface{}{&sess.Platform, &sess.AccountID, &expiresAt, &createdAt}
	if withBlob {
		dest = append(dest, &sess.EncryptedCookieBlob)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at for session %s: %w", sessionKey(sess.Platform, sess.AccountID), err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for session %s: %w", sessionKey(sess.Platform, sess.AccountID), err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, platform, accountID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT platform, account_id, expires_at, created_at, blob FROM sessions WHERE platform = ? AND account_id = ?`,
		platform, accountID,
	), true)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "session", Key: sessionKey(platform, accountID)}
	}
	return sess, err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, platform, accountID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE platform = ? AND account_id = ?`, platform, accountID)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, account_id, expires_at, created_at FROM sessions ORDER BY platform, account_id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	out := []models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireRow(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: entity, Key: key}
	}
	return nil
}
