// Package retention implements the periodic cleanup of the postpilot
// control plane.
//
// Each cycle:
//   - reaps active chains with no activity for the orphan TTL
//   - deletes expired sessions
//   - purges consumed stock items older than the used-stock retention
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. A failing step is logged and does not
// stop the others.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultOrphanTTL is how long an active chain may go without activity.
const DefaultOrphanTTL = 6 * time.Hour

// DefaultUsedRetention is how long consumed stock items are kept.
const DefaultUsedRetention = 7 * 24 * time.Hour

// ChainReaper closes orphaned chains.
type ChainReaper interface {
	ReapOrphans(maxAge time.Duration) int
}

// SessionCleaner deletes expired sessions.
type SessionCleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// StockPurger deletes consumed stock items.
type StockPurger interface {
	PurgeUsed(ctx context.Context, olderThan time.Duration) (int, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	ChainsReaped    int     `json:"chainsReaped"`
	SessionsExpired int     `json:"sessionsExpired"`
	StockPurged     int     `json:"stockPurged"`
	Errors          []error `json:"-"`
}

// Janitor periodically reaps and purges stale state. Any collaborator may
// be nil.
type Janitor struct {
	chains   ChainReaper
	sessions SessionCleaner
	stock    StockPurger
	interval time.Duration

	orphanTTL     time.Duration
	usedRetention time.Duration

	mu sync.Mutex
}

// Option customizes a Janitor.
type Option func(*Janitor)

// WithOrphanTTL sets the chain inactivity limit.
func WithOrphanTTL(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.orphanTTL = d
		}
	}
}

// WithUsedRetention sets how long consumed stock is kept.
func WithUsedRetention(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.usedRetention = d
		}
	}
}

// NewJanitor creates a new retention janitor that runs on the given interval.
func NewJanitor(chains ChainReaper, sessions SessionCleaner, stock StockPurger, interval time.Duration, opts ...Option) *Janitor {
	if interval < time.Minute {
		interval = 10 * time.Minute
	}
	j := &Janitor{
		chains:        chains,
		sessions:      sessions,
		stock:         stock,
		interval:      interval,
		orphanTTL:     DefaultOrphanTTL,
		usedRetention: DefaultUsedRetention,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("orphan_ttl", j.orphanTTL).
		Dur("used_retention", j.usedRetention).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle executes one retention pass. Concurrent calls are serialized.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stats CycleStats
	if j.chains != nil {
		stats.ChainsReaped = j.chains.ReapOrphans(j.orphanTTL)
	}
	if j.sessions != nil {
		n, err := j.sessions.Cleanup(ctx)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Msg("Session cleanup failed")
		}
		stats.SessionsExpired = n
	}
	if j.stock != nil {
		n, err := j.stock.PurgeUsed(ctx, j.usedRetention)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Msg("Stock purge failed")
		}
		stats.StockPurged = n
	}

	if stats.ChainsReaped+stats.SessionsExpired+stats.StockPurged > 0 {
		log.Info().
			Int("chains_reaped", stats.ChainsReaped).
			Int("sessions_expired", stats.SessionsExpired).
			Int("stock_purged", stats.StockPurged).
			Msg("🧹 Retention cycle complete")
	}
	return stats
}
