package retry

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/postpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// Retrier re-attempts one queued operation. A nil error means it succeeded.
type Retrier interface {
	Retry(ctx context.Context, op models.FailedOperation) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
	Errors    int `json:"errors"`
}

// Sweeper periodically re-attempts due failed operations.
type Sweeper struct {
	queue    *FailedQueue
	retrier  Retrier
	interval time.Duration

	// mu keeps sweeps from overlapping (ticker vs. HTTP-triggered).
	mu sync.Mutex
}

// NewSweeper creates a Sweeper. If interval is <= 0, it defaults to 5m.
func NewSweeper(q *FailedQueue, r Retrier, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{queue: q, retrier: r, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.interval).Msg("🧹 Failed-queue sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Failed-queue sweep failed")
			}
		}
	}
}

// RunOnce re-attempts every due entry. Success removes the entry, failure
// records another retry (dropping it past the ceiling).
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	due, err := s.queue.GetRetryablePosts(ctx)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	for _, op := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		retryErr := s.retrier.Retry(ctx, op)
		if retryErr == nil {
			if err := s.queue.Remove(ctx, op.ID); err != nil {
				log.Error().Err(err).Str("id", op.ID).Msg("Failed to remove retried operation")
				res.Errors++
				continue
			}
			res.Succeeded++
			continue
		}

		op.Error = retryErr.Error()
		_, queued, err := s.queue.Add(ctx, op)
		switch {
		case err != nil:
			log.Error().Err(err).Str("id", op.ID).Msg("Failed to requeue operation")
			res.Errors++
		case queued:
			res.Requeued++
		default:
			res.Dropped++
		}
	}

	if res.Due > 0 {
		log.Info().
			Int("due", res.Due).
			Int("succeeded", res.Succeeded).
			Int("requeued", res.Requeued).
			Int("dropped", res.Dropped).
			Msg("Failed-queue sweep complete")
	}
	return res, nil
}
