package retry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BaseRetryDelay is the first deferred-retry delay; each later one triples.
const BaseRetryDelay = 5 * time.Minute

// NextRetryDelay returns 5min * 3^(retryCount-1).
func NextRetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(float64(BaseRetryDelay) * math.Pow(3, float64(retryCount-1)))
}

// FailedQueue is the persistent queue of operations awaiting a deferred
// retry. Entries past MaxFailedRetries are dropped, not escalated.
type FailedQueue struct {
	store store.FailedQueueStore
	bus   eventbus.Emitter
	now   func() time.Time
}

// QueueOption customizes a FailedQueue.
type QueueOption func(*FailedQueue)

// WithQueueClock overrides time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *FailedQueue) { q.now = now }
}

// NewFailedQueue creates a queue over st.
func NewFailedQueue(st store.FailedQueueStore, bus eventbus.Emitter, opts ...QueueOption) *FailedQueue {
	if bus == nil {
		bus = eventbus.Discard
	}
	q := &FailedQueue{store: st, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add records one more failure of op. A new entry starts at retryCount 1;
// an existing entry (same ID) is bumped. Once the count would pass
// MaxFailedRetries the entry is removed and Add returns queued=false.
func (q *FailedQueue) Add(ctx context.Context, op models.FailedOperation) (*models.FailedOperation, bool, error) {
	if strings.TrimSpace(op.Account) == "" {
		return nil, false, fmt.Errorf("failed operation requires an account")
	}
	now := q.now().UTC()
	if op.ID == "" {
		op.ID = uuid.Must(uuid.NewV7()).String()
	}
	op.FailedAt = now

	rec, kept, err := q.store.RecordFailedOperation(ctx, &op, func(retryCount int) (time.Time, bool) {
		if retryCount > models.MaxFailedRetries {
			return time.Time{}, false
		}
		return now.Add(NextRetryDelay(retryCount)), true
	})
	if err != nil {
		return nil, false, err
	}
	op = *rec

	if !kept {
		log.Warn().Str("id", op.ID).Str("account", op.Account).Str("error", op.Error).
			Msg("🗑️ Failed operation dropped after retry ceiling")
		q.bus.Publish(models.EventFailedDropped, "retry", models.PriorityHigh, map[string]interface{}{
			"id": op.ID, "account": op.Account, "error": op.Error,
		})
		return &op, false, nil
	}

	log.Info().Str("id", op.ID).Str("account", op.Account).Int("retryCount", op.RetryCount).
		Time("nextRetryAt", op.NextRetryAt).Msg("Failed operation queued")
	q.bus.Publish(models.EventFailedQueued, "retry", models.PriorityNormal, map[string]interface{}{
		"id": op.ID, "account": op.Account, "retryCount": op.RetryCount,
		"nextRetryAt": op.NextRetryAt,
	})
	return &op, true, nil
}

// GetRetryablePosts returns entries whose nextRetryAt has passed.
func (q *FailedQueue) GetRetryablePosts(ctx context.Context) ([]models.FailedOperation, error) {
	ops, err := q.store.DueFailedOperations(ctx, q.now().UTC())
	if err != nil {
		return nil, err
	}
	out := ops[:0]
	for _, op := range ops {
		if op.RetryCount <= models.MaxFailedRetries {
			out = append(out, op)
		}
	}
	return out, nil
}

// Remove deletes an entry after a successful retry.
func (q *FailedQueue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteFailedOperation(ctx, id); err != nil && !store.IsNotFound(err) {
		return err
	}
	return nil
}

// List returns every queued entry.
func (q *FailedQueue) List(ctx context.Context) ([]models.FailedOperation, error) {
	return q.store.ListFailedOperations(ctx)
}
