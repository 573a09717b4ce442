package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/models"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newQueue(t *testing.T) (*FailedQueue, *clock) {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewFailedQueue(st, nil, WithQueueClock(c.Now)), c
}

func TestNextRetryDelay(t *testing.T) {
	want := []time.Duration{5 * time.Minute, 15 * time.Minute, 45 * time.Minute}
	for i, w := range want {
		if got := NextRetryDelay(i + 1); got != w {
			t.Errorf("NextRetryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestFailedQueue_RetryCountNeverExceedsCeiling(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	op, queued, err := q.Add(ctx, models.FailedOperation{Account: "liver", Content: "hello", Error: "429"})
	if err != nil || !queued {
		t.Fatalf("Add() = %v, %v", queued, err)
	}
	if op.RetryCount != 1 || !op.NextRetryAt.Equal(c.t.Add(5*time.Minute)) {
		t.Errorf("first Add() = count %d next %v", op.RetryCount, op.NextRetryAt)
	}

	for want := 2; want <= models.MaxFailedRetries; want++ {
		op, queued, err = q.Add(ctx, *op)
		if err != nil || !queued || op.RetryCount != want {
			t.Fatalf("Add() #%d = count %d queued %v err %v", want, op.RetryCount, queued, err)
		}
	}
	if !op.NextRetryAt.Equal(c.t.Add(45 * time.Minute)) {
		t.Errorf("third NextRetryAt = %v, want +45m", op.NextRetryAt)
	}

	if _, queued, err := q.Add(ctx, *op); err != nil || queued {
		t.Errorf("Add() past ceiling = queued %v err %v, want dropped", queued, err)
	}

	c.t = c.t.Add(24 * time.Hour)
	due, err := q.GetRetryablePosts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("GetRetryablePosts() = %d entries after drop, want 0", len(due))
	}
	all, _ := q.List(ctx)
	for _, e := range all {
		if e.RetryCount > models.MaxFailedRetries {
			t.Errorf("entry %s has retryCount %d", e.ID, e.RetryCount)
		}
	}
}

func TestFailedQueue_ConcurrentBumpsAreNotLost(t *testing.T) {
	st, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := NewFailedQueue(st, nil)
	ctx := context.Background()

	first, _, err := q.Add(ctx, models.FailedOperation{Account: "liver", Content: "hello", Error: "timeout"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	counts := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, queued, err := q.Add(ctx, models.FailedOperation{ID: first.ID, Account: "liver", Error: "timeout"})
			if err != nil || !queued {
				t.Errorf("Add() = queued %v err %v", queued, err)
				return
			}
			counts <- op.RetryCount
		}()
	}
	wg.Wait()
	close(counts)

	seen := map[int]bool{}
	for c := range counts {
		seen[c] = true
	}
	if !seen[2] || !seen[3] {
		t.Errorf("concurrent bumps returned counts %v, want 2 and 3", seen)
	}
	stored, err := st.GetFailedOperation(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetFailedOperation() error = %v", err)
	}
	if stored.RetryCount != 3 || stored.Content != "hello" {
		t.Errorf("stored = count %d content %q, want 3 and original content", stored.RetryCount, stored.Content)
	}
}

func TestFailedQueue_DueOnlyAfterNextRetryAt(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Add(ctx, models.FailedOperation{Account: "chatre1", Content: "x"}); err != nil {
		t.Fatal(err)
	}

	due, _ := q.GetRetryablePosts(ctx)
	if len(due) != 0 {
		t.Errorf("entry due immediately: %+v", due)
	}

	c.t = c.t.Add(5 * time.Minute)
	due, _ = q.GetRetryablePosts(ctx)
	if len(due) != 1 {
		t.Errorf("GetRetryablePosts() at nextRetryAt = %d, want 1", len(due))
	}
}

func TestFailedQueue_RequiresAccount(t *testing.T) {
	q, _ := newQueue(t)
	if _, _, err := q.Add(context.Background(), models.FailedOperation{}); err == nil {
		t.Error("Add() without account succeeded")
	}
}

type scriptedRetrier struct {
	fail map[string]bool
	seen []string
}

func (r *scriptedRetrier) Retry(_ context.Context, op models.FailedOperation) error {
	r.seen = append(r.seen, op.Content)
	if r.fail[op.Content] {
		return errors.New("still rate limited")
	}
	return nil
}

func TestSweeper_RunOnce(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	q.Add(ctx, models.FailedOperation{Account: "liver", Content: "ok"})
	q.Add(ctx, models.FailedOperation{Account: "liver", Content: "bad"})
	last, _, _ := q.Add(ctx, models.FailedOperation{Account: "liver", Content: "doomed"})
	q.Add(ctx, *last)
	q.Add(ctx, *last)

	r := &scriptedRetrier{fail: map[string]bool{"bad": true, "doomed": true}}
	s := NewSweeper(q, r, time.Minute)

	c.t = c.t.Add(time.Hour)
	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Due != 3 || res.Succeeded != 1 || res.Requeued != 1 || res.Dropped != 1 {
		t.Errorf("RunOnce() = %+v, want due 3 succeeded 1 requeued 1 dropped 1", res)
	}

	left, _ := q.List(ctx)
	if len(left) != 1 || left[0].Content != "bad" || left[0].RetryCount != 2 {
		t.Errorf("queue after sweep = %+v", left)
	}
	if left[0].Error != "still rate limited" {
		t.Errorf("requeued error = %q", left[0].Error)
	}
}
