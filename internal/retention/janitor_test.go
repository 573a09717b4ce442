package retention

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeReaper struct{ gotTTL time.Duration }

func (f *fakeReaper) ReapOrphans(maxAge time.Duration) int {
	f.gotTTL = maxAge
	return 2
}

type fakeCleaner struct{ err error }

func (f fakeCleaner) Cleanup(context.Context) (int, error) { return 1, f.err }

type fakePurger struct{ gotAge time.Duration }

func (f *fakePurger) PurgeUsed(_ context.Context, olderThan time.Duration) (int, error) {
	f.gotAge = olderThan
	return 4, nil
}

func TestRunCycle(t *testing.T) {
	reaper, purger := &fakeReaper{}, &fakePurger{}
	j := NewJanitor(reaper, fakeCleaner{}, purger, time.Hour,
		WithOrphanTTL(3*time.Hour), WithUsedRetention(48*time.Hour))

	stats := j.RunCycle(context.Background())
	if stats.ChainsReaped != 2 || stats.SessionsExpired != 1 || stats.StockPurged != 4 {
		t.Errorf("RunCycle() = %+v", stats)
	}
	if reaper.gotTTL != 3*time.Hour {
		t.Errorf("orphan ttl = %v, want 3h", reaper.gotTTL)
	}
	if purger.gotAge != 48*time.Hour {
		t.Errorf("used retention = %v, want 48h", purger.gotAge)
	}
}

func TestRunCycle_FailingStepDoesNotStopOthers(t *testing.T) {
	purger := &fakePurger{}
	j := NewJanitor(nil, fakeCleaner{err: errors.New("db locked")}, purger, 0)

	stats := j.RunCycle(context.Background())
	if len(stats.Errors) != 1 {
		t.Errorf("Errors = %v, want 1", stats.Errors)
	}
	if stats.StockPurged != 4 || purger.gotAge != DefaultUsedRetention {
		t.Errorf("stock step skipped after session failure: %+v", stats)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	reaper := &fakeReaper{}
	j := NewJanitor(reaper, nil, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
