package eventbus_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/postpilot/internal/eventbus"
	"github.com/agentoven/postpilot/pkg/models"
)

func emit(t *testing.T, b *eventbus.Bus, typ, source string, p models.Priority) models.Event {
	t.Helper()
	e, err := b.Emit(models.Event{Type: typ, Source: source, Priority: p})
	if err != nil {
		t.Fatalf("Emit(%s) error = %v", typ, err)
	}
	return e
}

func TestEmit_FillsDefaults(t *testing.T) {
	b := eventbus.New()
	defer b.Close()

	e := emit(t, b, "post.published", "publisher", "")
	if e.ID == "" {
		t.Error("Emit() did not assign an id")
	}
	if e.Timestamp.IsZero() {
		t.Error("Emit() did not assign a timestamp")
	}
	if e.Priority != models.PriorityNormal {
		t.Errorf("Priority = %q, want normal", e.Priority)
	}
}

func TestEmit_RejectsInvalid(t *testing.T) {
	b := eventbus.New()
	defer b.Close()

	if _, err := b.Emit(models.Event{Type: "x"}); err != eventbus.ErrInvalidEvent {
		t.Errorf("Emit(no source) error = %v, want ErrInvalidEvent", err)
	}
	if _, err := b.Emit(models.Event{Source: "x"}); err != eventbus.ErrInvalidEvent {
		t.Errorf("Emit(no type) error = %v, want ErrInvalidEvent", err)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b := eventbus.New(eventbus.WithCapacity(3))
	defer b.Close()

	for i := 0; i < 5; i++ {
		emit(t, b, fmt.Sprintf("t%d", i), "test", models.PriorityLow)
	}

	recent := b.GetRecentEvents(0, models.EventFilter{})
	if len(recent) != 3 {
		t.Fatalf("log size = %d, want 3", len(recent))
	}
	want := []string{"t4", "t3", "t2"}
	for i, e := range recent {
		if e.Type != want[i] {
			t.Errorf("recent[%d] = %s, want %s", i, e.Type, want[i])
		}
	}
}

func TestGetRecentEvents_FilterAndCount(t *testing.T) {
	b := eventbus.New()
	defer b.Close()

	emit(t, b, "stock.refilled", "stock", models.PriorityNormal)
	emit(t, b, "chain.started", "tracer", models.PriorityLow)
	emit(t, b, "stock.claimed", "stock", models.PriorityNormal)
	emit(t, b, "chain.ended", "tracer", models.PriorityLow)

	bySource := b.GetRecentEvents(10, models.EventFilter{Source: "stock"})
	if len(bySource) != 2 || bySource[0].Type != "stock.claimed" {
		t.Errorf("source filter = %+v", bySource)
	}

	byPrefix := b.GetRecentEvents(1, models.EventFilter{Type: "chain.*"})
	if len(byPrefix) != 1 || byPrefix[0].Type != "chain.ended" {
		t.Errorf("prefix filter with count = %+v", byPrefix)
	}
}

func TestSubscribe_FIFOAndFilter(t *testing.T) {
	b := eventbus.New()
	defer b.Close()

	sub := b.Subscribe(models.EventFilter{Source: "stock"})
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		emit(t, b, fmt.Sprintf("s%d", i), "stock", models.PriorityNormal)
		emit(t, b, "noise", "other", models.PriorityNormal)
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-sub.C:
			if want := fmt.Sprintf("s%d", i); e.Type != want {
				t.Errorf("delivery %d = %s, want %s", i, e.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected extra delivery %+v", e)
	default:
	}
}

func TestSubscribe_SlowSubscriberDrops(t *testing.T) {
	b := eventbus.New(eventbus.WithSubscriberBuffer(2))
	defer b.Close()

	sub := b.Subscribe(models.EventFilter{})
	for i := 0; i < 5; i++ {
		emit(t, b, "burst", "test", models.PriorityNormal)
	}
	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := b.GetStats().Dropped; got != 3 {
		t.Errorf("stats dropped = %d, want 3", got)
	}
	sub.Unsubscribe()
	if _, ok := <-sub.C; !ok {
		t.Error("expected buffered event before channel close")
	}
}

func TestGetStatsAndClear(t *testing.T) {
	b := eventbus.New()
	defer b.Close()

	emit(t, b, "a", "x", models.PriorityHigh)
	emit(t, b, "a", "y", models.PriorityUrgent)
	emit(t, b, "b", "x", models.PriorityHigh)

	stats := b.GetStats()
	if stats.Total != 3 || stats.ByType["a"] != 2 || stats.BySource["x"] != 2 || stats.ByPriority[models.PriorityHigh] != 2 {
		t.Errorf("GetStats() = %+v", stats)
	}

	if n := b.ClearLog(); n != 3 {
		t.Errorf("ClearLog() = %d, want 3", n)
	}
	if got := b.GetStats().Total; got != 0 {
		t.Errorf("Total after clear = %d, want 0", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")

	b := eventbus.New(eventbus.WithSnapshot(path), eventbus.WithCapacity(10))
	emit(t, b, "persisted", "test", models.PriorityNormal)
	b.Close()

	restored := eventbus.New(eventbus.WithSnapshot(path), eventbus.WithCapacity(10))
	defer restored.Close()
	got := restored.GetRecentEvents(0, models.EventFilter{})
	if len(got) != 1 || got[0].Type != "persisted" {
		t.Errorf("restored log = %+v", got)
	}
}

type recordingSink struct{ events []models.Event }

func (s *recordingSink) Write(e models.Event) { s.events = append(s.events, e) }

func TestSinkReceivesEvents(t *testing.T) {
	sink := &recordingSink{}
	b := eventbus.New(eventbus.WithSink(sink))
	defer b.Close()

	emit(t, b, "one", "test", models.PriorityNormal)
	emit(t, b, "two", "test", models.PriorityNormal)
	if len(sink.events) != 2 || sink.events[1].Type != "two" {
		t.Errorf("sink events = %+v", sink.events)
	}
}
