// Package eventbus is the in-process publish/subscribe backbone.
//
// Every emitted event is appended to a capped ring log (oldest evicted
// first) and fanned out to matching subscriptions. Delivery is FIFO per
// subscriber and at-most-once: a subscriber whose buffer is full loses the
// event instead of blocking the emitter. Priority is informational only.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultCapacity         = 1000
	defaultSubscriberBuffer = 64
)

// ErrInvalidEvent is returned by Emit for events missing a type or source.
var ErrInvalidEvent = errors.New("event requires type and source")

// Sink receives every event after it has been appended to the log.
// Write must not block; sinks that do I/O buffer internally.
type Sink interface {
	Write(e models.Event)
}

// Option customizes Bus construction.
type Option func(*Bus)

// WithCapacity sets the ring log size.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithSubscriberBuffer overrides the buffered channel size per subscriber.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subBuffer = n
		}
	}
}

// WithSnapshot persists the log to path (newline-free JSON).
func WithSnapshot(path string) Option {
	return func(b *Bus) {
		b.snapshotPath = path
	}
}

// WithSink attaches a sink.
func WithSink(s Sink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// Bus is the event bus. The zero value is not usable; call New.
type Bus struct {
	mu        sync.RWMutex
	entries   []models.Event
	capacity  int
	subBuffer int
	subs      map[*Subscription]struct{}
	sinks     []Sink
	dropped   atomic.Int64
	now       func() time.Time

	snapshotPath string
	snap         *store.Snapshotter
}

// New creates a bus and restores the persisted log when a snapshot is set.
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity:  defaultCapacity,
		subBuffer: defaultSubscriberBuffer,
		subs:      make(map[*Subscription]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.entries = make([]models.Event, 0, b.capacity)
	b.snap = store.NewSnapshotter(b.snapshotPath, 250*time.Millisecond, b.snapshotSource)

	var restored []models.Event
	if b.snap.Load(&restored) {
		if len(restored) > b.capacity {
			restored = restored[len(restored)-b.capacity:]
		}
		b.entries = append(b.entries, restored...)
		log.Info().Int("events", len(b.entries)).Str("path", b.snapshotPath).Msg("Event log restored")
	}
	return b
}

func (b *Bus) snapshotSource() interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Event, len(b.entries))
	copy(out, b.entries)
	return out
}

// Emit validates e, fills id/timestamp/priority defaults, appends it to
// the log and delivers it to matching subscribers in emission order.
func (b *Bus) Emit(e models.Event) (models.Event, error) {
	if e.Type == "" || e.Source == "" {
		return models.Event{}, ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	if !e.Priority.Valid() {
		e.Priority = models.PriorityNormal
	}

	b.mu.Lock()
	if len(b.entries) >= b.capacity {
		// Drop oldest entry
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, e)

	// Deliver under the lock so every subscriber observes emission order.
	for sub := range b.subs {
		if !sub.filter.Matches(&e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()

	for _, s := range b.sinks {
		s.Write(e)
	}
	b.snap.RequestSave()
	return e, nil
}

// Publish is Emit for callers that only log failures.
func (b *Bus) Publish(eventType, source string, priority models.Priority, data map[string]interface{}) {
	if _, err := b.Emit(models.Event{Type: eventType, Source: source, Priority: priority, Data: data}); err != nil {
		log.Warn().Err(err).Str("type", eventType).Str("source", source).Msg("Event not emitted")
	}
}

// GetRecentEvents returns up to count matching events, most recent first.
// count <= 0 returns every match.
func (b *Bus) GetRecentEvents(count int, filter models.EventFilter) []models.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.Event, 0)
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if !filter.Matches(&e) {
			continue
		}
		out = append(out, e)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

// GetStats returns counts by type, source and priority.
func (b *Bus) GetStats() models.EventStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := models.EventStats{
		Total:       len(b.entries),
		Capacity:    b.capacity,
		ByType:      make(map[string]int),
		BySource:    make(map[string]int),
		ByPriority:  make(map[models.Priority]int),
		Subscribers: len(b.subs),
		Dropped:     b.dropped.Load(),
	}
	for _, e := range b.entries {
		stats.ByType[e.Type]++
		stats.BySource[e.Source]++
		stats.ByPriority[e.Priority]++
	}
	return stats
}

// ClearLog empties the log. Subscriptions are kept.
func (b *Bus) ClearLog() int {
	b.mu.Lock()
	n := len(b.entries)
	b.entries = b.entries[:0]
	b.mu.Unlock()
	b.snap.RequestSave()
	log.Info().Int("cleared", n).Msg("Event log cleared")
	return n
}

// Close flushes the persisted log and closes every subscription.
func (b *Bus) Close() {
	b.snap.Close()
	b.mu.Lock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// ── Subscriptions ───────────────────────────────────────────

// Subscription is one filtered listener. Events arrive on C in emission
// order; C is closed by Unsubscribe.
type Subscription struct {
	C <-chan models.Event

	ch      chan models.Event
	filter  models.EventFilter
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

// Subscribe registers a listener for events matching filter.
func (b *Bus) Subscribe(filter models.EventFilter) *Subscription {
	ch := make(chan models.Event, b.subBuffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
		s.bus.mu.Unlock()
	})
}

// Emitter is the narrow view of the bus that components depend on.
type Emitter interface {
	Publish(eventType, source string, priority models.Priority, data map[string]interface{})
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Publish(string, string, models.Priority, map[string]interface{}) {}
