package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memEvents is an in-memory event table with a change feed.
type memEvents struct {
	mu       sync.Mutex
	rows     map[string]domain.Event
	writeErr error
	subs     map[chan uint64]struct{}
	version  uint64
}

func newMemEvents() *memEvents {
	return &memEvents{rows: make(map[string]domain.Event), subs: make(map[chan uint64]struct{})}
}

func (m *memEvents) notifyLocked() {
	m.version++
	for ch := range m.subs {
		select {
		case ch <- m.version:
		default:
		}
	}
}

func (m *memEvents) watch() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
}

func (m *memEvents) upsert(events ...domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for _, ev := range events {
		m.rows[ev.ID] = ev.Clone()
	}
	m.notifyLocked()
	return nil
}

func (m *memEvents) get(id string) (domain.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.rows[id]
	return ev, ok
}

func (m *memEvents) rangeSource() SourceOfTruth[EventKey, []domain.Event] {
	return SourceOfTruth[EventKey, []domain.Event]{
		Reader: func(_ context.Context, key EventKey) ([]domain.Event, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			out := make([]domain.Event, 0)
			for _, ev := range m.rows {
				if ev.UserID == key.UserID && ev.StartTime <= key.End && ev.EndTime >= key.Start {
					out = append(out, ev.Clone())
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
			return out, nil
		},
		Writer: func(_ context.Context, _ EventKey, events []domain.Event) error {
			return m.upsert(events...)
		},
		Watch: m.watch,
	}
}

func (m *memEvents) singleSource() SourceOfTruth[SingleEventKey, domain.Event] {
	return SourceOfTruth[SingleEventKey, domain.Event]{
		Reader: func(_ context.Context, key SingleEventKey) (domain.Event, error) {
			ev, _ := m.get(key.EventID)
			return ev, nil
		},
		Writer: func(_ context.Context, _ SingleEventKey, ev domain.Event) error {
			return m.upsert(ev)
		},
		Deleter: func(_ context.Context, key SingleEventKey) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.rows, key.EventID)
			m.notifyLocked()
			return nil
		},
		Watch: m.watch,
	}
}

// fakeRemote serves a fixed result and counts calls. When gate is set every
// call blocks until it is closed or the fetch context ends.
type fakeRemote struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
	gate   chan struct{}
	calls  atomic.Int32
}

func (f *fakeRemote) set(events []domain.Event, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events, f.err = events, err
}

func (f *fakeRemote) fetchRange(ctx context.Context, key EventKey) ([]domain.Event, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Event, len(f.events))
	for i, ev := range f.events {
		ev.UserID = key.UserID
		out[i] = ev
	}
	return out, nil
}

func next[V any](t *testing.T, ch <-chan Response[V]) Response[V] {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
	}
	panic("unreachable")
}

func requireQuiet[V any](t *testing.T, ch <-chan Response[V]) {
	t.Helper()
	select {
	case r, ok := <-ch:
		if ok {
			t.Fatalf("unexpected emission: %+v", r)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func requireClosed[V any](t *testing.T, ch <-chan Response[V]) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected closed stream")
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

var (
	e1 = domain.Event{ID: "e1", CalendarID: "c1", Title: "Standup", StartTime: 1_000, EndTime: 2_000, ReminderMinutes: []int{}}
	e2 = domain.Event{ID: "e2", CalendarID: "c1", Title: "Review", StartTime: 50_000, EndTime: 60_000, ReminderMinutes: []int{}}
)
