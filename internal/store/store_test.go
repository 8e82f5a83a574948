package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/failures"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/remote"
)

var scenarioKey = EventKey{UserID: "u1", Start: 0, End: 86_400_000}

type eventHarness struct {
	src       *memEvents
	remote    *fakeRemote
	clock     *fakeClock
	failures  failures.Store
	validator *Validator
	store     *Store[EventKey, []domain.Event]
}

func newEventHarness(t *testing.T) *eventHarness {
	t.Helper()
	h := &eventHarness{
		src:      newMemEvents(),
		remote:   &fakeRemote{},
		clock:    newFakeClock(),
		failures: failures.NewMemory(),
	}
	h.validator = NewValidator(NewTimestampTracker(), "event", EventMaxAge)
	s, err := New[EventKey, []domain.Event]("events", h.remote.fetchRange, h.src.rangeSource(),
		WithValidator[EventKey, []domain.Event](h.validator),
		WithBookkeeper[EventKey, []domain.Event](NewBookkeeper[EventKey](h.failures, nil)),
		WithClock[EventKey, []domain.Event](h.clock.Now),
	)
	require.NoError(t, err)
	h.store = s
	return h
}

func TestNewRequiresFetcherAndReader(t *testing.T) {
	_, err := New[EventKey, []domain.Event]("x", nil, newMemEvents().rangeSource())
	require.Error(t, err)
	_, err = New[EventKey, []domain.Event]("x", (&fakeRemote{}).fetchRange, SourceOfTruth[EventKey, []domain.Event]{})
	require.Error(t, err)
}

func TestScenariosReadThroughLifecycle(t *testing.T) {
	h := newEventHarness(t)
	h.remote.set([]domain.Event{e1, e2}, nil)

	// A: never fetched, so the empty local value is followed by a fetch.
	ctx, cancel := context.WithCancel(context.Background())
	stream := h.store.Observe(ctx, scenarioKey, false)
	first := next(t, stream)
	require.Equal(t, KindData, first.Kind)
	require.Equal(t, OriginLocal, first.Origin)
	require.Empty(t, first.Value)
	require.Equal(t, KindLoading, next(t, stream).Kind)
	fresh := next(t, stream)
	require.Equal(t, KindData, fresh.Kind)
	require.Equal(t, OriginRemote, fresh.Origin)
	require.Len(t, fresh.Value, 2)
	require.Equal(t, "e1", fresh.Value[0].ID)
	require.Equal(t, "e2", fresh.Value[1].ID)
	stored, ok := h.src.get("e2")
	require.True(t, ok)
	require.Equal(t, "u1", stored.UserID)
	requireQuiet(t, stream)
	cancel()
	requireClosed(t, stream)
	require.Equal(t, int32(1), h.remote.calls.Load())

	// B: 30 minutes later the 1h window has not elapsed.
	h.clock.Advance(30 * time.Minute)
	ctx, cancel = context.WithCancel(context.Background())
	stream = h.store.Observe(ctx, scenarioKey, false)
	cached := next(t, stream)
	require.Equal(t, KindData, cached.Kind)
	require.Len(t, cached.Value, 2)
	requireQuiet(t, stream)
	cancel()
	requireClosed(t, stream)
	require.Equal(t, int32(1), h.remote.calls.Load())

	// C: 2 hours later the refetch fails; stale data is served without error.
	h.clock.Advance(90 * time.Minute)
	h.remote.set(nil, &remote.TransportError{Kind: remote.KindServerError, Op: "fetch_events", Status: 503})
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	stream = h.store.Observe(ctx, scenarioKey, false)
	require.Len(t, next(t, stream).Value, 2)
	require.Equal(t, KindLoading, next(t, stream).Kind)
	degraded := next(t, stream)
	require.Equal(t, KindData, degraded.Kind)
	require.Len(t, degraded.Value, 2)
	requireQuiet(t, stream)
	require.Equal(t, int32(2), h.remote.calls.Load())

	records, err := h.failures.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, records, "read failures never create failure records")
}

func TestObserveErrorsWhenNothingCached(t *testing.T) {
	h := newEventHarness(t)
	h.remote.set(nil, &remote.TransportError{Kind: remote.KindNoInternet, Op: "fetch_events"})

	stream := h.store.Observe(context.Background(), scenarioKey, true)
	require.Equal(t, KindData, next(t, stream).Kind)
	require.Equal(t, KindLoading, next(t, stream).Kind)
	res := next(t, stream)
	require.Equal(t, KindError, res.Kind)
	require.ErrorIs(t, res.Err, domain.ErrNoInternet)
	requireClosed(t, stream)

	_, err := h.store.Get(context.Background(), scenarioKey)
	require.ErrorIs(t, err, domain.ErrNoInternet)
}

func TestObserveReemitsLocalChanges(t *testing.T) {
	h := newEventHarness(t)
	h.remote.set([]domain.Event{e1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := h.store.Observe(ctx, scenarioKey, false)
	next(t, stream)
	next(t, stream)
	require.Len(t, next(t, stream).Value, 1)

	added := e2
	added.UserID = "u1"
	require.NoError(t, h.src.upsert(added))
	changed := next(t, stream)
	require.Equal(t, OriginLocal, changed.Origin)
	require.Len(t, changed.Value, 2)

	// Writes outside the key's range do not produce duplicate emissions.
	outside := domain.Event{ID: "far", UserID: "u1", CalendarID: "c1", Title: "x", StartTime: 99_000_000, EndTime: 99_000_001}
	require.NoError(t, h.src.upsert(outside))
	requireQuiet(t, stream)
}

func TestConcurrentObserversShareOneFetch(t *testing.T) {
	h := newEventHarness(t)
	h.remote.set([]domain.Event{e1, e2}, nil)
	h.remote.gate = make(chan struct{})

	const observers = 8
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streams := make([]<-chan Response[[]domain.Event], observers)
	for i := range streams {
		streams[i] = h.store.Observe(ctx, scenarioKey, true)
	}
	for _, s := range streams {
		require.Equal(t, KindData, next(t, s).Kind)
		require.Equal(t, KindLoading, next(t, s).Kind)
	}
	require.Eventually(t, func() bool { return h.store.Pending(scenarioKey) == observers },
		2*time.Second, 5*time.Millisecond)
	close(h.remote.gate)

	var want []domain.Event
	for i, s := range streams {
		res := next(t, s)
		require.Equal(t, KindData, res.Kind)
		if i == 0 {
			want = res.Value
		}
		require.Equal(t, want, res.Value)
	}
	require.Len(t, want, 2)
	require.Equal(t, int32(1), h.remote.calls.Load())
	require.Equal(t, 0, h.store.Pending(scenarioKey))
}

func TestFetchCancelledWhenLastWaiterLeaves(t *testing.T) {
	h := newEventHarness(t)
	h.remote.gate = make(chan struct{})

	var fetchCtx atomic.Pointer[context.Context]
	fetcher := func(ctx context.Context, key EventKey) ([]domain.Event, error) {
		fetchCtx.Store(&ctx)
		return h.remote.fetchRange(ctx, key)
	}
	s, err := New[EventKey, []domain.Event]("events", fetcher, h.src.rangeSource(),
		WithValidator[EventKey, []domain.Event](h.validator))
	require.NoError(t, err)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ctx := range []context.Context{ctx1, ctx2} {
		wg.Add(1)
		go func(i int, ctx context.Context) {
			defer wg.Done()
			_, errs[i] = s.Get(ctx, scenarioKey)
		}(i, ctx)
	}
	require.Eventually(t, func() bool {
		return s.Pending(scenarioKey) == 2 && fetchCtx.Load() != nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel1()
	require.Eventually(t, func() bool { return s.Pending(scenarioKey) == 1 }, 2*time.Second, 5*time.Millisecond)
	inflight := *fetchCtx.Load()
	select {
	case <-inflight.Done():
		t.Fatal("fetch cancelled while a waiter remains")
	case <-time.After(30 * time.Millisecond):
	}

	cancel2()
	select {
	case <-inflight.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fetch not cancelled after last waiter left")
	}
	wg.Wait()
	require.ErrorIs(t, errs[0], context.Canceled)
	require.ErrorIs(t, errs[1], context.Canceled)
	require.Equal(t, 0, s.Pending(scenarioKey))

	// The next caller starts a new fetch instead of joining the dead one.
	h.remote.set([]domain.Event{e1}, nil)
	h.remote.mu.Lock()
	h.remote.gate = nil
	h.remote.mu.Unlock()
	got, err := s.Get(context.Background(), scenarioKey)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int32(2), h.remote.calls.Load())
}

func TestFailedWriteThroughRecordsNoTimestamp(t *testing.T) {
	h := newEventHarness(t)
	h.remote.set([]domain.Event{e1}, nil)
	h.src.writeErr = &persist.StorageError{Op: "upsert events", Err: errors.New("database or disk is full")}

	_, err := h.store.Get(context.Background(), scenarioKey)
	require.ErrorIs(t, err, domain.ErrDatabase)
	_, ok := h.validator.LastFetch(scenarioKey.CacheKey())
	require.False(t, ok)

	h.src.writeErr = nil
	got, err := h.store.Get(context.Background(), scenarioKey)
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, ok = h.validator.LastFetch(scenarioKey.CacheKey())
	require.True(t, ok)
}

func TestRefreshForcesFetchAndInvalidateMakesStale(t *testing.T) {
	h := newEventHarness(t)
	h.remote.set([]domain.Event{e1}, nil)
	ctx := context.Background()

	_, err := h.store.Get(ctx, scenarioKey)
	require.NoError(t, err)
	_, err = h.store.Get(ctx, scenarioKey)
	require.NoError(t, err)
	require.Equal(t, int32(1), h.remote.calls.Load())

	h.remote.set([]domain.Event{e1, e2}, nil)
	got, err := h.store.Refresh(ctx, scenarioKey)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int32(2), h.remote.calls.Load())

	h.store.Invalidate(scenarioKey)
	_, err = h.store.Get(ctx, scenarioKey)
	require.NoError(t, err)
	require.Equal(t, int32(3), h.remote.calls.Load())

	// Refresh with local data degrades to the local value.
	h.remote.set(nil, &remote.TransportError{Kind: remote.KindTimeout, Op: "fetch_events"})
	got, err = h.store.Refresh(ctx, scenarioKey)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

// singleHarness models the mutable single-event store.
type singleHarness struct {
	src      *memEvents
	clock    *fakeClock
	failures failures.Store
	keeper   *Bookkeeper[SingleEventKey]
	pushErr  atomic.Pointer[error]
	pushes   atomic.Int32
	fetches  atomic.Int32
	store    *Store[SingleEventKey, domain.Event]
}

func newSingleHarness(t *testing.T, opts ...Option[SingleEventKey, domain.Event]) *singleHarness {
	t.Helper()
	h := &singleHarness{src: newMemEvents(), clock: newFakeClock(), failures: failures.NewMemory()}
	h.keeper = NewBookkeeper[SingleEventKey](h.failures, nil)
	fetcher := func(_ context.Context, key SingleEventKey) (domain.Event, error) {
		h.fetches.Add(1)
		ev, ok := h.src.get(key.EventID)
		if !ok {
			return domain.Event{}, persist.ErrNotFound
		}
		return ev, nil
	}
	push := func(context.Context, SingleEventKey) error {
		h.pushes.Add(1)
		if p := h.pushErr.Load(); p != nil {
			return *p
		}
		return nil
	}
	all := append([]Option[SingleEventKey, domain.Event]{
		WithBookkeeper[SingleEventKey, domain.Event](h.keeper),
		WithClock[SingleEventKey, domain.Event](h.clock.Now),
		WithUpdater[SingleEventKey, domain.Event](Updater[SingleEventKey, domain.Event]{
			Post:   func(ctx context.Context, key SingleEventKey, _ domain.Event) error { return push(ctx, key) },
			Delete: push,
		}),
	}, opts...)
	s, err := New[SingleEventKey, domain.Event]("single_event", fetcher, h.src.singleSource(), all...)
	require.NoError(t, err)
	h.store = s
	return h
}

func (h *singleHarness) failPushes(err error) {
	if err == nil {
		h.pushErr.Store(nil)
		return
	}
	h.pushErr.Store(&err)
}

func TestWriteKeepsLocalStateWhenSyncFails(t *testing.T) {
	h := newSingleHarness(t)
	ctx := context.Background()
	key := SingleEventKey{EventID: "ev1"}
	updated := domain.Event{ID: "ev1", CalendarID: "c1", Title: "Updated", StartTime: 10, EndTime: 20, ReminderMinutes: []int{15}}

	h.failPushes(&remote.TransportError{Kind: remote.KindNoInternet, Op: "push_event"})
	require.NoError(t, h.store.Write(ctx, key, updated))

	stored, ok := h.src.get("ev1")
	require.True(t, ok)
	require.Equal(t, updated, stored)

	ts, ok := h.keeper.LastFailedSync(ctx, key)
	require.True(t, ok)
	require.Equal(t, h.clock.Now().UnixMilli(), ts.UnixMilli())
	rec, ok := h.keeper.Record(ctx, key)
	require.True(t, ok)
	require.Equal(t, 1, rec.FailureCount)
	require.Equal(t, failures.KeyTypeSingleEvent, rec.KeyType)
	require.Contains(t, rec.LastErrorMessage, "no_internet")

	// A successful retry clears the record.
	h.failPushes(nil)
	require.NoError(t, h.store.Write(ctx, key, updated))
	_, ok = h.keeper.LastFailedSync(ctx, key)
	require.False(t, ok)
}

func TestWriteReturnsLocalFailure(t *testing.T) {
	h := newSingleHarness(t)
	h.src.writeErr = &persist.StorageError{Op: "upsert events", Err: errors.New("disk full")}
	err := h.store.Write(context.Background(), SingleEventKey{EventID: "ev1"}, domain.Event{ID: "ev1"})
	require.ErrorIs(t, err, domain.ErrDatabase)
	require.Equal(t, int32(0), h.pushes.Load(), "nothing to push when the local write failed")
}

func TestReadRetriesPendingSyncBeforeFetching(t *testing.T) {
	h := newSingleHarness(t)
	ctx := context.Background()
	key := SingleEventKey{EventID: "ev1"}
	ev := domain.Event{ID: "ev1", CalendarID: "c1", Title: "Local", StartTime: 1, EndTime: 2, ReminderMinutes: []int{}}

	h.failPushes(errors.New("offline"))
	require.NoError(t, h.store.Write(ctx, key, ev))
	require.Equal(t, int32(1), h.pushes.Load())

	// Still failing: the read serves local state and skips the fetch.
	got, err := h.store.Refresh(ctx, key)
	require.NoError(t, err)
	require.Equal(t, ev, got)
	require.Equal(t, int32(2), h.pushes.Load())
	require.Equal(t, int32(0), h.fetches.Load())
	rec, ok := h.keeper.Record(ctx, key)
	require.True(t, ok)
	require.Equal(t, 2, rec.FailureCount)

	// Recovered: the retry clears the record and the fetch proceeds.
	h.failPushes(nil)
	_, err = h.store.Refresh(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int32(3), h.pushes.Load())
	require.Equal(t, int32(1), h.fetches.Load())
	_, ok = h.keeper.Record(ctx, key)
	require.False(t, ok)
}

func TestMaxSyncAttemptsStopsRetrying(t *testing.T) {
	h := newSingleHarness(t, WithMaxSyncAttempts[SingleEventKey, domain.Event](2))
	ctx := context.Background()
	key := SingleEventKey{EventID: "ev1"}
	h.failPushes(errors.New("offline"))

	require.NoError(t, h.store.Write(ctx, key, domain.Event{ID: "ev1", Title: "a", ReminderMinutes: []int{}}))
	require.NoError(t, h.store.Write(ctx, key, domain.Event{ID: "ev1", Title: "b", ReminderMinutes: []int{}}))
	pushes := h.pushes.Load()

	_, err := h.store.Refresh(ctx, key)
	require.NoError(t, err)
	require.Equal(t, pushes, h.pushes.Load(), "exhausted budget is not retried")
	require.Equal(t, int32(1), h.fetches.Load())
}

func TestDeleteRemovesLocallyAndTracksSync(t *testing.T) {
	h := newSingleHarness(t)
	ctx := context.Background()
	key := SingleEventKey{EventID: "ev1"}
	require.NoError(t, h.store.Write(ctx, key, domain.Event{ID: "ev1", Title: "x", ReminderMinutes: []int{}}))

	h.failPushes(errors.New("offline"))
	require.NoError(t, h.store.Delete(ctx, key))
	_, ok := h.src.get("ev1")
	require.False(t, ok)
	rec, ok := h.keeper.Record(ctx, key)
	require.True(t, ok)
	require.Equal(t, 1, rec.FailureCount)

	// The pending delete is retried on the next read.
	h.failPushes(nil)
	_, err := h.store.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, ok = h.keeper.Record(ctx, key)
	require.False(t, ok)
}

type countingMetrics struct {
	mu        sync.Mutex
	fetches   map[string]int
	coalesced int
	freshness map[string]int
	syncFails int
	writes    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{fetches: map[string]int{}, freshness: map[string]int{}, writes: map[string]int{}}
}

func (m *countingMetrics) ObserveFetch(_ string, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[outcome]++
}

func (m *countingMetrics) IncCoalesced(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coalesced++
}

func (m *countingMetrics) IncFreshness(_ string, decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freshness[decision]++
}

func (m *countingMetrics) IncSyncFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncFails++
}

func (m *countingMetrics) IncWrite(_ string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[outcome]++
}

func TestStoreReportsMetrics(t *testing.T) {
	m := newCountingMetrics()
	h := newSingleHarness(t, WithMetrics[SingleEventKey, domain.Event](m))
	ctx := context.Background()
	key := SingleEventKey{EventID: "ev1"}

	_, err := h.store.Get(ctx, key)
	require.Error(t, err)
	require.NoError(t, h.src.upsert(domain.Event{ID: "ev1", Title: "x"}))
	_, err = h.store.Refresh(ctx, key)
	require.NoError(t, err)
	h.failPushes(errors.New("offline"))
	require.NoError(t, h.store.Write(ctx, key, domain.Event{ID: "ev1", Title: "y"}))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, 1, m.fetches["error"])
	require.Equal(t, 1, m.fetches["success"])
	require.Equal(t, 1, m.freshness["stale"])
	require.Equal(t, 1, m.freshness["forced"])
	require.Equal(t, 1, m.syncFails)
	require.Equal(t, 1, m.writes["pending"])
}
