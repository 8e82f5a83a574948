// Package store implements the offline-first cache-aside store: reads are
// served from the local source of truth and refreshed from a remote fetcher
// when stale; writes land locally first and are pushed upstream with failed
// pushes tracked by a Bookkeeper.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/l0p7/calsync/internal/errmap"
)

// Fetcher loads the authoritative value for key from the remote source.
type Fetcher[K Key, V any] func(ctx context.Context, key K) (V, error)

// SourceOfTruth is the durable local copy. Reader is required; Writer is
// required for fetch write-through and Write. Watch, when set, returns a
// change feed and its cancel func so Observe can re-emit on local changes.
type SourceOfTruth[K Key, V any] struct {
	Reader  func(ctx context.Context, key K) (V, error)
	Writer  func(ctx context.Context, key K, value V) error
	Deleter func(ctx context.Context, key K) error
	Watch   func() (<-chan uint64, func())
}

// Updater pushes local mutations upstream. Either func may be nil.
type Updater[K Key, V any] struct {
	Post   func(ctx context.Context, key K, value V) error
	Delete func(ctx context.Context, key K) error
}

// Store is a cache-aside store for one entity family.
type Store[K Key, V any] struct {
	name            string
	fetcher         Fetcher[K, V]
	sot             SourceOfTruth[K, V]
	validator       FreshnessPolicy
	bookkeeper      *Bookkeeper[K]
	updater         Updater[K, V]
	logger          *slog.Logger
	metrics         Metrics
	mapErr          func(error) error
	now             func() time.Time
	hasData         func(V) bool
	maxSyncAttempts int
	flights         *coalescer[V]
}

// New builds a Store. fetcher and sot.Reader must be non-nil.
func New[K Key, V any](name string, fetcher Fetcher[K, V], sot SourceOfTruth[K, V], opts ...Option[K, V]) (*Store[K, V], error) {
	if fetcher == nil {
		return nil, fmt.Errorf("store %s: fetcher required", name)
	}
	if sot.Reader == nil {
		return nil, fmt.Errorf("store %s: source of truth reader required", name)
	}
	s := &Store[K, V]{
		name:    name,
		fetcher: fetcher,
		sot:     sot,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		mapErr:  errmap.Err,
		now:     time.Now,
		hasData: defaultHasData[V],
		flights: newCoalescer[V](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("agent", "store"), slog.String("store", name))
	return s, nil
}

// Name returns the store name used in logs and metrics.
func (s *Store[K, V]) Name() string { return s.name }

// Observe streams the value of key: the local value first, then a refreshed
// value when refresh is set or the local value is stale, then every local
// change until ctx is done. A failed refresh is reported only when there is
// no local data; the channel closes after an Error or when ctx ends.
func (s *Store[K, V]) Observe(ctx context.Context, key K, refresh bool) <-chan Response[V] {
	out := make(chan Response[V], 1)
	go s.observe(ctx, key, refresh, out)
	return out
}

func (s *Store[K, V]) observe(ctx context.Context, key K, refresh bool, out chan<- Response[V]) {
	defer close(out)

	var changes <-chan uint64
	if s.sot.Watch != nil {
		var unsubscribe func()
		changes, unsubscribe = s.sot.Watch()
		defer unsubscribe()
	}

	current, err := s.sot.Reader(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("local read failed", slog.String("key", key.CacheKey()), slog.Any("error", err))
			send(ctx, out, failed[V](s.mapErr(err)))
		}
		return
	}
	if !send(ctx, out, data(current, OriginLocal)) {
		return
	}

	if s.shouldFetch(ctx, key, current, refresh) {
		if !send(ctx, out, loading[V]()) {
			return
		}
		if _, err := s.fetch(ctx, key); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.hasData(current) {
				send(ctx, out, failed[V](s.mapErr(err)))
				return
			}
			if !send(ctx, out, data(current, OriginLocal)) {
				return
			}
		} else {
			fresh, err := s.sot.Reader(ctx, key)
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, failed[V](s.mapErr(err)))
				}
				return
			}
			current = fresh
			if !send(ctx, out, data(current, OriginRemote)) {
				return
			}
		}
	}

	if changes == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			next, err := s.sot.Reader(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("local re-read failed", slog.String("key", key.CacheKey()), slog.Any("error", err))
				continue
			}
			if reflect.DeepEqual(next, current) {
				continue
			}
			current = next
			if !send(ctx, out, data(current, OriginLocal)) {
				return
			}
		}
	}
}

// Get returns the local value, refreshing it first when stale. A failed
// refresh is returned only when no local data exists.
func (s *Store[K, V]) Get(ctx context.Context, key K) (V, error) {
	return s.load(ctx, key, false)
}

// Refresh forces a fetch for key and returns the settled value. As with Get,
// a failure with local data present yields the local data.
func (s *Store[K, V]) Refresh(ctx context.Context, key K) (V, error) {
	return s.load(ctx, key, true)
}

func (s *Store[K, V]) load(ctx context.Context, key K, force bool) (V, error) {
	var zero V
	current, err := s.sot.Reader(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, s.mapErr(err)
	}
	if !s.shouldFetch(ctx, key, current, force) {
		return current, nil
	}
	if _, err := s.fetch(ctx, key); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if s.hasData(current) {
			return current, nil
		}
		return current, s.mapErr(err)
	}
	fresh, err := s.sot.Reader(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, s.mapErr(err)
	}
	return fresh, nil
}

// shouldFetch retries any pending write-back first, then applies the
// freshness decision. A pending write that still fails blocks the fetch so
// the remote copy does not overwrite unsynced local state.
func (s *Store[K, V]) shouldFetch(ctx context.Context, key K, current V, force bool) bool {
	if !s.retryPending(ctx, key, current) {
		s.metrics.IncFreshness(s.name, "blocked")
		return false
	}
	if force {
		s.metrics.IncFreshness(s.name, "forced")
		return true
	}
	var stale bool
	if s.validator == nil {
		stale = !s.hasData(current)
	} else {
		stale = s.validator.IsStale(key.CacheKey(), s.now(), !s.hasData(current))
	}
	if stale {
		s.metrics.IncFreshness(s.name, "stale")
	} else {
		s.metrics.IncFreshness(s.name, "fresh")
	}
	return stale
}

func (s *Store[K, V]) retryPending(ctx context.Context, key K, current V) bool {
	if s.bookkeeper == nil || (s.updater.Post == nil && s.updater.Delete == nil) {
		return true
	}
	rec, ok := s.bookkeeper.Record(ctx, key)
	if !ok {
		return true
	}
	if s.maxSyncAttempts > 0 && rec.FailureCount >= s.maxSyncAttempts {
		s.logger.Warn("sync attempts exhausted; local change not retried",
			slog.String("key", key.CacheKey()),
			slog.Int("failure_count", rec.FailureCount))
		return true
	}
	s.logger.Info("retrying pending sync",
		slog.String("key", key.CacheKey()),
		slog.Int("failure_count", rec.FailureCount))
	if s.hasData(current) {
		return s.push(ctx, key, current)
	}
	return s.pushDelete(ctx, key)
}

// fetch runs the coalesced remote fetch and writes the result through. The
// fetch timestamp is recorded only after the local write succeeded.
func (s *Store[K, V]) fetch(ctx context.Context, key K) (V, error) {
	cacheKey := key.CacheKey()
	value, shared, err := s.flights.do(ctx, cacheKey, func(fctx context.Context) (V, error) {
		start := s.now()
		v, err := s.fetcher(fctx, key)
		if err != nil {
			s.metrics.ObserveFetch(s.name, "error", s.now().Sub(start))
			s.logger.Warn("fetch failed", slog.String("key", cacheKey), slog.Any("error", err))
			return v, err
		}
		if s.sot.Writer != nil {
			if err := s.sot.Writer(fctx, key, v); err != nil {
				s.metrics.ObserveFetch(s.name, "write_error", s.now().Sub(start))
				s.logger.Error("write-through failed", slog.String("key", cacheKey), slog.Any("error", err))
				return v, err
			}
		}
		if s.validator != nil {
			s.validator.RecordFetch(cacheKey, s.now())
		}
		s.metrics.ObserveFetch(s.name, "success", s.now().Sub(start))
		s.logger.Debug("fetched", slog.String("key", cacheKey))
		return v, nil
	})
	if shared {
		s.metrics.IncCoalesced(s.name)
	}
	return value, err
}

// Write persists value locally and then pushes it upstream. Only a failed
// local write is returned; a failed push is recorded for retry.
func (s *Store[K, V]) Write(ctx context.Context, key K, value V) error {
	if s.sot.Writer == nil {
		return fmt.Errorf("store %s: source of truth is read-only", s.name)
	}
	if err := s.sot.Writer(ctx, key, value); err != nil {
		s.metrics.IncWrite(s.name, "local_error")
		s.logger.Error("local write failed", slog.String("key", key.CacheKey()), slog.Any("error", err))
		return s.mapErr(err)
	}
	if s.push(ctx, key, value) {
		s.metrics.IncWrite(s.name, "synced")
	} else {
		s.metrics.IncWrite(s.name, "pending")
	}
	return nil
}

// Delete removes key locally, invalidates its freshness and pushes the
// deletion upstream with the same bookkeeping as Write.
func (s *Store[K, V]) Delete(ctx context.Context, key K) error {
	if s.sot.Deleter == nil {
		return fmt.Errorf("store %s: source of truth does not support delete", s.name)
	}
	if err := s.sot.Deleter(ctx, key); err != nil {
		s.metrics.IncWrite(s.name, "local_error")
		s.logger.Error("local delete failed", slog.String("key", key.CacheKey()), slog.Any("error", err))
		return s.mapErr(err)
	}
	s.Invalidate(key)
	if s.pushDelete(ctx, key) {
		s.metrics.IncWrite(s.name, "synced")
	} else {
		s.metrics.IncWrite(s.name, "pending")
	}
	return nil
}

// Invalidate forgets the fetch time of key so the next read refetches.
func (s *Store[K, V]) Invalidate(key K) {
	if s.validator != nil {
		s.validator.Invalidate(key.CacheKey())
	}
}

// Pending returns how many callers wait on key's in-flight fetch.
func (s *Store[K, V]) Pending(key K) int {
	return s.flights.pending(key.CacheKey())
}

func (s *Store[K, V]) push(ctx context.Context, key K, value V) bool {
	if s.updater.Post == nil {
		return true
	}
	return s.settle(ctx, key, s.updater.Post(ctx, key, value))
}

func (s *Store[K, V]) pushDelete(ctx context.Context, key K) bool {
	if s.updater.Delete == nil {
		return true
	}
	return s.settle(ctx, key, s.updater.Delete(ctx, key))
}

// settle applies bookkeeping for the outcome of an upstream push.
func (s *Store[K, V]) settle(ctx context.Context, key K, err error) bool {
	if err == nil {
		if s.bookkeeper != nil {
			s.bookkeeper.Clear(ctx, key)
		}
		return true
	}
	s.metrics.IncSyncFailure(s.name)
	s.logger.Warn("sync failed; kept local change",
		slog.String("key", key.CacheKey()),
		slog.Any("error", err))
	if s.bookkeeper != nil {
		// Record the failure even when the caller has already gone away.
		s.bookkeeper.SetLastFailedSync(context.WithoutCancel(ctx), key, s.now(), err.Error())
	}
	return false
}

func send[V any](ctx context.Context, out chan<- Response[V], r Response[V]) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// defaultHasData treats empty slices and maps, and zero values, as absent.
func defaultHasData[V any](v V) bool {
	rv := reflect.ValueOf(&v).Elem()
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return !rv.IsZero()
	}
}
