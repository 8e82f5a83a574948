package store

import (
	"log/slog"
	"time"
)

// Metrics receives store instrumentation. *metrics.Recorder satisfies it.
type Metrics interface {
	ObserveFetch(store, outcome string, elapsed time.Duration)
	IncCoalesced(store string)
	IncFreshness(store, decision string)
	IncSyncFailure(store string)
	IncWrite(store, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFetch(string, string, time.Duration) {}
func (noopMetrics) IncCoalesced(string)                        {}
func (noopMetrics) IncFreshness(string, string)                {}
func (noopMetrics) IncSyncFailure(string)                      {}
func (noopMetrics) IncWrite(string, string)                    {}

// Option configures a Store.
type Option[K Key, V any] func(*Store[K, V])

func WithValidator[K Key, V any](policy FreshnessPolicy) Option[K, V] {
	return func(s *Store[K, V]) { s.validator = policy }
}

func WithBookkeeper[K Key, V any](b *Bookkeeper[K]) Option[K, V] {
	return func(s *Store[K, V]) { s.bookkeeper = b }
}

func WithUpdater[K Key, V any](u Updater[K, V]) Option[K, V] {
	return func(s *Store[K, V]) { s.updater = u }
}

func WithLogger[K Key, V any](logger *slog.Logger) Option[K, V] {
	return func(s *Store[K, V]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics[K Key, V any](m Metrics) Option[K, V] {
	return func(s *Store[K, V]) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithErrorMapper replaces the translation applied to errors leaving the
// store.
func WithErrorMapper[K Key, V any](mapper func(error) error) Option[K, V] {
	return func(s *Store[K, V]) {
		if mapper != nil {
			s.mapErr = mapper
		}
	}
}

func WithClock[K Key, V any](now func() time.Time) Option[K, V] {
	return func(s *Store[K, V]) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHasData overrides how a cached value is judged present for the
// serve-stale-on-failure rule.
func WithHasData[K Key, V any](fn func(V) bool) Option[K, V] {
	return func(s *Store[K, V]) {
		if fn != nil {
			s.hasData = fn
		}
	}
}

// WithMaxSyncAttempts bounds how many failed write-backs are retried before a
// read stops retrying and fetches anyway. Zero means unbounded.
func WithMaxSyncAttempts[K Key, V any](n int) Option[K, V] {
	return func(s *Store[K, V]) {
		if n >= 0 {
			s.maxSyncAttempts = n
		}
	}
}
