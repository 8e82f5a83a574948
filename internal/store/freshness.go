package store

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default freshness windows per entity.
const (
	HolidayMaxAge  = 24 * time.Hour
	EventMaxAge    = time.Hour
	CalendarMaxAge = time.Hour
)

// IsStale reports whether a value fetched at last (epoch ms) needs a refresh
// at now. A key never fetched (ok == false) is always stale.
func IsStale(last int64, ok bool, now time.Time, maxAge time.Duration) bool {
	if !ok {
		return true
	}
	return now.UnixMilli()-last > maxAge.Milliseconds()
}

// TimestampTracker records the last successful fetch per key. It lives in
// memory only; a restart simply makes every key stale again.
type TimestampTracker struct {
	mu     sync.RWMutex
	stamps map[string]int64
}

func NewTimestampTracker() *TimestampTracker {
	return &TimestampTracker{stamps: make(map[string]int64)}
}

// Last returns the recorded fetch time for key in epoch milliseconds.
func (t *TimestampTracker) Last(key string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.stamps[key]
	return ts, ok
}

// Record stores ts for key unless a later timestamp is already recorded.
// It reports whether the stored value changed.
func (t *TimestampTracker) Record(key string, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.stamps[key]; ok && cur >= ts {
		return false
	}
	t.stamps[key] = ts
	return true
}

// Forget drops key so the next check reports stale.
func (t *TimestampTracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stamps, key)
}

// Len returns the number of tracked keys.
func (t *TimestampTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stamps)
}

// FreshnessPolicy decides when a cached value must be refetched.
type FreshnessPolicy interface {
	IsStale(cacheKey string, now time.Time, empty bool) bool
	RecordFetch(cacheKey string, at time.Time)
	Invalidate(cacheKey string)
}

// Validator applies a max age to one entity's keys in a shared tracker.
type Validator struct {
	tracker        *TimestampTracker
	prefix         string
	maxAge         atomic.Int64
	staleWhenEmpty bool
}

type ValidatorOption func(*Validator)

// StaleWhenEmpty makes an empty cached value always need a refresh, whatever
// its fetch time.
func StaleWhenEmpty() ValidatorOption {
	return func(v *Validator) { v.staleWhenEmpty = true }
}

// NewValidator scopes tracker entries under prefix ("event", "holiday", ...).
func NewValidator(tracker *TimestampTracker, prefix string, maxAge time.Duration, opts ...ValidatorOption) *Validator {
	if tracker == nil {
		tracker = NewTimestampTracker()
	}
	v := &Validator{tracker: tracker, prefix: prefix + ":"}
	v.maxAge.Store(int64(maxAge))
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) IsStale(cacheKey string, now time.Time, empty bool) bool {
	if empty && v.staleWhenEmpty {
		return true
	}
	last, ok := v.tracker.Last(v.prefix + cacheKey)
	return IsStale(last, ok, now, v.MaxAge())
}

func (v *Validator) RecordFetch(cacheKey string, at time.Time) {
	v.tracker.Record(v.prefix+cacheKey, at.UnixMilli())
}

func (v *Validator) Invalidate(cacheKey string) {
	v.tracker.Forget(v.prefix + cacheKey)
}

// LastFetch exposes the recorded fetch time for cacheKey.
func (v *Validator) LastFetch(cacheKey string) (time.Time, bool) {
	last, ok := v.tracker.Last(v.prefix + cacheKey)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(last), true
}

func (v *Validator) MaxAge() time.Duration {
	return time.Duration(v.maxAge.Load())
}

// SetMaxAge swaps the window, e.g. after a configuration reload.
func (v *Validator) SetMaxAge(d time.Duration) {
	if d <= 0 {
		return
	}
	v.maxAge.Store(int64(d))
}
