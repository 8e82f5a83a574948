package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/calsync/internal/failures"
)

// Bookkeeper tracks failed write-backs for keys of one type. Every method is
// best effort: persistence errors are logged and reported as false.
type Bookkeeper[K Key] struct {
	store   failures.Store
	keyType failures.KeyType
	logger  *slog.Logger
	// serialises insert-or-increment so two first failures count twice.
	mu sync.Mutex
}

func NewBookkeeper[K Key](store failures.Store, logger *slog.Logger) *Bookkeeper[K] {
	if logger == nil {
		logger = slog.Default()
	}
	var zero K
	kt := zero.KeyType()
	return &Bookkeeper[K]{
		store:   store,
		keyType: kt,
		logger:  logger.With(slog.String("agent", "bookkeeper"), slog.String("key_type", string(kt))),
	}
}

// KeyType reports the key family this bookkeeper is scoped to.
func (b *Bookkeeper[K]) KeyType() failures.KeyType { return b.keyType }

// LastFailedSync returns the time of the latest recorded failure for key.
func (b *Bookkeeper[K]) LastFailedSync(ctx context.Context, key K) (time.Time, bool) {
	rec, ok := b.Record(ctx, key)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(rec.Timestamp), true
}

// Record returns the full failure record for key.
func (b *Bookkeeper[K]) Record(ctx context.Context, key K) (failures.Record, bool) {
	rec, ok, err := b.store.Get(ctx, b.keyType, key.CacheKey())
	if err != nil {
		b.logger.Warn("failure lookup failed", slog.String("key", key.CacheKey()), slog.Any("error", err))
		return failures.Record{}, false
	}
	return rec, ok
}

// SetLastFailedSync creates the record for key with count 1 or increments an
// existing one.
func (b *Bookkeeper[K]) SetLastFailedSync(ctx context.Context, key K, ts time.Time, errMsg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cacheKey := key.CacheKey()
	err := b.store.Increment(ctx, b.keyType, cacheKey, ts.UnixMilli(), errMsg)
	if errors.Is(err, failures.ErrNotFound) {
		err = b.store.Insert(ctx, failures.Record{
			Key:              cacheKey,
			KeyType:          b.keyType,
			Timestamp:        ts.UnixMilli(),
			FailureCount:     1,
			LastErrorMessage: errMsg,
		})
	}
	if err != nil {
		b.logger.Error("failure record not saved", slog.String("key", cacheKey), slog.Any("error", err))
		return false
	}
	return true
}

// Clear deletes the record for key.
func (b *Bookkeeper[K]) Clear(ctx context.Context, key K) bool {
	if err := b.store.Delete(ctx, b.keyType, key.CacheKey()); err != nil {
		b.logger.Warn("failure record not cleared", slog.String("key", key.CacheKey()), slog.Any("error", err))
		return false
	}
	return true
}

// ClearAll deletes every record of this bookkeeper's key type.
func (b *Bookkeeper[K]) ClearAll(ctx context.Context) bool {
	if err := b.store.DeleteByType(ctx, b.keyType); err != nil {
		b.logger.Warn("failure records not cleared", slog.Any("error", err))
		return false
	}
	return true
}

// List returns every record of this bookkeeper's key type.
func (b *Bookkeeper[K]) List(ctx context.Context) ([]failures.Record, error) {
	return b.store.ListByType(ctx, b.keyType)
}
