// Package failurestest holds the behavioural contract every failures.Store
// backend must satisfy.
package failurestest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/failures"
)

// Run exercises a fresh store returned by factory for every subtest.
func Run(t *testing.T, factory func(t *testing.T) failures.Store) {
	t.Helper()

	t.Run("insert_get", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		_, ok, err := store.Get(ctx, failures.KeyTypeEvent, "u1:1:2")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, store.Insert(ctx, failures.Record{
			Key:              "u1:1:2",
			KeyType:          failures.KeyTypeEvent,
			Timestamp:        100,
			LastErrorMessage: "boom",
		}))
		rec, ok, err := store.Get(ctx, failures.KeyTypeEvent, "u1:1:2")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, failures.Record{
			Key:              "u1:1:2",
			KeyType:          failures.KeyTypeEvent,
			Timestamp:        100,
			FailureCount:     1,
			LastErrorMessage: "boom",
		}, rec)
	})

	t.Run("increment", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		require.ErrorIs(t, store.Increment(ctx, failures.KeyTypeHoliday, "missing", 1, "x"), failures.ErrNotFound)

		require.NoError(t, store.Insert(ctx, failures.Record{Key: "h", KeyType: failures.KeyTypeHoliday, Timestamp: 1}))
		require.NoError(t, store.Increment(ctx, failures.KeyTypeHoliday, "h", 5, "timeout"))
		require.NoError(t, store.Increment(ctx, failures.KeyTypeHoliday, "h", 9, "server"))

		rec, ok, err := store.Get(ctx, failures.KeyTypeHoliday, "h")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 3, rec.FailureCount)
		require.Equal(t, int64(9), rec.Timestamp)
		require.Equal(t, "server", rec.LastErrorMessage)
		require.Equal(t, failures.KeyTypeHoliday, rec.KeyType)
	})

	t.Run("concurrent_increment", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Insert(ctx, failures.Record{Key: "c", KeyType: failures.KeyTypeCalendar, Timestamp: 1}))

		const workers = 16
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(ts int64) {
				defer wg.Done()
				require.NoError(t, store.Increment(ctx, failures.KeyTypeCalendar, "c", ts, "err"))
			}(int64(i + 2))
		}
		wg.Wait()

		rec, ok, err := store.Get(ctx, failures.KeyTypeCalendar, "c")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, workers+1, rec.FailureCount)
	})

	t.Run("scoped_deletes", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		for _, rec := range []failures.Record{
			{Key: "e1", KeyType: failures.KeyTypeEvent, Timestamp: 1},
			{Key: "e2", KeyType: failures.KeyTypeEvent, Timestamp: 2},
			{Key: "s1", KeyType: failures.KeyTypeSingleEvent, Timestamp: 3},
			{Key: "h1", KeyType: failures.KeyTypeHoliday, Timestamp: 4},
		} {
			require.NoError(t, store.Insert(ctx, rec))
		}

		events, err := store.ListByType(ctx, failures.KeyTypeEvent)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "e1", events[0].Key)

		require.NoError(t, store.DeleteByType(ctx, failures.KeyTypeEvent))
		all, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, "h1", all[0].Key)
		require.Equal(t, "s1", all[1].Key)

		require.NoError(t, store.Delete(ctx, failures.KeyTypeSingleEvent, "s1"))
		require.NoError(t, store.Delete(ctx, failures.KeyTypeSingleEvent, "s1"))
		_, ok, err := store.Get(ctx, failures.KeyTypeSingleEvent, "s1")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, store.DeleteAll(ctx))
		all, err = store.List(ctx)
		require.NoError(t, err)
		require.Empty(t, all)
	})

	t.Run("insert_replaces", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Insert(ctx, failures.Record{Key: "k", KeyType: failures.KeyTypeEvent, Timestamp: 1, FailureCount: 4}))
		require.NoError(t, store.Insert(ctx, failures.Record{Key: "k", KeyType: failures.KeyTypeEvent, Timestamp: 2}))
		rec, _, err := store.Get(ctx, failures.KeyTypeEvent, "k")
		require.NoError(t, err)
		require.Equal(t, 1, rec.FailureCount)
		require.Equal(t, int64(2), rec.Timestamp)
	})

	t.Run("same_key_different_types", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Insert(ctx, failures.Record{Key: "x", KeyType: failures.KeyTypeSingleEvent, Timestamp: 1, LastErrorMessage: "event"}))
		require.NoError(t, store.Insert(ctx, failures.Record{Key: "x", KeyType: failures.KeyTypeCalendar, Timestamp: 2, LastErrorMessage: "calendar"}))
		require.NoError(t, store.Increment(ctx, failures.KeyTypeCalendar, "x", 3, "calendar again"))

		all, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)

		single, ok, err := store.Get(ctx, failures.KeyTypeSingleEvent, "x")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, single.FailureCount)
		require.Equal(t, "event", single.LastErrorMessage)

		calendar, ok, err := store.Get(ctx, failures.KeyTypeCalendar, "x")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2, calendar.FailureCount)

		require.NoError(t, store.DeleteByType(ctx, failures.KeyTypeCalendar))
		_, ok, err = store.Get(ctx, failures.KeyTypeSingleEvent, "x")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.Delete(ctx, failures.KeyTypeSingleEvent, "x"))
		all, err = store.List(ctx)
		require.NoError(t, err)
		require.Empty(t, all)
	})
}
