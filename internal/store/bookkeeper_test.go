package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/failures"
)

func TestBookkeeperIncrementsInsteadOfDuplicating(t *testing.T) {
	ctx := context.Background()
	fs := failures.NewMemory()
	keeper := NewBookkeeper[EventKey](fs, nil)
	key := EventKey{UserID: "u1", Start: 0, End: 10}
	at := time.UnixMilli(5_000)

	_, ok := keeper.LastFailedSync(ctx, key)
	require.False(t, ok)

	require.True(t, keeper.SetLastFailedSync(ctx, key, at, "first"))
	require.True(t, keeper.SetLastFailedSync(ctx, key, at.Add(time.Second), "second"))

	all, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 2, all[0].FailureCount)
	require.Equal(t, "second", all[0].LastErrorMessage)
	require.Equal(t, failures.KeyTypeEvent, all[0].KeyType)

	last, ok := keeper.LastFailedSync(ctx, key)
	require.True(t, ok)
	require.Equal(t, at.Add(time.Second).UnixMilli(), last.UnixMilli())

	require.True(t, keeper.Clear(ctx, key))
	_, ok = keeper.LastFailedSync(ctx, key)
	require.False(t, ok)
}

func TestBookkeeperClearAllIsScopedByKeyType(t *testing.T) {
	ctx := context.Background()
	fs := failures.NewMemory()
	events := NewBookkeeper[EventKey](fs, nil)
	singles := NewBookkeeper[SingleEventKey](fs, nil)

	require.True(t, events.SetLastFailedSync(ctx, EventKey{UserID: "u1"}, time.Now(), "x"))
	require.True(t, singles.SetLastFailedSync(ctx, SingleEventKey{EventID: "ev1"}, time.Now(), "y"))

	require.True(t, events.ClearAll(ctx))
	_, ok := singles.LastFailedSync(ctx, SingleEventKey{EventID: "ev1"})
	require.True(t, ok)
	left, err := singles.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, failures.KeyTypeSingleEvent, singles.KeyType())
}

func TestBookkeepersOfDifferentTypesShareKeysIndependently(t *testing.T) {
	ctx := context.Background()
	fs := failures.NewMemory()
	singles := NewBookkeeper[SingleEventKey](fs, nil)
	calendars := NewBookkeeper[CalendarKey](fs, nil)
	single := SingleEventKey{EventID: "x"}
	calendar := CalendarKey{UserID: "x"}
	require.Equal(t, single.CacheKey(), calendar.CacheKey())

	require.True(t, singles.SetLastFailedSync(ctx, single, time.UnixMilli(1_000), "event down"))
	require.True(t, calendars.SetLastFailedSync(ctx, calendar, time.UnixMilli(2_000), "calendar down"))

	all, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	rec, ok := singles.Record(ctx, single)
	require.True(t, ok)
	require.Equal(t, 1, rec.FailureCount)
	require.Equal(t, "event down", rec.LastErrorMessage)
	require.Equal(t, failures.KeyTypeSingleEvent, rec.KeyType)

	require.True(t, calendars.Clear(ctx, calendar))
	_, ok = singles.Record(ctx, single)
	require.True(t, ok)
	_, ok = calendars.Record(ctx, calendar)
	require.False(t, ok)
}

type mockFailureStore struct {
	mock.Mock
}

func (m *mockFailureStore) Get(ctx context.Context, kt failures.KeyType, key string) (failures.Record, bool, error) {
	args := m.Called(ctx, kt, key)
	return args.Get(0).(failures.Record), args.Bool(1), args.Error(2)
}

func (m *mockFailureStore) ListByType(ctx context.Context, kt failures.KeyType) ([]failures.Record, error) {
	args := m.Called(ctx, kt)
	return args.Get(0).([]failures.Record), args.Error(1)
}

func (m *mockFailureStore) List(ctx context.Context) ([]failures.Record, error) {
	args := m.Called(ctx)
	return args.Get(0).([]failures.Record), args.Error(1)
}

func (m *mockFailureStore) Insert(ctx context.Context, rec failures.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockFailureStore) Increment(ctx context.Context, kt failures.KeyType, key string, ts int64, msg string) error {
	return m.Called(ctx, kt, key, ts, msg).Error(0)
}

func (m *mockFailureStore) Delete(ctx context.Context, kt failures.KeyType, key string) error {
	return m.Called(ctx, kt, key).Error(0)
}

func (m *mockFailureStore) DeleteByType(ctx context.Context, kt failures.KeyType) error {
	return m.Called(ctx, kt).Error(0)
}

func (m *mockFailureStore) DeleteAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockFailureStore) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestBookkeeperReportsPersistenceErrors(t *testing.T) {
	ctx := context.Background()
	broken := errors.New("disk full")
	fs := &mockFailureStore{}
	fs.On("Increment", mock.Anything, failures.KeyTypeSingleEvent, "ev1", int64(1_000), "boom").Return(failures.ErrNotFound)
	fs.On("Insert", mock.Anything, mock.MatchedBy(func(r failures.Record) bool {
		return r.Key == "ev1" && r.FailureCount == 1 && r.KeyType == failures.KeyTypeSingleEvent
	})).Return(broken)
	fs.On("Delete", mock.Anything, failures.KeyTypeSingleEvent, "ev1").Return(broken)
	fs.On("DeleteByType", mock.Anything, failures.KeyTypeSingleEvent).Return(broken)
	fs.On("Get", mock.Anything, failures.KeyTypeSingleEvent, "ev1").Return(failures.Record{}, false, broken)

	keeper := NewBookkeeper[SingleEventKey](fs, nil)
	key := SingleEventKey{EventID: "ev1"}
	require.False(t, keeper.SetLastFailedSync(ctx, key, time.UnixMilli(1_000), "boom"))
	require.False(t, keeper.Clear(ctx, key))
	require.False(t, keeper.ClearAll(ctx))
	_, ok := keeper.LastFailedSync(ctx, key)
	require.False(t, ok)
	fs.AssertExpectations(t)
}
