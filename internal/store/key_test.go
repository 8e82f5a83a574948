package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/failures"
)

func TestKeyFormats(t *testing.T) {
	require.Equal(t, "u1:0:86400000", EventKey{UserID: "u1", Start: 0, End: 86_400_000}.CacheKey())
	require.Equal(t, "ev1", SingleEventKey{EventID: "ev1"}.CacheKey())
	require.Equal(t, "us:2024", HolidayKey{CountryCode: "US", Year: 2024}.CacheKey())
	require.Equal(t, "u1", CalendarKey{UserID: "u1"}.CacheKey())

	require.Equal(t, failures.KeyTypeEvent, EventKey{}.KeyType())
	require.Equal(t, failures.KeyTypeSingleEvent, SingleEventKey{}.KeyType())
	require.Equal(t, failures.KeyTypeHoliday, HolidayKey{}.KeyType())
	require.Equal(t, failures.KeyTypeCalendar, CalendarKey{}.KeyType())
}

func TestEventKeySerializationIsInjective(t *testing.T) {
	keys := []EventKey{
		{UserID: "u1", Start: 0, End: 1},
		{UserID: "u1:0", Start: 0, End: 1},
		{UserID: "u1", Start: 0, End: 10},
		{UserID: `u1\`, Start: 0, End: 1},
		{UserID: `u1\:0`, Start: 0, End: 1},
		{UserID: "", Start: 0, End: 1},
		{UserID: ":", Start: 0, End: 1},
		{UserID: "u1", Start: -1, End: 1},
	}
	seen := make(map[string]EventKey, len(keys))
	for _, k := range keys {
		s := k.CacheKey()
		prev, dup := seen[s]
		require.False(t, dup, "%+v and %+v both serialise to %q", prev, k, s)
		seen[s] = k
	}
	require.Equal(t, `u1\:0:0:1`, EventKey{UserID: "u1:0", Start: 0, End: 1}.CacheKey())
}

func TestKeysAreComparable(t *testing.T) {
	m := map[HolidayKey]int{{CountryCode: "us", Year: 2024}: 1}
	m[HolidayKey{CountryCode: "us", Year: 2024}]++
	require.Equal(t, 2, m[HolidayKey{CountryCode: "us", Year: 2024}])
}
