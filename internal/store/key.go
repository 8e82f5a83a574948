package store

import (
	"strconv"
	"strings"

	"github.com/l0p7/calsync/internal/failures"
)

// Key identifies one cached value. CacheKey must be injective across all keys
// of the same KeyType.
type Key interface {
	comparable
	CacheKey() string
	KeyType() failures.KeyType
}

// EventKey addresses a user's events overlapping a [Start, End] range.
type EventKey struct {
	UserID string
	Start  int64
	End    int64
}

func (k EventKey) CacheKey() string {
	return joinKey(escapeComponent(k.UserID), strconv.FormatInt(k.Start, 10), strconv.FormatInt(k.End, 10))
}

func (EventKey) KeyType() failures.KeyType { return failures.KeyTypeEvent }

// SingleEventKey addresses one event by ID.
type SingleEventKey struct {
	EventID string
}

func (k SingleEventKey) CacheKey() string { return escapeComponent(k.EventID) }

func (SingleEventKey) KeyType() failures.KeyType { return failures.KeyTypeSingleEvent }

// HolidayKey addresses a country's holidays for one calendar year.
type HolidayKey struct {
	CountryCode string
	Year        int
}

func (k HolidayKey) CacheKey() string {
	return joinKey(escapeComponent(strings.ToLower(k.CountryCode)), strconv.Itoa(k.Year))
}

func (HolidayKey) KeyType() failures.KeyType { return failures.KeyTypeHoliday }

// CalendarKey addresses a user's calendar list.
type CalendarKey struct {
	UserID string
}

func (k CalendarKey) CacheKey() string { return escapeComponent(k.UserID) }

func (CalendarKey) KeyType() failures.KeyType { return failures.KeyTypeCalendar }

var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// escapeComponent makes a string safe to join with ':' so distinct component
// tuples never flatten to the same key.
func escapeComponent(s string) string {
	return keyEscaper.Replace(s)
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}
