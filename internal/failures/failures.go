package failures

import (
	"context"
	"errors"
)

// KeyType scopes failure records so bulk clears of one key family never touch
// another.
type KeyType string

const (
	KeyTypeEvent       KeyType = "EVENT_KEY"
	KeyTypeSingleEvent KeyType = "SINGLE_EVENT_KEY"
	KeyTypeHoliday     KeyType = "HOLIDAY_KEY"
	KeyTypeCalendar    KeyType = "CALENDAR_KEY"
)

// Record tracks failed write-back attempts for one cache key. A record is
// identified by its key type and key together.
type Record struct {
	Key              string  `json:"key"`
	KeyType          KeyType `json:"keyType"`
	Timestamp        int64   `json:"timestamp"`
	FailureCount     int     `json:"failureCount"`
	LastErrorMessage string  `json:"lastErrorMessage,omitempty"`
}

// ErrNotFound is returned by Increment when no record exists for the key.
var ErrNotFound = errors.New("failures: record not found")

// Store persists failure records. Implementations must make Increment atomic
// with respect to concurrent callers on the same key.
type Store interface {
	Get(ctx context.Context, keyType KeyType, key string) (Record, bool, error)
	ListByType(ctx context.Context, keyType KeyType) ([]Record, error)
	List(ctx context.Context) ([]Record, error)
	Insert(ctx context.Context, record Record) error
	Increment(ctx context.Context, keyType KeyType, key string, timestamp int64, errMsg string) error
	Delete(ctx context.Context, keyType KeyType, key string) error
	DeleteByType(ctx context.Context, keyType KeyType) error
	DeleteAll(ctx context.Context) error
	Close(ctx context.Context) error
}
