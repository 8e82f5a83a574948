package failures

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

// Records live in one hash per (key type, key). The per-type sets hold bare
// keys so DeleteByType never scans the keyspace; the all set holds
// "keyType:key" members.
var (
	insertScript = valkey.NewLuaScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'key', ARGV[1], 'keyType', ARGV[2], 'timestamp', ARGV[3], 'failureCount', ARGV[4], 'lastErrorMessage', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2] .. ':' .. ARGV[1])
return 1`)

	incrementScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HINCRBY', KEYS[1], 'failureCount', 1)
redis.call('HSET', KEYS[1], 'timestamp', ARGV[1], 'lastErrorMessage', ARGV[2])
return 1`)

	deleteScript = valkey.NewLuaScript(`
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[2] .. ':' .. ARGV[1])
return 1`)

	deleteByTypeScript = valkey.NewLuaScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, m in ipairs(members) do
  redis.call('DEL', ARGV[1] .. m)
  redis.call('SREM', KEYS[2], ARGV[2] .. ':' .. m)
end
redis.call('DEL', KEYS[1])
return #members`)
)

type redisStore struct {
	client valkey.Client
	prefix string
}

// NewRedis connects a Store backed by Valkey/Redis so failure records can be
// shared between processes syncing the same account.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("failures: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failures: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("failures: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("failures: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failures: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "calsync:"
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) recordPrefix(kt KeyType) string         { return s.prefix + "failure:" + string(kt) + ":" }
func (s *redisStore) recordKey(kt KeyType, key string) string { return s.recordPrefix(kt) + key }
func (s *redisStore) allKey() string                          { return s.prefix + "failures:all" }
func (s *redisStore) typeKey(kt KeyType) string               { return s.prefix + "failures:type:" + string(kt) }

// splitMember reverses the "keyType:key" encoding of the all set. Key types
// never contain a colon.
func splitMember(member string) (KeyType, string) {
	kt, key, _ := strings.Cut(member, ":")
	return KeyType(kt), key
}

func (s *redisStore) Get(ctx context.Context, keyType KeyType, key string) (Record, bool, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.recordKey(keyType, key)).Build()).AsStrMap()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failures: redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *redisStore) ListByType(ctx context.Context, keyType KeyType) ([]Record, error) {
	return s.listMembers(ctx, s.typeKey(keyType), func(member string) (KeyType, string) {
		return keyType, member
	})
}

func (s *redisStore) List(ctx context.Context) ([]Record, error) {
	return s.listMembers(ctx, s.allKey(), splitMember)
}

func (s *redisStore) members(ctx context.Context, setKey string) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failures: redis smembers: %w", err)
	}
	return members, nil
}

func (s *redisStore) listMembers(ctx context.Context, setKey string, id func(string) (KeyType, string)) ([]Record, error) {
	members, err := s.members(ctx, setKey)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(members))
	for _, member := range members {
		kt, key := id(member)
		rec, ok, err := s.Get(ctx, kt, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *redisStore) Insert(ctx context.Context, record Record) error {
	if record.FailureCount <= 0 {
		record.FailureCount = 1
	}
	keys := []string{s.recordKey(record.KeyType, record.Key), s.typeKey(record.KeyType), s.allKey()}
	args := []string{
		record.Key,
		string(record.KeyType),
		strconv.FormatInt(record.Timestamp, 10),
		strconv.Itoa(record.FailureCount),
		record.LastErrorMessage,
	}
	if err := insertScript.Exec(ctx, s.client, keys, args).Error(); err != nil {
		return fmt.Errorf("failures: redis insert: %w", err)
	}
	return nil
}

func (s *redisStore) Increment(ctx context.Context, keyType KeyType, key string, timestamp int64, errMsg string) error {
	updated, err := incrementScript.Exec(ctx, s.client,
		[]string{s.recordKey(keyType, key)},
		[]string{strconv.FormatInt(timestamp, 10), errMsg},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failures: redis increment: %w", err)
	}
	if updated == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, keyType KeyType, key string) error {
	err := deleteScript.Exec(ctx, s.client,
		[]string{s.recordKey(keyType, key), s.typeKey(keyType), s.allKey()},
		[]string{key, string(keyType)},
	).Error()
	if err != nil {
		return fmt.Errorf("failures: redis delete: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteByType(ctx context.Context, keyType KeyType) error {
	err := deleteByTypeScript.Exec(ctx, s.client,
		[]string{s.typeKey(keyType), s.allKey()},
		[]string{s.recordPrefix(keyType), string(keyType)},
	).Error()
	if err != nil {
		return fmt.Errorf("failures: redis delete by type: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteAll(ctx context.Context) error {
	for _, kt := range []KeyType{KeyTypeEvent, KeyTypeSingleEvent, KeyTypeHoliday, KeyTypeCalendar} {
		if err := s.DeleteByType(ctx, kt); err != nil {
			return err
		}
	}
	// Records with a key type unknown to this build still sit in the all set.
	members, err := s.members(ctx, s.allKey())
	if err != nil {
		return err
	}
	for _, member := range members {
		kt, key := splitMember(member)
		if err := s.Delete(ctx, kt, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func decodeRecord(fields map[string]string) (Record, error) {
	ts, err := strconv.ParseInt(fields["timestamp"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("failures: redis decode timestamp: %w", err)
	}
	count, err := strconv.Atoi(fields["failureCount"])
	if err != nil {
		return Record{}, fmt.Errorf("failures: redis decode failureCount: %w", err)
	}
	return Record{
		Key:              fields["key"],
		KeyType:          KeyType(fields["keyType"]),
		Timestamp:        ts,
		FailureCount:     count,
		LastErrorMessage: fields["lastErrorMessage"],
	}, nil
}
