package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/calsync/internal/expr"
)

// Config holds every option of the sync service.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Remote        RemoteConfig        `koanf:"remote"`
	Sync          SyncConfig          `koanf:"sync"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Validation    ValidationConfig    `koanf:"validation"`

	// Sources lists the files that contributed to this snapshot, in load order.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// StoreConfig locates the local database and picks where sync failure
// records live.
type StoreConfig struct {
	Path     string         `koanf:"path"`
	Failures FailuresConfig `koanf:"failures"`
}

type FailuresConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RemoteConfig points at the calendar and holiday backends.
type RemoteConfig struct {
	CalendarURL   string        `koanf:"calendarUrl"`
	HolidayURL    string        `koanf:"holidayUrl"`
	HolidayAPIKey string        `koanf:"holidayApiKey"`
	Timeout       string        `koanf:"timeout"`
	Breaker       BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32  `koanf:"maxRequests"`
	Interval         string  `koanf:"interval"`
	Timeout          string  `koanf:"timeout"`
	FailureThreshold float64 `koanf:"failureThreshold"`
	MinRequests      uint32  `koanf:"minRequests"`
}

// SyncConfig holds the freshness windows and write-back retry budget.
// Windows are Go duration strings ("1h", "30m").
type SyncConfig struct {
	EventMaxAge     string `koanf:"eventMaxAge"`
	HolidayMaxAge   string `koanf:"holidayMaxAge"`
	CalendarMaxAge  string `koanf:"calendarMaxAge"`
	MaxSyncAttempts int    `koanf:"maxSyncAttempts"`
}

// NotificationsConfig controls user-facing error banners. Templates are
// keyed by error kind.
type NotificationsConfig struct {
	TTL        string            `koanf:"ttl"`
	MaxBanners int               `koanf:"maxBanners"`
	Templates  map[string]string `koanf:"templates"`
}

// ValidationConfig replaces the built-in event rules when Rules is non-empty.
type ValidationConfig struct {
	Rules []expr.Rule `koanf:"rules"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("config: store.path required")
	}
	switch c.FailureBackend() {
	case "sqlite", "memory":
	case "redis":
		if strings.TrimSpace(c.Store.Failures.Redis.Address) == "" {
			return errors.New("config: store.failures.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: store.failures.backend unsupported: %s", c.Store.Failures.Backend)
	}
	if strings.TrimSpace(c.Remote.CalendarURL) == "" {
		return errors.New("config: remote.calendarUrl required")
	}
	if strings.TrimSpace(c.Remote.HolidayURL) == "" {
		return errors.New("config: remote.holidayUrl required")
	}
	durations := map[string]string{
		"remote.timeout":          c.Remote.Timeout,
		"remote.breaker.interval": c.Remote.Breaker.Interval,
		"remote.breaker.timeout":  c.Remote.Breaker.Timeout,
		"sync.eventMaxAge":        c.Sync.EventMaxAge,
		"sync.holidayMaxAge":      c.Sync.HolidayMaxAge,
		"sync.calendarMaxAge":     c.Sync.CalendarMaxAge,
		"notifications.ttl":       c.Notifications.TTL,
	}
	for field, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s invalid: %w", field, err)
		}
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative: %s", field, raw)
		}
	}
	if t := c.Remote.Breaker.FailureThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: remote.breaker.failureThreshold must be within [0,1]: %v", t)
	}
	if c.Sync.MaxSyncAttempts < 0 {
		return fmt.Errorf("config: sync.maxSyncAttempts invalid: %d", c.Sync.MaxSyncAttempts)
	}
	if c.Notifications.MaxBanners < 0 {
		return fmt.Errorf("config: notifications.maxBanners invalid: %d", c.Notifications.MaxBanners)
	}
	for i, rule := range c.Validation.Rules {
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("config: validation.rules[%d] expression required", i)
		}
	}
	return nil
}

// FailureBackend returns the normalised failure backend name; empty means sqlite.
func (c Config) FailureBackend() string {
	backend := strings.TrimSpace(strings.ToLower(c.Store.Failures.Backend))
	if backend == "" {
		return "sqlite"
	}
	return backend
}

// duration parses raw, falling back to def when raw is empty or invalid.
// Validate has already rejected invalid values for loaded configs.
func duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EventMaxAgeDuration returns the event freshness window.
func (s SyncConfig) EventMaxAgeDuration() time.Duration { return duration(s.EventMaxAge, time.Hour) }

// HolidayMaxAgeDuration returns the holiday freshness window.
func (s SyncConfig) HolidayMaxAgeDuration() time.Duration {
	return duration(s.HolidayMaxAge, 24*time.Hour)
}

// CalendarMaxAgeDuration returns the calendar freshness window.
func (s SyncConfig) CalendarMaxAgeDuration() time.Duration {
	return duration(s.CalendarMaxAge, time.Hour)
}

// TimeoutDuration returns the per-request timeout of remote calls.
func (r RemoteConfig) TimeoutDuration() time.Duration { return duration(r.Timeout, 15*time.Second) }

func (b BreakerConfig) IntervalDuration() time.Duration { return duration(b.Interval, 30*time.Second) }

func (b BreakerConfig) TimeoutDuration() time.Duration { return duration(b.Timeout, 60*time.Second) }

// TTLDuration returns how long a banner stays visible.
func (n NotificationsConfig) TTLDuration() time.Duration { return duration(n.TTL, 30*time.Second) }

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Store: StoreConfig{
			Path:     "./calsync.db",
			Failures: FailuresConfig{Backend: "sqlite"},
		},
		Remote: RemoteConfig{
			CalendarURL: "http://localhost:8090/api",
			HolidayURL:  "https://calendarific.com/api/v2/holidays",
			Timeout:     "15s",
			Breaker: BreakerConfig{
				MaxRequests:      5,
				Interval:         "30s",
				Timeout:          "60s",
				FailureThreshold: 0.8,
				MinRequests:      5,
			},
		},
		Sync: SyncConfig{
			EventMaxAge:    "1h",
			HolidayMaxAge:  "24h",
			CalendarMaxAge: "1h",
		},
		Notifications: NotificationsConfig{
			TTL:        "30s",
			MaxBanners: 20,
		},
	}
}
