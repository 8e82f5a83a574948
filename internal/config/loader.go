package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are merged in order; later
// files override earlier ones.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty config file paths the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// envCanonical restores camelCase keys that the env transform lower-cases.
var envCanonical = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"store.failures.redis.keyprefix":   "store.failures.redis.keyPrefix",
	"store.failures.redis.tls.cafile":  "store.failures.redis.tls.caFile",
	"remote.calendarurl":               "remote.calendarUrl",
	"remote.holidayurl":                "remote.holidayUrl",
	"remote.holidayapikey":             "remote.holidayApiKey",
	"remote.breaker.maxrequests":       "remote.breaker.maxRequests",
	"remote.breaker.failurethreshold":  "remote.breaker.failureThreshold",
	"remote.breaker.minrequests":       "remote.breaker.minRequests",
	"sync.eventmaxage":                 "sync.eventMaxAge",
	"sync.holidaymaxage":               "sync.holidayMaxAge",
	"sync.calendarmaxage":              "sync.calendarMaxAge",
	"sync.maxsyncattempts":             "sync.maxSyncAttempts",
	"notifications.maxbanners":         "notifications.maxBanners",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	sources := make([]string, 0, len(l.files))
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			// Template keys are error kinds, which carry underscores themselves.
			if strings.HasPrefix(lower, "notifications.templates.") {
				return lower
			}
			// Single underscores are removed so EVENT_MAX_AGE collapses into eventmaxage when callers
			// choose to separate words.
			lower = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := envCanonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"store": map[string]any{
			"path": cfg.Store.Path,
			"failures": map[string]any{
				"backend": cfg.Store.Failures.Backend,
				"redis": map[string]any{
					"address":   cfg.Store.Failures.Redis.Address,
					"username":  cfg.Store.Failures.Redis.Username,
					"password":  cfg.Store.Failures.Redis.Password,
					"db":        cfg.Store.Failures.Redis.DB,
					"keyPrefix": cfg.Store.Failures.Redis.KeyPrefix,
					"tls": map[string]any{
						"enabled": cfg.Store.Failures.Redis.TLS.Enabled,
						"caFile":  cfg.Store.Failures.Redis.TLS.CAFile,
					},
				},
			},
		},
		"remote": map[string]any{
			"calendarUrl":   cfg.Remote.CalendarURL,
			"holidayUrl":    cfg.Remote.HolidayURL,
			"holidayApiKey": cfg.Remote.HolidayAPIKey,
			"timeout":       cfg.Remote.Timeout,
			"breaker": map[string]any{
				"maxRequests":      cfg.Remote.Breaker.MaxRequests,
				"interval":         cfg.Remote.Breaker.Interval,
				"timeout":          cfg.Remote.Breaker.Timeout,
				"failureThreshold": cfg.Remote.Breaker.FailureThreshold,
				"minRequests":      cfg.Remote.Breaker.MinRequests,
			},
		},
		"sync": map[string]any{
			"eventMaxAge":     cfg.Sync.EventMaxAge,
			"holidayMaxAge":   cfg.Sync.HolidayMaxAge,
			"calendarMaxAge":  cfg.Sync.CalendarMaxAge,
			"maxSyncAttempts": cfg.Sync.MaxSyncAttempts,
		},
		"notifications": map[string]any{
			"ttl":        cfg.Notifications.TTL,
			"maxBanners": cfg.Notifications.MaxBanners,
		},
	}
}
