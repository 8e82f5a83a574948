package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/calsync/internal/config"
	"github.com/l0p7/calsync/internal/expr"
	"github.com/l0p7/calsync/internal/failures"
	"github.com/l0p7/calsync/internal/logging"
	"github.com/l0p7/calsync/internal/metrics"
	"github.com/l0p7/calsync/internal/notify"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/remote"
	"github.com/l0p7/calsync/internal/repository"
	"github.com/l0p7/calsync/internal/server"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	if len(l.Files()) == 0 {
		return nil, nil
	}
	return l.Loader.Watch(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", "CALSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	db, err := persist.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("store close failed", slog.Any("error", err))
		}
	}()

	failureStore := buildFailureStore(logger.With(slog.String("agent", "failures_factory")), cfg, db)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := failureStore.Close(shutdownCtx); err != nil {
			logger.Error("failure store shutdown failed", slog.Any("error", err))
		}
	}()

	calendarAPI, holidayAPI, err := buildRemotes(logger, cfg.Remote)
	if err != nil {
		return err
	}

	rules, err := expr.NewEventValidator(cfg.Validation.Rules, logger)
	if err != nil {
		return fmt.Errorf("compile validation rules: %w", err)
	}

	center, err := notify.NewCenter(notificationsConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("configure notifications: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	repo, err := repository.New(repository.Params{
		DB:              db,
		Failures:        failureStore,
		Calendar:        calendarAPI,
		Holidays:        holidayAPI,
		Rules:           rules,
		Notifier:        center,
		Metrics:         metricsRecorder,
		Logger:          logger,
		Freshness:       freshness(cfg),
		MaxSyncAttempts: cfg.Sync.MaxSyncAttempts,
	})
	if err != nil {
		return fmt.Errorf("build repository: %w", err)
	}

	watcher, err := loader.Watch(ctx, func(next config.Config) {
		repo.SetFreshness(freshness(next))
		if err := center.Configure(notificationsConfig(next)); err != nil {
			logger.Error("notification reload failed", slog.Any("error", err))
			return
		}
		logger.Info("configuration reloaded", slog.Any("sources", next.Sources))
	}, func(err error) {
		if err != nil {
			logger.Error("config watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("config watcher setup failed", slog.Any("error", err))
	} else if watcher != nil {
		defer watcher.Stop()
	}

	handler, err := server.NewAPIHandler(server.APIOptions{
		Repository:        repo,
		Notifications:     center,
		Health:            db,
		Metrics:           metricsRecorder,
		MetricsHandler:    metricsRecorder.Handler(),
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func freshness(cfg config.Config) repository.Freshness {
	return repository.Freshness{
		Events:    cfg.Sync.EventMaxAgeDuration(),
		Holidays:  cfg.Sync.HolidayMaxAgeDuration(),
		Calendars: cfg.Sync.CalendarMaxAgeDuration(),
	}
}

func notificationsConfig(cfg config.Config) notify.Config {
	return notify.Config{
		TTL:        cfg.Notifications.TTLDuration(),
		MaxBanners: cfg.Notifications.MaxBanners,
		Templates:  cfg.Notifications.Templates,
	}
}

func buildRemotes(logger *slog.Logger, cfg config.RemoteConfig) (*remote.CalendarAPI, *remote.HolidayAPI, error) {
	breaker := remote.BreakerConfig{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.IntervalDuration(),
		Timeout:          cfg.Breaker.TimeoutDuration(),
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinRequests:      cfg.Breaker.MinRequests,
	}
	timeout := cfg.TimeoutDuration()
	httpClient := &http.Client{}

	calendarAPI, err := remote.NewCalendarAPI(remote.NewClient("calendar", httpClient, timeout, breaker, logger), cfg.CalendarURL)
	if err != nil {
		return nil, nil, fmt.Errorf("calendar api: %w", err)
	}
	holidayAPI, err := remote.NewHolidayAPI(remote.NewClient("holiday", httpClient, timeout, breaker, logger), cfg.HolidayURL, cfg.HolidayAPIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("holiday api: %w", err)
	}
	return calendarAPI, holidayAPI, nil
}

// buildFailureStore picks the failure record backend. A redis backend that
// cannot be reached falls back to the local database.
func buildFailureStore(logger *slog.Logger, full config.Config, db *persist.DB) failures.Store {
	cfg := full.Store
	switch full.FailureBackend() {
	case "memory":
		logger.Info("using memory failure store")
		return failures.NewMemory()
	case "redis":
		redisStore, err := failures.NewRedis(failures.RedisConfig{
			Address:   cfg.Failures.Redis.Address,
			Username:  cfg.Failures.Redis.Username,
			Password:  cfg.Failures.Redis.Password,
			DB:        cfg.Failures.Redis.DB,
			KeyPrefix: cfg.Failures.Redis.KeyPrefix,
			TLS: failures.RedisTLSConfig{
				Enabled: cfg.Failures.Redis.TLS.Enabled,
				CAFile:  cfg.Failures.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis failure store initialization failed", slog.Any("error", err))
			logger.Info("falling back to sqlite failure store")
			return db.Failures()
		}
		logger.Info("using redis failure store", slog.String("address", cfg.Failures.Redis.Address))
		return redisStore
	default:
		logger.Info("using sqlite failure store", slog.String("path", strings.TrimSpace(cfg.Path)))
		return db.Failures()
	}
}
