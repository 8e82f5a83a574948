// Package repository exposes the domain read and write contract consumed by
// the API layer. Each entity family is backed by a cache-aside store over the
// local database and the remote APIs; every error leaving this package is a
// *domain.Error.
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/errmap"
	"github.com/l0p7/calsync/internal/expr"
	"github.com/l0p7/calsync/internal/failures"
	"github.com/l0p7/calsync/internal/notify"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/store"
)

// CalendarSource is the remote calendar backend.
type CalendarSource interface {
	FetchCalendars(ctx context.Context, userID string) ([]domain.Calendar, error)
	FetchEvents(ctx context.Context, userID string, calendarIDs []string, start, end int64) ([]domain.Event, error)
	FetchEvent(ctx context.Context, eventID string) (domain.Event, error)
	PushEvent(ctx context.Context, event domain.Event) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// HolidaySource is the remote holiday backend.
type HolidaySource interface {
	FetchHolidays(ctx context.Context, countryCode string, year int) ([]domain.Holiday, error)
}

// Notifier receives every error returned to callers. *notify.Center
// satisfies it.
type Notifier interface {
	Notify(source string, err error) (notify.Banner, bool)
}

// Freshness holds the max age per entity family.
type Freshness struct {
	Events    time.Duration
	Holidays  time.Duration
	Calendars time.Duration
}

// DefaultFreshness returns the standard windows.
func DefaultFreshness() Freshness {
	return Freshness{
		Events:    store.EventMaxAge,
		Holidays:  store.HolidayMaxAge,
		Calendars: store.CalendarMaxAge,
	}
}

// Params wires a Repository. DB, Calendar and Holidays are required.
type Params struct {
	DB              *persist.DB
	Failures        failures.Store
	Calendar        CalendarSource
	Holidays        HolidaySource
	Rules           *expr.EventValidator
	Notifier        Notifier
	Metrics         store.Metrics
	Logger          *slog.Logger
	Freshness       Freshness
	MaxSyncAttempts int
	Clock           func() time.Time
	NewID           func() string
}

// Repository groups the entity facades.
type Repository struct {
	Events    *Events
	Holidays  *Holidays
	Calendars *Calendars

	failures   failures.Store
	validators validators
	logger     *slog.Logger
	notifier   Notifier
}

type validators struct {
	events      *store.Validator
	singleEvent *store.Validator
	holidays    *store.Validator
	calendars   *store.Validator
}

// New builds the stores and facades in dependency order.
func New(p Params) (*Repository, error) {
	if p.DB == nil {
		return nil, errors.New("repository: database required")
	}
	if p.Calendar == nil || p.Holidays == nil {
		return nil, errors.New("repository: remote sources required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Failures == nil {
		p.Failures = p.DB.Failures()
	}
	if p.Rules == nil {
		rules, err := expr.NewEventValidator(nil, p.Logger)
		if err != nil {
			return nil, err
		}
		p.Rules = rules
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.NewID == nil {
		p.NewID = uuid.NewString
	}
	fresh := DefaultFreshness()
	if p.Freshness.Events > 0 {
		fresh.Events = p.Freshness.Events
	}
	if p.Freshness.Holidays > 0 {
		fresh.Holidays = p.Freshness.Holidays
	}
	if p.Freshness.Calendars > 0 {
		fresh.Calendars = p.Freshness.Calendars
	}

	logger := p.Logger.With(slog.String("agent", "repository"))
	tracker := store.NewTimestampTracker()
	r := &Repository{
		failures: p.Failures,
		logger:   logger,
		notifier: p.Notifier,
		validators: validators{
			events:      store.NewValidator(tracker, "event", fresh.Events),
			singleEvent: store.NewValidator(tracker, "single_event", fresh.Events),
			holidays:    store.NewValidator(tracker, "holiday", fresh.Holidays, store.StaleWhenEmpty()),
			calendars:   store.NewValidator(tracker, "calendar", fresh.Calendars),
		},
	}

	var err error
	if r.Events, err = newEvents(r, p); err != nil {
		return nil, err
	}
	if r.Holidays, err = newHolidays(r, p); err != nil {
		return nil, err
	}
	if r.Calendars, err = newCalendars(r, p); err != nil {
		return nil, err
	}
	return r, nil
}

// SetFreshness swaps the max ages at runtime. Non-positive values are ignored.
func (r *Repository) SetFreshness(f Freshness) {
	r.validators.events.SetMaxAge(f.Events)
	r.validators.singleEvent.SetMaxAge(f.Events)
	r.validators.holidays.SetMaxAge(f.Holidays)
	r.validators.calendars.SetMaxAge(f.Calendars)
}

// Freshness reports the max ages currently applied.
func (r *Repository) Freshness() Freshness {
	return Freshness{
		Events:    r.validators.events.MaxAge(),
		Holidays:  r.validators.holidays.MaxAge(),
		Calendars: r.validators.calendars.MaxAge(),
	}
}

// SyncFailures lists pending write-backs, optionally narrowed to one key type.
func (r *Repository) SyncFailures(ctx context.Context, keyType failures.KeyType) ([]failures.Record, error) {
	return call(ctx, r, "sync_failures", func(ctx context.Context) ([]failures.Record, error) {
		if keyType == "" {
			return r.failures.List(ctx)
		}
		return r.failures.ListByType(ctx, keyType)
	})
}

// ClearSyncFailures drops pending write-back records, optionally narrowed to
// one key type. The local data stays as it is.
func (r *Repository) ClearSyncFailures(ctx context.Context, keyType failures.KeyType) error {
	_, err := call(ctx, r, "clear_sync_failures", func(ctx context.Context) (struct{}, error) {
		if keyType == "" {
			return struct{}{}, r.failures.DeleteAll(ctx)
		}
		return struct{}{}, r.failures.DeleteByType(ctx, keyType)
	})
	return err
}

// call runs one repository operation with uniform logging, error mapping and
// notification.
func call[T any](ctx context.Context, r *Repository, op string, fn func(context.Context) (T, error)) (T, error) {
	r.logger.Debug("operation started", slog.String("op", op))
	value, err := fn(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return value, err
		}
		de := errmap.Map(err)
		r.logger.Error("operation failed",
			slog.String("op", op),
			slog.String("kind", string(de.Kind)),
			slog.Any("error", err))
		if r.notifier != nil {
			r.notifier.Notify(op, de)
		}
		return value, de
	}
	r.logger.Debug("operation completed", slog.String("op", op))
	return value, nil
}
