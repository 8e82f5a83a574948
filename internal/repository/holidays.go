package repository

import (
	"context"
	"strings"
	"time"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/store"
)

// Holidays serves public holidays per country and year.
type Holidays struct {
	repo  *Repository
	store *store.Store[store.HolidayKey, []domain.Holiday]
}

// YearRange returns the UTC epoch-millisecond bounds of year:
// Jan 1 00:00:00.000 through Dec 31 23:59:59.999.
func YearRange(year int) (int64, int64) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, time.December, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC)
	return start.UnixMilli(), end.UnixMilli()
}

func newHolidays(r *Repository, p Params) (*Holidays, error) {
	db := p.DB
	s, err := store.New("holidays",
		func(ctx context.Context, k store.HolidayKey) ([]domain.Holiday, error) {
			return p.Holidays.FetchHolidays(ctx, k.CountryCode, k.Year)
		},
		store.SourceOfTruth[store.HolidayKey, []domain.Holiday]{
			Reader: func(ctx context.Context, k store.HolidayKey) ([]domain.Holiday, error) {
				start, end := YearRange(k.Year)
				return db.HolidaysInRange(ctx, k.CountryCode, start, end)
			},
			Writer: func(ctx context.Context, _ store.HolidayKey, holidays []domain.Holiday) error {
				return db.UpsertHolidays(ctx, holidays)
			},
			Watch: func() (<-chan uint64, func()) { return db.Changes().Subscribe(persist.TableHolidays) },
		},
		store.WithValidator[store.HolidayKey, []domain.Holiday](r.validators.holidays),
		store.WithLogger[store.HolidayKey, []domain.Holiday](p.Logger),
		store.WithMetrics[store.HolidayKey, []domain.Holiday](p.Metrics),
		store.WithClock[store.HolidayKey, []domain.Holiday](p.Clock),
	)
	if err != nil {
		return nil, err
	}
	return &Holidays{repo: r, store: s}, nil
}

func holidayKey(countryCode string, year int) (store.HolidayKey, error) {
	code := strings.ToLower(strings.TrimSpace(countryCode))
	if code == "" {
		return store.HolidayKey{}, domain.Validation("Country code cannot be empty")
	}
	if year < 1 || year > 9999 {
		return store.HolidayKey{}, domain.Validation("Year is invalid")
	}
	return store.HolidayKey{CountryCode: code, Year: year}, nil
}

// ForYear returns the holidays of countryCode in year, refreshing when stale
// or when nothing is cached.
func (h *Holidays) ForYear(ctx context.Context, countryCode string, year int) ([]domain.Holiday, error) {
	return call(ctx, h.repo, "holidays_year", func(ctx context.Context) ([]domain.Holiday, error) {
		key, err := holidayKey(countryCode, year)
		if err != nil {
			return nil, err
		}
		return h.store.Get(ctx, key)
	})
}

// Refresh forces a remote fetch of the year's holidays.
func (h *Holidays) Refresh(ctx context.Context, countryCode string, year int) ([]domain.Holiday, error) {
	return call(ctx, h.repo, "holidays_refresh", func(ctx context.Context) ([]domain.Holiday, error) {
		key, err := holidayKey(countryCode, year)
		if err != nil {
			return nil, err
		}
		return h.store.Refresh(ctx, key)
	})
}

// Observe streams the year's holidays until ctx ends.
func (h *Holidays) Observe(ctx context.Context, countryCode string, year int, refresh bool) (<-chan store.Response[[]domain.Holiday], error) {
	key, err := holidayKey(countryCode, year)
	if err != nil {
		return nil, err
	}
	return h.store.Observe(ctx, key, refresh), nil
}
