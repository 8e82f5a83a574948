package repository

import (
	"context"
	"strings"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/store"
)

// Calendars serves the calendars of a user and their visibility.
type Calendars struct {
	repo  *Repository
	db    *persist.DB
	store *store.Store[store.CalendarKey, []domain.Calendar]
}

func newCalendars(r *Repository, p Params) (*Calendars, error) {
	db := p.DB
	s, err := store.New("calendars",
		func(ctx context.Context, k store.CalendarKey) ([]domain.Calendar, error) {
			return p.Calendar.FetchCalendars(ctx, k.UserID)
		},
		store.SourceOfTruth[store.CalendarKey, []domain.Calendar]{
			Reader: func(ctx context.Context, k store.CalendarKey) ([]domain.Calendar, error) {
				return db.CalendarsByUser(ctx, k.UserID)
			},
			Writer: func(ctx context.Context, _ store.CalendarKey, calendars []domain.Calendar) error {
				return db.UpsertCalendars(ctx, calendars)
			},
			Watch: func() (<-chan uint64, func()) { return db.Changes().Subscribe(persist.TableCalendars) },
		},
		store.WithValidator[store.CalendarKey, []domain.Calendar](r.validators.calendars),
		store.WithLogger[store.CalendarKey, []domain.Calendar](p.Logger),
		store.WithMetrics[store.CalendarKey, []domain.Calendar](p.Metrics),
		store.WithClock[store.CalendarKey, []domain.Calendar](p.Clock),
	)
	if err != nil {
		return nil, err
	}
	return &Calendars{repo: r, db: db, store: s}, nil
}

func calendarKey(userID string) (store.CalendarKey, error) {
	if strings.TrimSpace(userID) == "" {
		return store.CalendarKey{}, domain.Validation("User ID cannot be empty")
	}
	return store.CalendarKey{UserID: userID}, nil
}

// ForUser returns the calendars of userID, primary first.
func (c *Calendars) ForUser(ctx context.Context, userID string) ([]domain.Calendar, error) {
	return call(ctx, c.repo, "calendars_user", func(ctx context.Context) ([]domain.Calendar, error) {
		key, err := calendarKey(userID)
		if err != nil {
			return nil, err
		}
		return c.store.Get(ctx, key)
	})
}

// Refresh forces a remote fetch of the user's calendars. Local visibility
// choices survive the refresh.
func (c *Calendars) Refresh(ctx context.Context, userID string) ([]domain.Calendar, error) {
	return call(ctx, c.repo, "calendars_refresh", func(ctx context.Context) ([]domain.Calendar, error) {
		key, err := calendarKey(userID)
		if err != nil {
			return nil, err
		}
		return c.store.Refresh(ctx, key)
	})
}

// Observe streams the user's calendars until ctx ends.
func (c *Calendars) Observe(ctx context.Context, userID string, refresh bool) (<-chan store.Response[[]domain.Calendar], error) {
	key, err := calendarKey(userID)
	if err != nil {
		return nil, err
	}
	return c.store.Observe(ctx, key, refresh), nil
}

// Toggle flips the local visibility of calendarID and returns the updated
// calendar. Visibility is a local preference and is never pushed upstream.
func (c *Calendars) Toggle(ctx context.Context, userID, calendarID string) (domain.Calendar, error) {
	return call(ctx, c.repo, "calendar_toggle", func(ctx context.Context) (domain.Calendar, error) {
		key, err := calendarKey(userID)
		if err != nil {
			return domain.Calendar{}, err
		}
		calendars, err := c.db.CalendarsByUser(ctx, key.UserID)
		if err != nil {
			return domain.Calendar{}, err
		}
		for _, cal := range calendars {
			if cal.ID != calendarID {
				continue
			}
			cal.IsVisible = !cal.IsVisible
			if err := c.db.SetCalendarVisibility(ctx, cal.ID, cal.IsVisible); err != nil {
				return domain.Calendar{}, err
			}
			return cal, nil
		}
		return domain.Calendar{}, persist.ErrNotFound
	})
}

// SetVisible sets the local visibility of calendarID.
func (c *Calendars) SetVisible(ctx context.Context, calendarID string, visible bool) error {
	_, err := call(ctx, c.repo, "calendar_visibility", func(ctx context.Context) (struct{}, error) {
		if strings.TrimSpace(calendarID) == "" {
			return struct{}{}, domain.Validation("Calendar ID cannot be empty")
		}
		return struct{}{}, c.db.SetCalendarVisibility(ctx, calendarID, visible)
	})
	return err
}
