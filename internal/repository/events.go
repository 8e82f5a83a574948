package repository

import (
	"context"
	"log/slog"
	"strings"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/expr"
	"github.com/l0p7/calsync/internal/failures"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/store"
)

// Events serves event ranges and single-event reads and writes.
type Events struct {
	repo   *Repository
	db     *persist.DB
	ranges *store.Store[store.EventKey, []domain.Event]
	single *store.Store[store.SingleEventKey, domain.Event]
	book   *store.Bookkeeper[store.SingleEventKey]
	rules  *expr.EventValidator
	newID  func() string
}

func newEvents(r *Repository, p Params) (*Events, error) {
	db := p.DB
	watch := func() (<-chan uint64, func()) { return db.Changes().Subscribe(persist.TableEvents) }
	book := store.NewBookkeeper[store.SingleEventKey](p.Failures, p.Logger)

	ranges, err := store.New("events",
		func(ctx context.Context, k store.EventKey) ([]domain.Event, error) {
			events, err := p.Calendar.FetchEvents(ctx, k.UserID, nil, k.Start, k.End)
			if err != nil {
				return nil, err
			}
			for i := range events {
				events[i].UserID = k.UserID
			}
			return events, nil
		},
		store.SourceOfTruth[store.EventKey, []domain.Event]{
			Reader: func(ctx context.Context, k store.EventKey) ([]domain.Event, error) {
				return db.EventsInRange(ctx, k.UserID, k.Start, k.End)
			},
			// Upserted one by one; events of other ranges stay cached. Events
			// with an unsynced local edit or delete keep their local state.
			Writer: func(ctx context.Context, _ store.EventKey, events []domain.Event) error {
				synced, err := withoutPendingSync(ctx, book, p.MaxSyncAttempts, events)
				if err != nil {
					return err
				}
				return db.UpsertEvents(ctx, synced)
			},
			Watch: watch,
		},
		store.WithValidator[store.EventKey, []domain.Event](r.validators.events),
		store.WithLogger[store.EventKey, []domain.Event](p.Logger),
		store.WithMetrics[store.EventKey, []domain.Event](p.Metrics),
		store.WithClock[store.EventKey, []domain.Event](p.Clock),
	)
	if err != nil {
		return nil, err
	}

	single, err := store.New("single_event",
		func(ctx context.Context, k store.SingleEventKey) (domain.Event, error) {
			return p.Calendar.FetchEvent(ctx, k.EventID)
		},
		store.SourceOfTruth[store.SingleEventKey, domain.Event]{
			Reader: func(ctx context.Context, k store.SingleEventKey) (domain.Event, error) {
				ev, _, err := db.Event(ctx, k.EventID)
				return ev, err
			},
			Writer: func(ctx context.Context, _ store.SingleEventKey, ev domain.Event) error {
				return db.UpsertEvent(ctx, ev)
			},
			Deleter: func(ctx context.Context, k store.SingleEventKey) error {
				return db.DeleteEvent(ctx, k.EventID)
			},
			Watch: watch,
		},
		store.WithValidator[store.SingleEventKey, domain.Event](r.validators.singleEvent),
		store.WithBookkeeper[store.SingleEventKey, domain.Event](book),
		store.WithUpdater(store.Updater[store.SingleEventKey, domain.Event]{
			Post: func(ctx context.Context, _ store.SingleEventKey, ev domain.Event) error {
				return p.Calendar.PushEvent(ctx, ev)
			},
			Delete: func(ctx context.Context, k store.SingleEventKey) error {
				return p.Calendar.DeleteEvent(ctx, k.EventID)
			},
		}),
		store.WithLogger[store.SingleEventKey, domain.Event](p.Logger),
		store.WithMetrics[store.SingleEventKey, domain.Event](p.Metrics),
		store.WithClock[store.SingleEventKey, domain.Event](p.Clock),
		store.WithMaxSyncAttempts[store.SingleEventKey, domain.Event](p.MaxSyncAttempts),
	)
	if err != nil {
		return nil, err
	}

	return &Events{repo: r, db: db, ranges: ranges, single: single, book: book, rules: p.Rules, newID: p.NewID}, nil
}

// withoutPendingSync drops events whose single-event write-back is still
// owed to the remote. Records past maxAttempts no longer protect the row.
func withoutPendingSync(ctx context.Context, book *store.Bookkeeper[store.SingleEventKey], maxAttempts int, events []domain.Event) ([]domain.Event, error) {
	records, err := book.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return events, nil
	}
	pending := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if maxAttempts > 0 && rec.FailureCount >= maxAttempts {
			continue
		}
		pending[rec.Key] = struct{}{}
	}
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if _, ok := pending[store.SingleEventKey{EventID: ev.ID}.CacheKey()]; ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func rangeKey(userID string, start, end int64) (store.EventKey, error) {
	if strings.TrimSpace(userID) == "" {
		return store.EventKey{}, domain.Validation("User ID cannot be empty")
	}
	if end < start {
		return store.EventKey{}, domain.Validation("Range end must not be before its start")
	}
	return store.EventKey{UserID: userID, Start: start, End: end}, nil
}

// Range returns the events of userID overlapping [start, end], refreshing
// them when stale.
func (e *Events) Range(ctx context.Context, userID string, start, end int64) ([]domain.Event, error) {
	return call(ctx, e.repo, "events_range", func(ctx context.Context) ([]domain.Event, error) {
		key, err := rangeKey(userID, start, end)
		if err != nil {
			return nil, err
		}
		return e.ranges.Get(ctx, key)
	})
}

// RefreshRange forces a remote fetch of the range.
func (e *Events) RefreshRange(ctx context.Context, userID string, start, end int64) ([]domain.Event, error) {
	return call(ctx, e.repo, "events_refresh", func(ctx context.Context) ([]domain.Event, error) {
		key, err := rangeKey(userID, start, end)
		if err != nil {
			return nil, err
		}
		return e.ranges.Refresh(ctx, key)
	})
}

// ObserveRange streams the range until ctx ends.
func (e *Events) ObserveRange(ctx context.Context, userID string, start, end int64, refresh bool) (<-chan store.Response[[]domain.Event], error) {
	key, err := rangeKey(userID, start, end)
	if err != nil {
		return nil, err
	}
	return e.ranges.Observe(ctx, key, refresh), nil
}

// Get returns one event. A missing event is reported as NotFound.
func (e *Events) Get(ctx context.Context, eventID string) (domain.Event, error) {
	return call(ctx, e.repo, "event_get", func(ctx context.Context) (domain.Event, error) {
		if strings.TrimSpace(eventID) == "" {
			return domain.Event{}, domain.Validation("Event ID cannot be empty")
		}
		ev, err := e.single.Get(ctx, store.SingleEventKey{EventID: eventID})
		if err != nil {
			return domain.Event{}, err
		}
		if ev.ID == "" {
			return domain.Event{}, domain.NewError(domain.KindNotFound, "", nil)
		}
		return ev, nil
	})
}

// Create validates ev, assigns an ID when it has none and stores it locally
// before pushing it upstream. A failed push is recorded for retry and is not
// an error.
func (e *Events) Create(ctx context.Context, ev domain.Event) (domain.Event, error) {
	return call(ctx, e.repo, "event_create", func(ctx context.Context) (domain.Event, error) {
		if strings.TrimSpace(ev.UserID) == "" {
			return domain.Event{}, domain.Validation("User ID cannot be empty")
		}
		if err := e.rules.Validate(ev, expr.OpCreate); err != nil {
			return domain.Event{}, err
		}
		if strings.TrimSpace(ev.ID) == "" {
			ev.ID = e.newID()
		}
		return e.write(ctx, ev)
	})
}

// Update validates and writes ev with the same local-first semantics as Create.
func (e *Events) Update(ctx context.Context, ev domain.Event) (domain.Event, error) {
	return call(ctx, e.repo, "event_update", func(ctx context.Context) (domain.Event, error) {
		if err := e.rules.Validate(ev, expr.OpUpdate); err != nil {
			return domain.Event{}, err
		}
		return e.write(ctx, ev)
	})
}

func (e *Events) write(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if ev.Color == 0 {
		ev.Color = domain.ColorFor(ev.CalendarID)
	}
	if ev.ReminderMinutes == nil {
		ev.ReminderMinutes = []int{}
	}
	key := store.SingleEventKey{EventID: ev.ID}
	if err := e.single.Write(ctx, key, ev); err != nil {
		return domain.Event{}, err
	}
	if rec, ok := e.book.Record(ctx, key); ok {
		e.repo.logger.Info("event saved locally; sync pending",
			slog.String("event_id", ev.ID),
			slog.Int("failure_count", rec.FailureCount))
	}
	return ev, nil
}

// Delete removes the event locally and upstream. A failed upstream delete is
// recorded for retry.
func (e *Events) Delete(ctx context.Context, eventID string) error {
	_, err := call(ctx, e.repo, "event_delete", func(ctx context.Context) (struct{}, error) {
		if strings.TrimSpace(eventID) == "" {
			return struct{}{}, domain.Validation("Event ID cannot be empty")
		}
		return struct{}{}, e.single.Delete(ctx, store.SingleEventKey{EventID: eventID})
	})
	return err
}

// SyncStatus returns the pending write-back record for eventID, if any.
func (e *Events) SyncStatus(ctx context.Context, eventID string) (failures.Record, bool) {
	return e.book.Record(ctx, store.SingleEventKey{EventID: eventID})
}

// Retry pushes the local copy of eventID upstream again. The returned record
// is the state after the attempt; ok is false when nothing is pending anymore.
func (e *Events) Retry(ctx context.Context, eventID string) (failures.Record, bool, error) {
	key := store.SingleEventKey{EventID: eventID}
	if _, ok := e.book.Record(ctx, key); !ok {
		return failures.Record{}, false, nil
	}
	_, err := call(ctx, e.repo, "event_retry", func(ctx context.Context) (domain.Event, error) {
		ev, found, err := e.db.Event(ctx, eventID)
		if err != nil {
			return domain.Event{}, err
		}
		if !found {
			return domain.Event{}, e.single.Delete(ctx, key)
		}
		return ev, e.single.Write(ctx, key, ev)
	})
	if err != nil {
		return failures.Record{}, false, err
	}
	rec, ok := e.book.Record(ctx, key)
	return rec, ok, nil
}

// ClearPending forgets every pending single-event write-back.
func (e *Events) ClearPending(ctx context.Context) error {
	if !e.book.ClearAll(ctx) {
		return domain.NewError(domain.KindDatabase, "", nil)
	}
	return nil
}
