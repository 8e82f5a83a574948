package persist

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/l0p7/calsync/internal/domain"
)

const eventColumns = `id, user_id, calendar_id, calendar_name, title, description, location,
    start_time, end_time, is_all_day, is_recurring, recurring_rule, color`

// UpsertEvents stores events and replaces each event's reminders in one
// transaction.
func (db *DB) UpsertEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := db.withTx(ctx, "upsert events", func(tx *sql.Tx) error {
		for _, ev := range events {
			if err := upsertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.hub.notify(TableEvents)
	return nil
}

// UpsertEvent stores a single event with its reminders.
func (db *DB) UpsertEvent(ctx context.Context, ev domain.Event) error {
	return db.UpsertEvents(ctx, []domain.Event{ev})
}

func upsertEvent(ctx context.Context, exec execer, ev domain.Event) error {
	if _, err := exec.ExecContext(ctx, `
INSERT INTO events (`+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    user_id = CASE WHEN excluded.user_id = '' THEN events.user_id ELSE excluded.user_id END,
    calendar_id = excluded.calendar_id,
    calendar_name = excluded.calendar_name,
    title = excluded.title,
    description = excluded.description,
    location = excluded.location,
    start_time = excluded.start_time,
    end_time = excluded.end_time,
    is_all_day = excluded.is_all_day,
    is_recurring = excluded.is_recurring,
    recurring_rule = excluded.recurring_rule,
    color = excluded.color`,
		ev.ID, ev.UserID, ev.CalendarID, ev.CalendarName, ev.Title, ev.Description, ev.Location,
		ev.StartTime, ev.EndTime, boolToInt(ev.IsAllDay), boolToInt(ev.IsRecurring), ev.RecurringRule, ev.Color,
	); err != nil {
		return err
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM event_reminders WHERE event_id = ?`, ev.ID); err != nil {
		return err
	}
	for i, minutes := range ev.ReminderMinutes {
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO event_reminders (event_id, position, minutes) VALUES (?, ?, ?)`,
			ev.ID, i, minutes,
		); err != nil {
			return err
		}
	}
	return nil
}

// EventsInRange lists a user's events overlapping [start, end], ordered by
// start time.
func (db *DB) EventsInRange(ctx context.Context, userID string, start, end int64) ([]domain.Event, error) {
	rows, err := db.sql.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM events
WHERE user_id = ? AND start_time <= ? AND end_time >= ?
ORDER BY start_time, id`, userID, end, start)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	if err := db.attachReminders(ctx, events); err != nil {
		return nil, storageErr("list reminders", err)
	}
	return events, nil
}

// Event loads one event by ID.
func (db *DB) Event(ctx context.Context, id string) (domain.Event, bool, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return domain.Event{}, false, storageErr("get event", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return domain.Event{}, false, storageErr("get event", err)
	}
	if len(events) == 0 {
		return domain.Event{}, false, nil
	}
	if err := db.attachReminders(ctx, events); err != nil {
		return domain.Event{}, false, storageErr("get reminders", err)
	}
	return events[0], true, nil
}

// DeleteEvent removes an event and, by cascade, its reminders. Deleting a
// missing event is not an error.
func (db *DB) DeleteEvent(ctx context.Context, id string) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return storageErr("delete event", err)
	}
	db.hub.notify(TableEvents)
	return nil
}

// scanEvents drains and closes rows before any follow-up query runs on the
// single connection.
func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	out := make([]domain.Event, 0)
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(
			&ev.ID, &ev.UserID, &ev.CalendarID, &ev.CalendarName, &ev.Title, &ev.Description, &ev.Location,
			&ev.StartTime, &ev.EndTime, &ev.IsAllDay, &ev.IsRecurring, &ev.RecurringRule, &ev.Color,
		); err != nil {
			return nil, err
		}
		ev.ReminderMinutes = []int{}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) attachReminders(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	index := make(map[string]int, len(events))
	args := make([]any, 0, len(events))
	for i, ev := range events {
		index[ev.ID] = i
		args = append(args, ev.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := db.sql.QueryContext(ctx, `
SELECT event_id, minutes FROM event_reminders
WHERE event_id IN (`+placeholders+`)
ORDER BY event_id, position`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			eventID string
			minutes int
		)
		if err := rows.Scan(&eventID, &minutes); err != nil {
			return err
		}
		i, ok := index[eventID]
		if !ok {
			return errors.New("reminder for unknown event " + eventID)
		}
		events[i].ReminderMinutes = append(events[i].ReminderMinutes, minutes)
	}
	return rows.Err()
}
