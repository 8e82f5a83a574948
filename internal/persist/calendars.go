package persist

import (
	"context"
	"database/sql"
	"errors"

	"github.com/l0p7/calsync/internal/domain"
)

// ErrNotFound reports a missing row on targeted updates.
var ErrNotFound = errors.New("persist: not found")

// UpsertCalendars stores calendars. Existing rows keep their local
// visibility flag so a remote refresh never undoes a user toggle.
func (db *DB) UpsertCalendars(ctx context.Context, calendars []domain.Calendar) error {
	if len(calendars) == 0 {
		return nil
	}
	err := db.withTx(ctx, "upsert calendars", func(tx *sql.Tx) error {
		for _, c := range calendars {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO calendars (id, user_id, name, color, is_visible, is_primary)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    user_id = excluded.user_id,
    name = excluded.name,
    color = excluded.color,
    is_primary = excluded.is_primary`,
				c.ID, c.UserID, c.Name, c.Color, boolToInt(c.IsVisible), boolToInt(c.IsPrimary),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.hub.notify(TableCalendars)
	return nil
}

// CalendarsByUser lists a user's calendars ordered primary first, then name.
func (db *DB) CalendarsByUser(ctx context.Context, userID string) ([]domain.Calendar, error) {
	rows, err := db.sql.QueryContext(ctx, `
SELECT id, user_id, name, color, is_visible, is_primary
FROM calendars
WHERE user_id = ?
ORDER BY is_primary DESC, name, id`, userID)
	if err != nil {
		return nil, storageErr("list calendars", err)
	}
	defer rows.Close()

	out := make([]domain.Calendar, 0)
	for rows.Next() {
		var c domain.Calendar
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Color, &c.IsVisible, &c.IsPrimary); err != nil {
			return nil, storageErr("scan calendar", err)
		}
		out = append(out, c)
	}
	return out, storageErr("list calendars", rows.Err())
}

// SetCalendarVisibility flips the visibility of one calendar.
func (db *DB) SetCalendarVisibility(ctx context.Context, calendarID string, visible bool) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE calendars SET is_visible = ? WHERE id = ?`, boolToInt(visible), calendarID)
	if err != nil {
		return storageErr("set calendar visibility", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	db.hub.notify(TableCalendars)
	return nil
}

// DeleteCalendarsByUser removes every calendar of a user.
func (db *DB) DeleteCalendarsByUser(ctx context.Context, userID string) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM calendars WHERE user_id = ?`, userID); err != nil {
		return storageErr("delete calendars", err)
	}
	db.hub.notify(TableCalendars)
	return nil
}
