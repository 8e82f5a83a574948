package persist

import (
	"context"
	"database/sql"
	"strings"

	"github.com/l0p7/calsync/internal/domain"
)

// UpsertHolidays stores holidays; country codes are kept lower case.
func (db *DB) UpsertHolidays(ctx context.Context, holidays []domain.Holiday) error {
	if len(holidays) == 0 {
		return nil
	}
	err := db.withTx(ctx, "upsert holidays", func(tx *sql.Tx) error {
		for _, h := range holidays {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO holidays (id, name, date, country_code, holiday_type)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    date = excluded.date,
    country_code = excluded.country_code,
    holiday_type = excluded.holiday_type`,
				h.ID, h.Name, h.Date, strings.ToLower(h.CountryCode), h.HolidayType,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.hub.notify(TableHolidays)
	return nil
}

// HolidaysInRange lists holidays of a country dated within [start, end].
func (db *DB) HolidaysInRange(ctx context.Context, countryCode string, start, end int64) ([]domain.Holiday, error) {
	rows, err := db.sql.QueryContext(ctx, `
SELECT id, name, date, country_code, holiday_type
FROM holidays
WHERE country_code = ? AND date BETWEEN ? AND ?
ORDER BY date, id`, strings.ToLower(countryCode), start, end)
	if err != nil {
		return nil, storageErr("list holidays", err)
	}
	defer rows.Close()

	out := make([]domain.Holiday, 0)
	for rows.Next() {
		var h domain.Holiday
		if err := rows.Scan(&h.ID, &h.Name, &h.Date, &h.CountryCode, &h.HolidayType); err != nil {
			return nil, storageErr("scan holiday", err)
		}
		out = append(out, h)
	}
	return out, storageErr("list holidays", rows.Err())
}

// DeleteHolidaysInRange removes a country's holidays within [start, end].
func (db *DB) DeleteHolidaysInRange(ctx context.Context, countryCode string, start, end int64) error {
	if _, err := db.sql.ExecContext(ctx,
		`DELETE FROM holidays WHERE country_code = ? AND date BETWEEN ? AND ?`,
		strings.ToLower(countryCode), start, end,
	); err != nil {
		return storageErr("delete holidays", err)
	}
	db.hub.notify(TableHolidays)
	return nil
}
