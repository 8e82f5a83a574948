package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/calsync/internal/domain"
)

// CalendarItem is the wire shape of a calendar returned by the calendar API.
type CalendarItem struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Color     *int64 `json:"color,omitempty"`
	IsVisible *bool  `json:"isVisible,omitempty"`
	IsPrimary bool   `json:"isPrimary"`
}

// EventItem is the wire shape of an event.
type EventItem struct {
	ID              string  `json:"id"`
	CalendarID      string  `json:"calendarId"`
	CalendarName    *string `json:"calendarName,omitempty"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Location        *string `json:"location,omitempty"`
	StartTime       int64   `json:"startTime"`
	EndTime         int64   `json:"endTime"`
	IsAllDay        bool    `json:"isAllDay"`
	IsRecurring     bool    `json:"isRecurring"`
	RecurringRule   *string `json:"recurringRule,omitempty"`
	ReminderMinutes []int   `json:"reminderMinutes"`
}

// HolidayResponse is the envelope returned by the holiday API.
type HolidayResponse struct {
	Response struct {
		Holidays []HolidayItem `json:"holidays"`
	} `json:"response"`
}

// HolidayItem is a single holiday entry.
type HolidayItem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URLID       string `json:"urlid"`
	Country     struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"country"`
	Date struct {
		ISO string `json:"iso"`
	} `json:"date"`
	Type []string `json:"type"`
}

// AsCalendar converts the wire calendar to the domain model.
func (c CalendarItem) AsCalendar() domain.Calendar {
	out := domain.Calendar{
		ID:        c.ID,
		UserID:    c.UserID,
		Name:      c.Name,
		IsVisible: true,
		IsPrimary: c.IsPrimary,
	}
	if c.IsVisible != nil {
		out.IsVisible = *c.IsVisible
	}
	if c.Color != nil {
		out.Color = *c.Color
	} else {
		out.Color = domain.ColorFor(c.ID + c.Name)
	}
	return out
}

// AsEvent converts the wire event to the domain model.
func (e EventItem) AsEvent() domain.Event {
	out := domain.Event{
		ID:              e.ID,
		CalendarID:      e.CalendarID,
		Title:           e.Title,
		Description:     e.Description,
		StartTime:       e.StartTime,
		EndTime:         e.EndTime,
		IsAllDay:        e.IsAllDay,
		IsRecurring:     e.IsRecurring,
		ReminderMinutes: append([]int(nil), e.ReminderMinutes...),
	}
	if e.CalendarName != nil {
		out.CalendarName = *e.CalendarName
	}
	if e.Location != nil {
		out.Location = *e.Location
	}
	if e.RecurringRule != nil {
		out.RecurringRule = *e.RecurringRule
	}
	out.Color = domain.ColorFor(out.CalendarID + out.CalendarName)
	return out
}

// EventItemFrom converts a domain event into its wire shape for pushes.
func EventItemFrom(e domain.Event) EventItem {
	item := EventItem{
		ID:              e.ID,
		CalendarID:      e.CalendarID,
		Title:           e.Title,
		Description:     e.Description,
		StartTime:       e.StartTime,
		EndTime:         e.EndTime,
		IsAllDay:        e.IsAllDay,
		IsRecurring:     e.IsRecurring,
		ReminderMinutes: append([]int{}, e.ReminderMinutes...),
	}
	if e.CalendarName != "" {
		name := e.CalendarName
		item.CalendarName = &name
	}
	if e.Location != "" {
		loc := e.Location
		item.Location = &loc
	}
	if e.RecurringRule != "" {
		rule := e.RecurringRule
		item.RecurringRule = &rule
	}
	return item
}

// AsHoliday converts the wire holiday to the domain model. Country codes are
// stored lower-case.
func (h HolidayItem) AsHoliday() (domain.Holiday, error) {
	iso := strings.TrimSpace(h.Date.ISO)
	if len(iso) > 10 {
		iso = iso[:10]
	}
	day, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return domain.Holiday{}, fmt.Errorf("holiday %q date: %w", h.Name, err)
	}
	country := strings.ToLower(strings.TrimSpace(h.Country.ID))
	id := strings.TrimSpace(h.URLID)
	if id == "" {
		id = strings.ToLower(strings.ReplaceAll(h.Name, " ", "-"))
	}
	holidayType := ""
	if len(h.Type) > 0 {
		holidayType = h.Type[0]
	}
	return domain.Holiday{
		ID:          fmt.Sprintf("%s-%s-%s", country, iso, id),
		Name:        h.Name,
		Date:        day.UTC().UnixMilli(),
		CountryCode: country,
		HolidayType: holidayType,
	}, nil
}
