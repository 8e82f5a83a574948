package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/calsync/internal/domain"
)

// CalendarAPI talks to the calendar backend: calendars per user, events per
// range, and event pushes from local edits.
type CalendarAPI struct {
	client  *Client
	baseURL string
}

// NewCalendarAPI binds the calendar endpoints under baseURL.
func NewCalendarAPI(client *Client, baseURL string) (*CalendarAPI, error) {
	if client == nil {
		return nil, errors.New("remote: calendar api requires a client")
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("remote: calendar api base url required")
	}
	return &CalendarAPI{client: client, baseURL: base}, nil
}

// FetchCalendars returns the calendars owned by userID.
func (a *CalendarAPI) FetchCalendars(ctx context.Context, userID string) ([]domain.Calendar, error) {
	var items []CalendarItem
	endpoint := a.baseURL + "/users/" + url.PathEscape(userID) + "/calendars"
	if err := a.client.getJSON(ctx, "fetch_calendars", endpoint, nil, &items); err != nil {
		return nil, err
	}
	out := make([]domain.Calendar, 0, len(items))
	for _, item := range items {
		cal := item.AsCalendar()
		if cal.UserID == "" {
			cal.UserID = userID
		}
		out = append(out, cal)
	}
	a.client.logger.Debug("fetched calendars", slog.String("user_id", userID), slog.Int("count", len(out)))
	return out, nil
}

// FetchEvents returns the events of userID between start and end (epoch ms),
// optionally narrowed to calendarIDs.
func (a *CalendarAPI) FetchEvents(ctx context.Context, userID string, calendarIDs []string, start, end int64) ([]domain.Event, error) {
	query := url.Values{}
	query.Set("userId", userID)
	query.Set("start", strconv.FormatInt(start, 10))
	query.Set("end", strconv.FormatInt(end, 10))
	if len(calendarIDs) > 0 {
		query.Set("calendarIds", strings.Join(calendarIDs, ","))
	}
	var items []EventItem
	if err := a.client.getJSON(ctx, "fetch_events", a.baseURL+"/events", query, &items); err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(items))
	for _, item := range items {
		ev := item.AsEvent()
		ev.UserID = userID
		out = append(out, ev)
	}
	a.client.logger.Debug("fetched events",
		slog.String("user_id", userID),
		slog.Int64("start", start),
		slog.Int64("end", end),
		slog.Int("count", len(out)))
	return out, nil
}

// FetchEvent returns a single event by id.
func (a *CalendarAPI) FetchEvent(ctx context.Context, eventID string) (domain.Event, error) {
	var item EventItem
	if err := a.client.getJSON(ctx, "fetch_event", a.eventURL(eventID), nil, &item); err != nil {
		return domain.Event{}, err
	}
	return item.AsEvent(), nil
}

// PushEvent creates or replaces an event on the remote.
func (a *CalendarAPI) PushEvent(ctx context.Context, event domain.Event) error {
	return a.client.sendJSON(ctx, "push_event", "PUT", a.eventURL(event.ID), EventItemFrom(event), nil)
}

// DeleteEvent removes an event on the remote. A missing event counts as deleted.
func (a *CalendarAPI) DeleteEvent(ctx context.Context, eventID string) error {
	err := a.client.sendJSON(ctx, "delete_event", "DELETE", a.eventURL(eventID), nil, nil)
	if err != nil && KindOf(err) == KindNotFound {
		return nil
	}
	return err
}

func (a *CalendarAPI) eventURL(eventID string) string {
	return a.baseURL + "/events/" + url.PathEscape(eventID)
}
