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

// HolidayAPI fetches public holidays from a calendarific-style service.
type HolidayAPI struct {
	client  *Client
	baseURL string
	apiKey  string
}

// NewHolidayAPI binds the holiday endpoint. apiKey may be empty for
// self-hosted mirrors.
func NewHolidayAPI(client *Client, baseURL, apiKey string) (*HolidayAPI, error) {
	if client == nil {
		return nil, errors.New("remote: holiday api requires a client")
	}
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, errors.New("remote: holiday api url required")
	}
	return &HolidayAPI{client: client, baseURL: base, apiKey: apiKey}, nil
}

// FetchHolidays returns the holidays of countryCode in year. Entries with an
// unparseable date are skipped.
func (a *HolidayAPI) FetchHolidays(ctx context.Context, countryCode string, year int) ([]domain.Holiday, error) {
	query := url.Values{}
	if a.apiKey != "" {
		query.Set("api_key", a.apiKey)
	}
	query.Set("country", countryCode)
	query.Set("year", strconv.Itoa(year))

	var resp HolidayResponse
	if err := a.client.getJSON(ctx, "fetch_holidays", a.baseURL, query, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Holiday, 0, len(resp.Response.Holidays))
	for _, item := range resp.Response.Holidays {
		holiday, err := item.AsHoliday()
		if err != nil {
			a.client.logger.Warn("skipping holiday", slog.Any("error", err))
			continue
		}
		if holiday.CountryCode == "" {
			holiday.CountryCode = strings.ToLower(countryCode)
		}
		out = append(out, holiday)
	}
	return out, nil
}
