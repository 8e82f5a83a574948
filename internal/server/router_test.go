package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/metrics"
	"github.com/l0p7/calsync/internal/notify"
	"github.com/l0p7/calsync/internal/persist"
	"github.com/l0p7/calsync/internal/remote"
	"github.com/l0p7/calsync/internal/remote/remotetest"
	"github.com/l0p7/calsync/internal/repository"
)

type apiFixture struct {
	expect  *httpexpect.Expect
	backend *remotetest.Server
	center  *notify.Center
	metrics *metrics.Recorder
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := persist.Open(context.Background(), filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend := remotetest.New(t)
	center, err := notify.NewCenter(notify.Config{}, logger)
	require.NoError(t, err)
	rec := metrics.NewRecorder(nil)

	repo, err := repository.New(repository.Params{
		DB:       db,
		Calendar: backend.CalendarAPI(t),
		Holidays: backend.HolidayAPI(t),
		Notifier: center,
		Metrics:  rec,
		Logger:   logger,
	})
	require.NoError(t, err)

	handler, err := NewAPIHandler(APIOptions{
		Repository:        repo,
		Notifications:     center,
		Health:            db,
		Metrics:           rec,
		MetricsHandler:    rec.Handler(),
		Logger:            logger,
		CorrelationHeader: "X-Request-ID",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
	return &apiFixture{expect: expect, backend: backend, center: center, metrics: rec}
}

func TestNewAPIHandlerRequiresRepository(t *testing.T) {
	_, err := NewAPIHandler(APIOptions{})
	require.Error(t, err)
}

func TestAPIListEventsReadsThrough(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.AddEvent("u1", remote.EventItem{ID: "e1", CalendarID: "c1", Title: "Standup", StartTime: 1_000, EndTime: 2_000})
	f.backend.AddEvent("u2", remote.EventItem{ID: "e2", CalendarID: "c9", Title: "Other", StartTime: 1_000, EndTime: 2_000})

	events := f.expect.GET("/v1/users/u1/events").
		WithQuery("start", 0).WithQuery("end", 10_000).
		Expect().
		Status(http.StatusOK).
		JSON().Array()
	events.Length().IsEqual(1)
	events.Value(0).Object().HasValue("id", "e1").HasValue("userId", "u1")

	f.expect.GET("/v1/users/u1/events").
		WithQuery("start", 0).WithQuery("end", 10_000).
		Expect().
		Status(http.StatusOK)
	require.Equal(t, 1, f.backend.Calls("fetch_events"), "fresh range must be served locally")

	f.expect.GET("/v1/users/u1/events").
		WithQuery("start", 0).WithQuery("end", 10_000).WithQuery("refresh", true).
		Expect().
		Status(http.StatusOK)
	require.Equal(t, 2, f.backend.Calls("fetch_events"))
}

func TestAPIListEventsRejectsBadQuery(t *testing.T) {
	f := newAPIFixture(t)

	f.expect.GET("/v1/users/u1/events").WithQuery("end", 10).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", string(domain.KindValidation))

	f.expect.GET("/v1/users/u1/events").WithQuery("start", 10).WithQuery("end", 5).
		Expect().
		Status(http.StatusBadRequest)

	f.expect.GET("/v1/users/u1/events").WithQuery("start", 0).WithQuery("end", 5).WithQuery("refresh", "maybe").
		Expect().
		Status(http.StatusBadRequest)
}

func TestAPIEventLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	created := f.expect.POST("/v1/events").
		WithJSON(map[string]any{
			"userId":     "u1",
			"calendarId": "c1",
			"title":      "Review",
			"startTime":  1_000,
			"endTime":    2_000,
		}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object()
	created.HasValue("syncPending", false)
	id := created.Value("id").String().NotEmpty().Raw()

	_, pushed := f.backend.Event(id)
	require.True(t, pushed)

	f.expect.GET("/v1/events/{id}", id).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("title", "Review")

	f.expect.PUT("/v1/events/{id}", id).
		WithJSON(map[string]any{"userId": "u1", "calendarId": "c1", "title": "Review v2", "startTime": 1_000, "endTime": 3_000}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("title", "Review v2").HasValue("id", id)

	f.expect.PUT("/v1/events/{id}", id).
		WithJSON(map[string]any{"id": "other", "calendarId": "c1", "title": "x", "startTime": 1, "endTime": 2}).
		Expect().
		Status(http.StatusBadRequest)

	f.expect.DELETE("/v1/events/{id}", id).
		Expect().
		Status(http.StatusNoContent)

	f.expect.GET("/v1/events/{id}", id).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().HasValue("error", string(domain.KindNotFound))
}

func TestAPICreateRejectsInvalidEvents(t *testing.T) {
	f := newAPIFixture(t)

	f.expect.POST("/v1/events").
		WithJSON(map[string]any{"userId": "u1", "calendarId": "c1", "title": "  ", "startTime": 1, "endTime": 2}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", string(domain.KindValidation))

	f.expect.POST("/v1/events").
		WithJSON(map[string]any{"userId": "u1", "unexpected": true}).
		Expect().
		Status(http.StatusBadRequest)

	f.expect.POST("/v1/events").
		WithBytes([]byte("{not json")).
		Expect().
		Status(http.StatusBadRequest)
}

func TestAPIOfflineWriteIsPendingUntilRetried(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.FailWith(http.StatusServiceUnavailable)

	id := f.expect.POST("/v1/events").
		WithJSON(map[string]any{"userId": "u1", "calendarId": "c1", "title": "Offline", "startTime": 10, "endTime": 20}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object().HasValue("syncPending", true).
		Value("id").String().Raw()

	status := f.expect.GET("/v1/events/{id}/sync", id).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	status.HasValue("pending", true)
	status.Value("record").Object().HasValue("failureCount", 1).HasValue("keyType", "SINGLE_EVENT_KEY")

	f.expect.GET("/v1/sync/failures").WithQuery("type", "single_event_key").
		Expect().
		Status(http.StatusOK).
		JSON().Array().Length().IsEqual(1)

	f.expect.GET("/v1/sync/failures").WithQuery("type", "bogus").
		Expect().
		Status(http.StatusBadRequest)

	f.backend.FailWith(0)
	f.expect.POST("/v1/events/{id}/sync", id).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("pending", false).NotContainsKey("record")

	_, pushed := f.backend.Event(id)
	require.True(t, pushed)

	f.expect.GET("/v1/sync/failures").
		Expect().
		Status(http.StatusOK).
		JSON().Array().IsEmpty()
}

func TestAPIClearSyncFailures(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.FailWith(http.StatusInternalServerError)
	for _, title := range []string{"one", "two"} {
		f.expect.POST("/v1/events").
			WithJSON(map[string]any{"userId": "u1", "calendarId": "c1", "title": title, "startTime": 10, "endTime": 20}).
			Expect().
			Status(http.StatusCreated)
	}

	f.expect.GET("/v1/sync/failures").Expect().Status(http.StatusOK).JSON().Array().Length().IsEqual(2)
	f.expect.DELETE("/v1/sync/failures").Expect().Status(http.StatusNoContent)
	f.expect.GET("/v1/sync/failures").Expect().Status(http.StatusOK).JSON().Array().IsEmpty()
}

func TestAPIFailureRaisesNotification(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.FailWith(http.StatusInternalServerError)

	f.expect.GET("/v1/users/u1/events").
		WithQuery("start", 0).WithQuery("end", 10).
		Expect().
		Status(http.StatusBadGateway).
		JSON().Object().
		HasValue("error", string(domain.KindServerError)).
		HasValue("message", domain.DefaultMessage(domain.KindServerError))

	banners := f.expect.GET("/v1/notifications").
		Expect().
		Status(http.StatusOK).
		JSON().Array()
	banners.Length().IsEqual(1)
	banner := banners.Value(0).Object()
	banner.HasValue("kind", string(domain.KindServerError))
	id := banner.Value("id").String().Raw()

	f.expect.DELETE("/v1/notifications/{id}", id).Expect().Status(http.StatusNoContent)
	f.expect.DELETE("/v1/notifications/{id}", id).Expect().Status(http.StatusNotFound)
	f.expect.GET("/v1/notifications").Expect().Status(http.StatusOK).JSON().Array().IsEmpty()
}

func TestAPICalendarsAndToggle(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.AddCalendar(remote.CalendarItem{ID: "c1", UserID: "u1", Name: "Work", IsPrimary: true})

	calendars := f.expect.GET("/v1/users/u1/calendars").
		Expect().
		Status(http.StatusOK).
		JSON().Array()
	calendars.Length().IsEqual(1)
	calendars.Value(0).Object().HasValue("isVisible", true)

	f.expect.POST("/v1/calendars/c1/toggle").WithQuery("user", "u1").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("id", "c1").HasValue("isVisible", false)

	f.expect.GET("/v1/users/u1/calendars").WithQuery("refresh", true).
		Expect().
		Status(http.StatusOK).
		JSON().Array().Value(0).Object().HasValue("isVisible", false)

	f.expect.POST("/v1/calendars/missing/toggle").WithQuery("user", "u1").
		Expect().
		Status(http.StatusNotFound)

	f.expect.POST("/v1/calendars/c1/toggle").
		Expect().
		Status(http.StatusBadRequest)
}

func TestAPIHolidays(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.AddHoliday("us", 2024, remotetest.Holiday("us", "New Year's Day", "2024-01-01"))

	holidays := f.expect.GET("/v1/holidays/{country}/{year}", "US", 2024).
		Expect().
		Status(http.StatusOK).
		JSON().Array()
	holidays.Length().IsEqual(1)
	holidays.Value(0).Object().HasValue("countryCode", "us").HasValue("name", "New Year's Day")

	f.expect.GET("/v1/holidays/{country}/{year}", "us", "next").
		Expect().
		Status(http.StatusBadRequest)
}

func TestAPIHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	f.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok").HasValue("pendingSyncs", 0)

	f.expect.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Contains("calsync_http_requests_total")
}

func TestAPICorrelationHeader(t *testing.T) {
	f := newAPIFixture(t)

	f.expect.GET("/healthz").WithHeader("X-Request-ID", "req-123").
		Expect().
		Status(http.StatusOK).
		Header("X-Request-ID").IsEqual("req-123")

	f.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		Header("X-Request-ID").NotEmpty()
}

func TestStatusFor(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindValidation:   http.StatusBadRequest,
		domain.KindUnauthorized: http.StatusUnauthorized,
		domain.KindNotFound:     http.StatusNotFound,
		domain.KindNoInternet:   http.StatusServiceUnavailable,
		domain.KindServerError:  http.StatusBadGateway,
		domain.KindTimeout:      http.StatusGatewayTimeout,
		domain.KindDatabase:     http.StatusInternalServerError,
		domain.KindUnknown:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		t.Run(string(kind), func(t *testing.T) {
			require.Equal(t, want, StatusFor(kind))
		})
	}
}
