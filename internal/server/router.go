package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/calsync/internal/domain"
	"github.com/l0p7/calsync/internal/errmap"
	"github.com/l0p7/calsync/internal/failures"
	"github.com/l0p7/calsync/internal/notify"
	"github.com/l0p7/calsync/internal/repository"
)

const maxBodyBytes = 1 << 20

// Notifications is the banner surface the API exposes.
type Notifications interface {
	Active() []notify.Banner
	Dismiss(id string) bool
}

// HealthChecker reports whether local storage is usable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HTTPMetrics records completed requests. *metrics.Recorder satisfies it.
type HTTPMetrics interface {
	ObserveHTTP(route, method string, statusCode int, duration time.Duration)
}

// APIOptions collects the collaborators of the JSON API.
type APIOptions struct {
	Repository        *repository.Repository
	Notifications     Notifications
	Health            HealthChecker
	Metrics           HTTPMetrics
	MetricsHandler    http.Handler
	Logger            *slog.Logger
	CorrelationHeader string
}

type api struct {
	repo              *repository.Repository
	notifications     Notifications
	health            HealthChecker
	metrics           HTTPMetrics
	logger            *slog.Logger
	correlationHeader string
	mux               *http.ServeMux
}

// NewAPIHandler routes the versioned JSON API onto the repository layer.
func NewAPIHandler(opts APIOptions) (http.Handler, error) {
	if opts.Repository == nil {
		return nil, errors.New("server: repository required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		repo:              opts.Repository,
		notifications:     opts.Notifications,
		health:            opts.Health,
		metrics:           opts.Metrics,
		logger:            logger.With(slog.String("agent", "api")),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		mux:               http.NewServeMux(),
	}

	a.route("GET /v1/users/{user}/events", a.listEvents)
	a.route("POST /v1/events", a.createEvent)
	a.route("GET /v1/events/{id}", a.getEvent)
	a.route("PUT /v1/events/{id}", a.updateEvent)
	a.route("DELETE /v1/events/{id}", a.deleteEvent)
	a.route("GET /v1/events/{id}/sync", a.syncStatus)
	a.route("POST /v1/events/{id}/sync", a.retrySync)
	a.route("GET /v1/sync/failures", a.listSyncFailures)
	a.route("DELETE /v1/sync/failures", a.clearSyncFailures)
	a.route("GET /v1/users/{user}/calendars", a.listCalendars)
	a.route("POST /v1/calendars/{id}/toggle", a.toggleCalendar)
	a.route("GET /v1/holidays/{country}/{year}", a.listHolidays)
	a.route("GET /v1/notifications", a.listNotifications)
	a.route("DELETE /v1/notifications/{id}", a.dismissNotification)
	a.route("GET /healthz", a.serveHealth)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}
	a.mux.Handle("GET /metrics", metricsHandler)

	return a.withCorrelation(a.mux), nil
}

func (a *api) route(pattern string, fn http.HandlerFunc) {
	a.mux.Handle(pattern, a.instrument(pattern, fn))
}

func (a *api) listEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	start, err := int64Query(r, "start")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	end, err := int64Query(r, "end")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var events []domain.Event
	if refresh {
		events, err = a.repo.Events.RefreshRange(r.Context(), userID, start, end)
	} else {
		events, err = a.repo.Events.Range(r.Context(), userID, start, end)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(events))
}

// eventResponse reports a saved event together with its write-back state.
type eventResponse struct {
	domain.Event
	SyncPending bool `json:"syncPending"`
}

func (a *api) createEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := decodeBody(w, r, &ev); err != nil {
		a.writeError(w, r, err)
		return
	}
	saved, err := a.repo.Events.Create(r.Context(), ev)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_, pending := a.repo.Events.SyncStatus(r.Context(), saved.ID)
	w.Header().Set("Location", "/v1/events/"+saved.ID)
	a.writeJSON(w, http.StatusCreated, eventResponse{Event: saved, SyncPending: pending})
}

func (a *api) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := a.repo.Events.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ev)
}

func (a *api) updateEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var ev domain.Event
	if err := decodeBody(w, r, &ev); err != nil {
		a.writeError(w, r, err)
		return
	}
	if ev.ID != "" && ev.ID != id {
		a.writeError(w, r, domain.Validation("Event ID does not match the request path"))
		return
	}
	ev.ID = id
	saved, err := a.repo.Events.Update(r.Context(), ev)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_, pending := a.repo.Events.SyncStatus(r.Context(), saved.ID)
	a.writeJSON(w, http.StatusOK, eventResponse{Event: saved, SyncPending: pending})
}

func (a *api) deleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.Events.Delete(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncResponse struct {
	EventID string           `json:"eventId"`
	Pending bool             `json:"pending"`
	Record  *failures.Record `json:"record,omitempty"`
}

func (a *api) syncStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := a.repo.Events.SyncStatus(r.Context(), id)
	a.writeJSON(w, http.StatusOK, newSyncResponse(id, rec, ok))
}

func (a *api) retrySync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := a.repo.Events.Retry(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newSyncResponse(id, rec, ok))
}

func newSyncResponse(id string, rec failures.Record, pending bool) syncResponse {
	resp := syncResponse{EventID: id, Pending: pending}
	if pending {
		resp.Record = &rec
	}
	return resp
}

func (a *api) listSyncFailures(w http.ResponseWriter, r *http.Request) {
	keyType, err := keyTypeQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	records, err := a.repo.SyncFailures(r.Context(), keyType)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(records))
}

func (a *api) clearSyncFailures(w http.ResponseWriter, r *http.Request) {
	keyType, err := keyTypeQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.repo.ClearSyncFailures(r.Context(), keyType); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listCalendars(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	userID := r.PathValue("user")
	var calendars []domain.Calendar
	if refresh {
		calendars, err = a.repo.Calendars.Refresh(r.Context(), userID)
	} else {
		calendars, err = a.repo.Calendars.ForUser(r.Context(), userID)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(calendars))
}

func (a *api) toggleCalendar(w http.ResponseWriter, r *http.Request) {
	cal, err := a.repo.Calendars.Toggle(r.Context(), r.URL.Query().Get("user"), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, cal)
}

func (a *api) listHolidays(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		a.writeError(w, r, domain.Validation("Year must be a number"))
		return
	}
	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	country := r.PathValue("country")
	var holidays []domain.Holiday
	if refresh {
		holidays, err = a.repo.Holidays.Refresh(r.Context(), country, year)
	} else {
		holidays, err = a.repo.Holidays.ForYear(r.Context(), country, year)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(holidays))
}

func (a *api) listNotifications(w http.ResponseWriter, r *http.Request) {
	if a.notifications == nil {
		a.writeJSON(w, http.StatusOK, []notify.Banner{})
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(a.notifications.Active()))
}

func (a *api) dismissNotification(w http.ResponseWriter, r *http.Request) {
	if a.notifications == nil || !a.notifications.Dismiss(r.PathValue("id")) {
		a.writeError(w, r, domain.NewError(domain.KindNotFound, "Notification not found.", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"observedAt": time.Now().UTC(),
	}
	code := http.StatusOK
	if a.health != nil {
		if err := a.health.Ping(r.Context()); err != nil {
			a.logger.Error("health check failed", slog.Any("error", err))
			status["status"] = "unavailable"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if records, err := a.repo.SyncFailures(r.Context(), ""); err == nil {
		status["pendingSyncs"] = len(records)
	}
	a.writeJSON(w, code, status)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// writeError emits {"error": kind, "message": text} with a status derived
// from the error kind.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := errmap.Map(err)
	status := StatusFor(de.Kind)
	if errors.Is(err, context.Canceled) {
		a.logger.Debug("request cancelled", slog.String("path", r.URL.Path))
	}
	a.writeJSON(w, status, map[string]string{
		"error":   string(de.Kind),
		"message": de.Message,
	})
}

// StatusFor maps a domain error kind onto an HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindNoInternet:
		return http.StatusServiceUnavailable
	case domain.KindServerError:
		return http.StatusBadGateway
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Validation("Request body too large")
		}
		return domain.Validation(fmt.Sprintf("Invalid request body: %v", err))
	}
	return nil
}

func int64Query(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, domain.Validation(fmt.Sprintf("Query parameter %q is required", name))
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.Validation(fmt.Sprintf("Query parameter %q must be an integer", name))
	}
	return v, nil
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.Validation(fmt.Sprintf("Query parameter %q must be a boolean", name))
	}
	return v, nil
}

func keyTypeQuery(r *http.Request) (failures.KeyType, error) {
	raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type")))
	switch failures.KeyType(raw) {
	case "":
		return "", nil
	case failures.KeyTypeEvent, failures.KeyTypeSingleEvent, failures.KeyTypeHoliday, failures.KeyTypeCalendar:
		return failures.KeyType(raw), nil
	default:
		return "", domain.Validation(fmt.Sprintf("Unknown key type %q", raw))
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
