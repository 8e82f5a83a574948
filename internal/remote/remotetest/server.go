// Package remotetest runs an in-memory calendar and holiday backend behind
// httptest for tests of the layers above the remote clients.
package remotetest

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/calsync/internal/remote"
)

type storedEvent struct {
	userID string
	item   remote.EventItem
}

// Server is a fake backend. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	calendars map[string][]remote.CalendarItem
	events    map[string]storedEvent
	holidays  map[string][]remote.HolidayItem
	status    int
	delay     time.Duration
	calls     map[string]int
}

// New starts a backend that is closed with the test.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		calendars: make(map[string][]remote.CalendarItem),
		events:    make(map[string]storedEvent),
		holidays:  make(map[string][]remote.HolidayItem),
		calls:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{user}/calendars", s.handle("fetch_calendars", s.listCalendars))
	mux.HandleFunc("GET /events", s.handle("fetch_events", s.listEvents))
	mux.HandleFunc("GET /events/{id}", s.handle("fetch_event", s.getEvent))
	mux.HandleFunc("PUT /events/{id}", s.handle("push_event", s.putEvent))
	mux.HandleFunc("DELETE /events/{id}", s.handle("delete_event", s.deleteEvent))
	mux.HandleFunc("GET /holidays", s.handle("fetch_holidays", s.listHolidays))
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// CalendarAPI returns a client bound to the backend whose breaker never opens.
func (s *Server) CalendarAPI(t testing.TB) *remote.CalendarAPI {
	t.Helper()
	api, err := remote.NewCalendarAPI(s.client(), s.URL)
	require.NoError(t, err)
	return api
}

// HolidayAPI returns a holiday client bound to the backend.
func (s *Server) HolidayAPI(t testing.TB) *remote.HolidayAPI {
	t.Helper()
	api, err := remote.NewHolidayAPI(s.client(), s.URL+"/holidays", "test-key")
	require.NoError(t, err)
	return api
}

func (s *Server) client() *remote.Client {
	cfg := remote.DefaultBreakerConfig()
	cfg.MinRequests = math.MaxUint32
	return remote.NewClient("remotetest", s.Server.Client(), 0, cfg, nil)
}

// FailWith makes every request answer status. Zero restores normal service.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Delay holds every response for d.
func (s *Server) Delay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Calls reports how many requests reached op, failed ones included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Server) AddCalendar(item remote.CalendarItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[item.UserID] = append(s.calendars[item.UserID], item)
}

func (s *Server) AddEvent(userID string, item remote.EventItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[item.ID] = storedEvent{userID: userID, item: item}
}

func (s *Server) AddHoliday(country string, year int, item remote.HolidayItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := country + "/" + strconv.Itoa(year)
	s.holidays[key] = append(s.holidays[key], item)
}

// Event returns the backend's copy of an event.
func (s *Server) Event(id string) (remote.EventItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev.item, ok
}

func (s *Server) handle(op string, fn func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		status, delay := s.status, s.delay
		s.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		fn(w, r)
	}
}

func (s *Server) listCalendars(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := append([]remote.CalendarItem{}, s.calendars[r.PathValue("user")]...)
	s.mu.Unlock()
	writeJSON(w, items)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("end"), 10, 64)
	user := q.Get("userId")

	s.mu.Lock()
	items := make([]remote.EventItem, 0)
	for _, ev := range s.events {
		if ev.userID == user && ev.item.StartTime <= end && ev.item.EndTime >= start {
			items = append(items, ev.item)
		}
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	writeJSON(w, items)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ev, ok := s.events[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, ev.item)
}

func (s *Server) putEvent(w http.ResponseWriter, r *http.Request) {
	var item remote.EventItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	prev := s.events[item.ID]
	s.events[item.ID] = storedEvent{userID: prev.userID, item: item}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.events[id]
	delete(s.events, id)
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listHolidays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	items := append([]remote.HolidayItem{}, s.holidays[q.Get("country")+"/"+q.Get("year")]...)
	s.mu.Unlock()
	var resp remote.HolidayResponse
	resp.Response.Holidays = items
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Holiday builds a holiday item dated iso (YYYY-MM-DD).
func Holiday(country, name, iso string) remote.HolidayItem {
	var item remote.HolidayItem
	item.Name = name
	item.Country.ID = country
	item.Date.ISO = iso
	item.Type = []string{"National holiday"}
	return item
}
