package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type correlationKey struct{}

// CorrelationID returns the request correlation ID stored by the API
// middleware, or "" outside a request.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (a *api) withCorrelation(next http.Handler) http.Handler {
	if a.correlationHeader == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(a.correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(a.correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (a *api) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)
		if a.metrics != nil {
			a.metrics.ObserveHTTP(route, r.Method, rec.status, elapsed)
		}
		attrs := []any{
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("latency", elapsed),
		}
		if id := CorrelationID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("correlation_id", id))
		}
		a.logger.Debug("request completed", attrs...)
	})
}
