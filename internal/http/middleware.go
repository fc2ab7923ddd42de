package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/observability"
)

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.commandLogMiddleware)
}

// requestIDMiddleware tags every control call so the UI can correlate it
// with the agent log. A caller supplied id is kept.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID)))
	})
}

// commandLogMiddleware records each call with the driver state it left
// behind. Metric scrapes and health checks are counted but not logged.
func (s *Server) commandLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		elapsed := time.Since(start)
		code := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())
		if quietRoutes[route] {
			return
		}

		snap := s.Dispatch.Snapshot()
		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"driver_state", snap.State,
			"request_id", requestIDFromContext(r.Context()),
		}
		if offerID := mux.Vars(r)["offer_id"]; offerID != "" {
			args = append(args, "offer_id", offerID)
		}
		if snap.Ride != nil {
			args = append(args, "ride_id", snap.Ride.RideID)
		}
		if ww.status >= http.StatusBadRequest {
			s.logger.Warn("control call rejected", args...)
			return
		}
		s.logger.Info("control call", args...)
	})
}

var quietRoutes = map[string]bool{"/metrics": true, "/healthz": true, "/readyz": true, "/status": true}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("control handler panicked", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", rec)
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
