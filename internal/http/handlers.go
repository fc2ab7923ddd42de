package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/telemetry"
)

// Dispatch is the command surface of the coordinator.
type Dispatch interface {
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
	AcceptOffer(ctx context.Context, offerID string) error
	RejectOffer(ctx context.Context, offerID string) error
	VerifyPickup(ctx context.Context, otp string) error
	StartRide(ctx context.Context) error
	CompleteRide(ctx context.Context) error
	CancelRide(ctx context.Context, reason string) error
	Snapshot() dispatch.Snapshot
}

type Telemetry interface {
	Status() telemetry.Status
	EmitNow() error
}

// Positions accepts device readings posted by the UI.
type Positions interface {
	Push(s models.LocationSample) bool
}

// Link reports whether the realtime channel is up.
type Link interface {
	Connected() bool
}

// Server is the local control API the driver UI talks to.
type Server struct {
	Dispatch  Dispatch
	Telemetry Telemetry
	Positions Positions // optional
	Link      Link
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Dispatch, t Telemetry, positions Positions, link Link, logger *slog.Logger) *Server {
	s := &Server{Dispatch: d, Telemetry: t, Positions: positions, Link: link, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/online", s.command(s.Dispatch.GoOnline)).Methods(http.MethodPost)
	s.mux.HandleFunc("/offline", s.command(s.Dispatch.GoOffline)).Methods(http.MethodPost)
	s.mux.HandleFunc("/offers/{offer_id}/accept", s.offerCommand(s.Dispatch.AcceptOffer)).Methods(http.MethodPost)
	s.mux.HandleFunc("/offers/{offer_id}/reject", s.offerCommand(s.Dispatch.RejectOffer)).Methods(http.MethodPost)
	s.mux.HandleFunc("/ride/verify-otp", s.handleVerifyOTP).Methods(http.MethodPost)
	s.mux.HandleFunc("/ride/start", s.command(s.Dispatch.StartRide)).Methods(http.MethodPost)
	s.mux.HandleFunc("/ride/complete", s.command(s.Dispatch.CompleteRide)).Methods(http.MethodPost)
	s.mux.HandleFunc("/ride/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/telemetry/emit", s.handleEmit).Methods(http.MethodPost)
	s.mux.HandleFunc("/location", s.handleLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type statusResponse struct {
	Dispatch  dispatch.Snapshot `json:"dispatch"`
	Telemetry telemetry.Status  `json:"telemetry"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{Dispatch: s.Dispatch.Snapshot(), Telemetry: s.Telemetry.Status()})
}

type healthResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

func (s *Server) health() healthResponse {
	h := healthResponse{Status: "ok", Channel: "disconnected"}
	if s.Link != nil && s.Link.Connected() {
		h.Channel = "connected"
	}
	return h
}

// handleHealth is liveness only; a dropped channel reconnects by itself.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health())
}

// handleReady fails while the channel is down since offers cannot arrive.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	if h.Channel != "connected" {
		h.Status = "unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

// command wraps a coordinator command. Commands whose outcome depends on
// the backend answer with 202 and the snapshot at the time of the call.
func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, s.Dispatch.Snapshot())
	}
}

func (s *Server) offerCommand(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["offer_id"]
		if err := fn(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, s.Dispatch.Snapshot())
	}
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.VerifyPickup(r.Context(), body.OTP); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.Dispatch.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.Dispatch.CancelRide(r.Context(), body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.Dispatch.Snapshot())
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	if err := s.Telemetry.EmitNow(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.Positions == nil {
		http.Error(w, "position feed disabled", http.StatusNotFound)
		return
	}
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := models.Validate(sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.Positions.Push(sample) {
		http.Error(w, "position feed busy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrUnknownOffer):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidPickupCode):
		status = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrAcceptInFlight),
		errors.Is(err, dispatch.ErrRideCommitted),
		errors.Is(err, dispatch.ErrNoActiveRide),
		errors.Is(err, dispatch.ErrOffline),
		errors.Is(err, dispatch.ErrPickupNotVerified),
		errors.Is(err, dispatch.ErrPickupVerified),
		errors.Is(err, dispatch.ErrVerifyInFlight),
		errors.Is(err, telemetry.ErrNoActiveRide),
		errors.Is(err, telemetry.ErrNoSample):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("control command failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("control response not written", "status", status, "error", err)
	}
}
