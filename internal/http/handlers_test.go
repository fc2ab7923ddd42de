package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/telemetry"
)

type fakeDispatch struct {
	calls     []string
	acceptErr error
	reason    string
	otp       string
}

func (f *fakeDispatch) record(name string) error { f.calls = append(f.calls, name); return nil }

func (f *fakeDispatch) GoOnline(context.Context) error  { return f.record("online") }
func (f *fakeDispatch) GoOffline(context.Context) error { return f.record("offline") }
func (f *fakeDispatch) AcceptOffer(_ context.Context, id string) error {
	f.calls = append(f.calls, "accept:"+id)
	return f.acceptErr
}
func (f *fakeDispatch) RejectOffer(_ context.Context, id string) error {
	return f.record("reject:" + id)
}
func (f *fakeDispatch) VerifyPickup(_ context.Context, otp string) error {
	if otp == "" {
		return dispatch.ErrInvalidPickupCode
	}
	f.otp = otp
	return f.record("verify")
}
func (f *fakeDispatch) StartRide(context.Context) error    { return f.record("start") }
func (f *fakeDispatch) CompleteRide(context.Context) error { return dispatch.ErrNoActiveRide }
func (f *fakeDispatch) CancelRide(_ context.Context, reason string) error {
	f.reason = reason
	return f.record("cancel")
}
func (f *fakeDispatch) Snapshot() dispatch.Snapshot {
	return dispatch.Snapshot{State: models.StateAvailable, Online: true}
}

type fakeTelemetry struct{ emitErr error }

func (f *fakeTelemetry) Status() telemetry.Status { return telemetry.Status{Tracking: true} }
func (f *fakeTelemetry) EmitNow() error           { return f.emitErr }

type fakePositions struct{ got []models.LocationSample }

func (f *fakePositions) Push(s models.LocationSample) bool { f.got = append(f.got, s); return true }

type fakeLink struct{ up bool }

func (f *fakeLink) Connected() bool { return f.up }

func newTestServer() (*Server, *fakeDispatch, *fakeTelemetry, *fakePositions) {
	d, tel, pos := &fakeDispatch{}, &fakeTelemetry{}, &fakePositions{}
	return NewServer(d, tel, pos, &fakeLink{up: true}, logging.Discard()), d, tel, pos
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s, _, _, _ := newTestServer()
	rec := serve(s, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Dispatch.State != models.StateAvailable || !out.Telemetry.Tracking {
		t.Fatalf("unexpected status %+v", out)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id not set")
	}
}

func TestCommandsRouteToDispatch(t *testing.T) {
	s, d, _, _ := newTestServer()
	for _, path := range []string{"/online", "/offers/O1/accept", "/offers/O2/reject", "/ride/start", "/offline"} {
		if rec := serve(s, http.MethodPost, path, ""); rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", path, rec.Code)
		}
	}
	want := []string{"online", "accept:O1", "reject:O2", "start", "offline"}
	if fmt.Sprint(d.calls) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, d.calls)
	}
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	s, d, tel, _ := newTestServer()
	d.acceptErr = fmt.Errorf("accept X: %w", dispatch.ErrUnknownOffer)
	if rec := serve(s, http.MethodPost, "/offers/X/accept", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	d.acceptErr = dispatch.ErrAcceptInFlight
	if rec := serve(s, http.MethodPost, "/offers/X/accept", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/ride/complete", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	tel.emitErr = telemetry.ErrNoActiveRide
	if rec := serve(s, http.MethodPost, "/telemetry/emit", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCancelPassesReason(t *testing.T) {
	s, d, _, _ := newTestServer()
	if rec := serve(s, http.MethodPost, "/ride/cancel", `{"reason":"flat tyre"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if d.reason != "flat tyre" {
		t.Fatalf("reason not forwarded: %q", d.reason)
	}
	if rec := serve(s, http.MethodPost, "/ride/cancel", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestLocationFeed(t *testing.T) {
	s, _, _, pos := newTestServer()
	if rec := serve(s, http.MethodPost, "/location", `{"lat":12.9,"lon":77.6}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/location", `{"lat":99,"lon":77.6}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid latitude, got %d", rec.Code)
	}
	if len(pos.got) != 1 {
		t.Fatalf("expected one pushed sample, got %d", len(pos.got))
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s, _, _, _ := newTestServer()
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	if rec := serve(s, http.MethodGet, "/boom", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestVerifyOTP(t *testing.T) {
	s, d, _, _ := newTestServer()
	if rec := serve(s, http.MethodPost, "/ride/verify-otp", `{"otp":"4821"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if d.otp != "4821" {
		t.Fatalf("code not forwarded: %q", d.otp)
	}
	if rec := serve(s, http.MethodPost, "/ride/verify-otp", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing code, got %d", rec.Code)
	}
	if rec := serve(s, http.MethodPost, "/ride/verify-otp", `nope`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestHealthReflectsChannel(t *testing.T) {
	link := &fakeLink{}
	s := NewServer(&fakeDispatch{}, &fakeTelemetry{}, nil, link, logging.Discard())

	rec := serve(s, http.MethodGet, "/healthz", "")
	var h healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || h.Channel != "disconnected" {
		t.Fatalf("expected live but disconnected, got %d %+v", rec.Code, h)
	}
	if rec := serve(s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disconnected, got %d", rec.Code)
	}
	link.up = true
	if rec := serve(s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once connected, got %d", rec.Code)
	}
}
