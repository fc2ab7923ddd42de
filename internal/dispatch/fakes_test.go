package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/backend"
	"github.com/example/driver-dispatch/internal/channel"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/sensor"
	"github.com/example/driver-dispatch/internal/telemetry"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]channel.Handler
	connH     func(bool)
	connected bool
	sent      []sentEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]channel.Handler), connected: true}
}

func (f *fakeChannel) On(event string, h channel.Handler) {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
}

func (f *fakeChannel) OnConnectivityChange(h func(bool)) {
	f.mu.Lock()
	f.connH = h
	cur := f.connected
	f.mu.Unlock()
	h(cur)
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{event, payload})
	f.mu.Unlock()
	return nil
}

// deliver simulates an inbound server event.
func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", event)
	}
	h(data)
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	h := f.connH
	f.mu.Unlock()
	h(v)
}

func (f *fakeChannel) events(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) lastStatus() models.StatusAnnouncement {
	evs := f.events(EventDriverStatus)
	if len(evs) == 0 {
		return ""
	}
	return evs[len(evs)-1].payload.(models.DriverStatusEvent).Status
}

type fakeBackend struct {
	mu       sync.Mutex
	accept   func(ctx context.Context, rideID string) (*backend.Response, error)
	accepts  []string
	started  []string
	cancels  []string
	complete []string
	statuses []backend.DriverStatus
	verified []string
	cancelFn func() error
	verifyFn func(otp string) error
}

func okResponse(body string) *backend.Response {
	return &backend.Response{StatusCode: 200, Body: []byte(body)}
}

func takenError() error {
	return &backend.StatusError{Op: "accept ride", StatusCode: 409, Body: []byte(`{"message":"ride already accepted"}`)}
}

func (f *fakeBackend) AcceptRide(ctx context.Context, rideID string) (*backend.Response, error) {
	f.mu.Lock()
	f.accepts = append(f.accepts, rideID)
	fn := f.accept
	f.mu.Unlock()
	if fn == nil {
		return okResponse(`{"data":{"id":"` + rideID + `","backendDriverId":"D123"}}`), nil
	}
	return fn(ctx, rideID)
}

func (f *fakeBackend) StartRide(_ context.Context, rideID string) (*backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, rideID)
	return okResponse(`{}`), nil
}

func (f *fakeBackend) VerifyOTP(_ context.Context, rideID, otp string) (*backend.Response, error) {
	f.mu.Lock()
	fn := f.verifyFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(otp); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, rideID)
	return okResponse(`{"message":"verified"}`), nil
}

func (f *fakeBackend) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func (f *fakeBackend) CancelRide(_ context.Context, rideID, _ string) (*backend.Response, error) {
	f.mu.Lock()
	f.cancels = append(f.cancels, rideID)
	fn := f.cancelFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return okResponse(`{}`), nil
}

func (f *fakeBackend) CompleteRide(_ context.Context, rideID string) (*backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = append(f.complete, rideID)
	return okResponse(`{}`), nil
}

func (f *fakeBackend) SetStatus(_ context.Context, s backend.DriverStatus) (*backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return okResponse(`{}`), nil
}

func (f *fakeBackend) acceptCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepts)
}

type fakeTelemetry struct {
	mu         sync.Mutex
	tracking   bool
	online     bool
	ride       *models.CommittedRide
	continuous bool
	last       *models.LocationSample
}

func (f *fakeTelemetry) StartTracking(context.Context, sensor.WatchOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracking = true
	return nil
}

func (f *fakeTelemetry) StopTracking() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracking = false
}

func (f *fakeTelemetry) SetOnline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = v
}

func (f *fakeTelemetry) SetActiveRide(r *models.CommittedRide) error {
	if r != nil && !r.IdentityResolved() {
		return telemetry.ErrDriverIdentityUnresolved
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ride = r
	if r == nil {
		f.continuous = false
	}
	return nil
}

func (f *fakeTelemetry) StartContinuousEmission() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ride == nil {
		return telemetry.ErrNoActiveRide
	}
	f.continuous = true
	return nil
}

func (f *fakeTelemetry) StopContinuousEmission() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continuous = false
}

func (f *fakeTelemetry) LastSample() *models.LocationSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type telemetryView struct {
	tracking   bool
	ride       *models.CommittedRide
	continuous bool
}

func (f *fakeTelemetry) view() telemetryView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return telemetryView{f.tracking, f.ride, f.continuous}
}

type harness struct {
	c   *Coordinator
	ch  *fakeChannel
	be  *fakeBackend
	tel *fakeTelemetry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.DriverID == "" {
		opts.DriverID = "auth-7"
	}
	h := &harness{ch: newFakeChannel(), be: &fakeBackend{}, tel: &fakeTelemetry{}}
	h.c = New(h.ch, h.be, h.tel, opts, logging.Discard())
	runCoordinator(t, h.c)
	return h
}

// runCoordinator runs c until the test ends.
func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) online(t *testing.T) {
	t.Helper()
	if err := h.c.GoOnline(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) offer(t *testing.T, id string) {
	t.Helper()
	deliverOffer(t, h.ch, id)
}

func deliverOffer(t *testing.T, ch *fakeChannel, id string) {
	t.Helper()
	ch.deliver(t, EventRideRequest, models.RideOffer{
		OfferID:     id,
		RiderID:     "rider-" + id,
		Pickup:      models.GeoPoint{Lat: 12.97, Lon: 77.59},
		Dropoff:     models.GeoPoint{Lat: 12.99, Lon: 77.61},
		QuotedPrice: 180,
	})
}

// sync waits until everything queued so far has been processed.
func (h *harness) sync(t *testing.T) Snapshot {
	t.Helper()
	if _, err := h.c.LiveTimers(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h.c.Snapshot()
}

func (h *harness) timers(t *testing.T) int {
	t.Helper()
	n, err := h.c.LiveTimers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func offerIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Offers))
	for _, o := range s.Offers {
		ids = append(ids, o.OfferID)
	}
	return ids
}
