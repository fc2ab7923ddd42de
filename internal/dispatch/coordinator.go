// Package dispatch owns the driver's availability, the offer waiting room
// and the accept handshake with the backend.
//
// All coordinator state is owned by the goroutine running Run. Channel
// callbacks, timers, backend results and commands are queued onto it as
// closures, so nothing in here is guarded by a mutex.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/driver-dispatch/internal/backend"
	"github.com/example/driver-dispatch/internal/channel"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/sensor"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrAcceptInFlight    = errors.New("an accept is already in flight")
	ErrRideCommitted     = errors.New("a ride is already committed")
	ErrUnknownOffer      = errors.New("unknown offer")
	ErrNoActiveRide      = errors.New("no committed ride")
	ErrOffline           = errors.New("driver is offline")
	ErrStopped           = errors.New("coordinator stopped")
	ErrPickupNotVerified = errors.New("pickup code not verified")
	ErrPickupVerified    = errors.New("pickup already verified")
	ErrVerifyInFlight    = errors.New("pickup verification already in flight")
	ErrInvalidPickupCode = errors.New("invalid pickup code")
)

// Outbound channel events.
const (
	EventDriverStatus = "driver_status"
	EventRideAccept   = "ride_accept"
	EventRideReject   = "ride_reject"
	EventRideCancel   = "ride_cancel"
	EventRideComplete = "ride_complete"
)

// Inbound channel events.
const (
	EventRideRequest           = "ride_request"
	EventRideTaken             = "ride_taken"
	EventRideAcceptError       = "ride_accept_error"
	EventRideResponseConfirmed = "ride_response_confirmed"
	EventRideAcceptedDetails   = "ride_accepted_with_details"
	EventDriverStatusReset     = "driver_status_reset"
	EventCancellationSuccess   = "driver_cancellation_success"
	EventCancellationError     = "driver_cancellation_error"
)

// Channel is the realtime connection as the coordinator uses it.
type Channel interface {
	On(event string, h channel.Handler)
	OnConnectivityChange(h func(connected bool))
	Send(event string, payload any) error
}

// Backend is the authoritative REST side of every action.
type Backend interface {
	AcceptRide(ctx context.Context, rideID string) (*backend.Response, error)
	StartRide(ctx context.Context, rideID string) (*backend.Response, error)
	VerifyOTP(ctx context.Context, rideID, otp string) (*backend.Response, error)
	CancelRide(ctx context.Context, rideID, reason string) (*backend.Response, error)
	CompleteRide(ctx context.Context, rideID string) (*backend.Response, error)
	SetStatus(ctx context.Context, status backend.DriverStatus) (*backend.Response, error)
}

// Telemetry is the location service driven by the coordinator.
type Telemetry interface {
	StartTracking(ctx context.Context, watch sensor.WatchOptions) error
	StopTracking()
	SetOnline(online bool)
	SetActiveRide(ride *models.CommittedRide) error
	StartContinuousEmission() error
	StopContinuousEmission()
	LastSample() *models.LocationSample
}

// PickupEstimator annotates offers with the driver's distance to pickup.
type PickupEstimator interface {
	Pickup(ctx context.Context, from, to models.GeoPoint) eta.Pickup
}

type Options struct {
	// DriverID is the auth identity used on the channel and as
	// CommittedRide.DriverPublicID.
	DriverID       string
	AcceptTimeout  time.Duration
	OfferCapacity  int
	OfferTTL       time.Duration
	BackendTimeout time.Duration
	Watch          sensor.WatchOptions

	Journal storage.RideJournal // optional
	ETA     PickupEstimator     // optional
}

func (o *Options) setDefaults() {
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = 10 * time.Second
	}
	if o.OfferCapacity <= 0 {
		o.OfferCapacity = 2
	}
	if o.OfferTTL <= 0 {
		o.OfferTTL = 30 * time.Second
	}
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = 8 * time.Second
	}
	if o.Watch.Interval <= 0 {
		o.Watch.Interval = 5 * time.Second
	}
	if o.Watch.MinDisplacementM <= 0 {
		o.Watch.MinDisplacementM = 10
	}
}

type Coordinator struct {
	ch     Channel
	be     Backend
	tel    Telemetry
	opts   Options
	logger *slog.Logger

	inbox   chan func()
	stopped chan struct{}
	journal chan func(context.Context) error

	snap   atomic.Pointer[Snapshot]
	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	// owned by the Run goroutine
	runCtx       context.Context
	state        models.DriverState
	online       bool
	connected    bool
	offers       []*offerEntry
	pending      *models.PendingAcceptance
	pendingTimer *time.Timer
	attempt      uint64
	acceptCall   *acceptCall
	ride         *models.CommittedRide
	cancelling   bool
	verifying    bool
	lastDenial   string
	lastError    string
}

// acceptCall is the acceptRide request on the wire. It outlives the
// pending guard: reject, denial, timeout and going offline clear the guard
// but the call stays open until the backend answers or BackendTimeout.
type acceptCall struct {
	seq       uint64
	offerID   string
	withdrawn bool
}

func New(ch Channel, be Backend, tel Telemetry, opts Options, logger *slog.Logger) *Coordinator {
	opts.setDefaults()
	c := &Coordinator{
		ch:      ch,
		be:      be,
		tel:     tel,
		opts:    opts,
		logger:  logger.With("component", "dispatch"),
		inbox:   make(chan func(), 64),
		stopped: make(chan struct{}),
		journal: make(chan func(context.Context) error, 32),
		subs:    make(map[int]chan Snapshot),
		state:   models.StateOffline,
	}
	c.snap.Store(&Snapshot{State: models.StateOffline, Offers: []OfferView{}})
	c.registerHandlers()
	return c
}

// Run processes events until ctx is cancelled. Commands issued before Run
// starts wait for it.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	observability.SetDriverState(string(c.state))

	journalDone := make(chan struct{})
	go c.journalLoop(ctx, journalDone)
	defer func() {
		c.stopAllTimers()
		close(c.stopped)
		<-journalDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
			c.publish()
		}
	}
}

// post queues fn onto the loop. It reports false once the loop has exited.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// do runs cmd on the loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, cmd func() error) error {
	errc := make(chan error, 1)
	job := func() {
		err := cmd()
		c.publish()
		errc <- err
	}
	select {
	case c.inbox <- job:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// afterFunc arms a timer whose callback runs on the loop.
func (c *Coordinator) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { c.post(fn) })
}

// background runs a blocking call off the loop and hands its result back.
func (c *Coordinator) background(call func(ctx context.Context) func()) {
	ctx := c.runCtx
	timeout := c.opts.BackendTimeout
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if then := call(callCtx); then != nil {
			c.post(then)
		}
	}()
}

func (c *Coordinator) journalLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.journal:
			opCtx, cancel := context.WithTimeout(ctx, c.opts.BackendTimeout)
			if err := op(opCtx); err != nil {
				c.logger.Warn("ride journal write failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Coordinator) recordRide(save bool) {
	if c.opts.Journal == nil || c.ride == nil {
		return
	}
	r := *c.ride
	op := func(ctx context.Context) error {
		if save {
			return c.opts.Journal.SaveRide(ctx, &r)
		}
		return c.opts.Journal.UpdateRide(ctx, &r)
	}
	select {
	case c.journal <- op:
	default:
		c.logger.Warn("ride journal queue full", "ride_id", r.RideID)
	}
}

// settle derives the driver state from the facts the loop owns.
func (c *Coordinator) settle() {
	next := models.StateAvailable
	switch {
	case !c.online:
		next = models.StateOffline
	case c.ride != nil:
		next = models.StateBusy
	case len(c.offers) > 0:
		next = models.StateConsidering
	}
	if next == c.state {
		return
	}
	c.logger.Info("driver state changed", "from", c.state, "to", next)
	c.state = next
	observability.SetDriverState(string(next))
}

// announcement is what the server should currently believe. An accept in
// flight is announced as busy.
func (c *Coordinator) announcement() models.StatusAnnouncement {
	if c.pending != nil && c.online {
		return models.AnnounceBusy
	}
	return c.state.Announcement()
}

func (c *Coordinator) announce(status models.StatusAnnouncement) {
	c.send(EventDriverStatus, models.DriverStatusEvent{DriverID: c.opts.DriverID, Status: status})
}

func (c *Coordinator) send(event string, payload any) {
	if err := c.ch.Send(event, payload); err != nil {
		c.logger.Warn("channel send failed", "event", event, "error", err)
	}
}

func (c *Coordinator) clearPending() {
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
	c.pending = nil
}

func (c *Coordinator) stopAllTimers() {
	c.clearPending()
	c.clearOffers()
}

// liveTimers counts armed timers. Every state exit must bring it back to
// what the remaining state needs.
func (c *Coordinator) liveTimers() int {
	n := 0
	if c.pendingTimer != nil {
		n++
	}
	for _, e := range c.offers {
		if e.expiry != nil {
			n++
		}
	}
	return n
}

// attachTelemetry hands the ride to telemetry once its backend driver
// identity is known. Until then samples stay unattributed.
func (c *Coordinator) attachTelemetry() {
	if c.ride == nil {
		return
	}
	r := *c.ride
	if err := c.tel.SetActiveRide(&r); err != nil {
		c.logger.Warn("telemetry blocked for ride", "ride_id", r.RideID, "error", err)
		return
	}
	if err := c.tel.StartContinuousEmission(); err != nil {
		c.logger.Warn("continuous emission not started", "ride_id", r.RideID, "error", err)
	}
}

func (c *Coordinator) detachTelemetry() {
	c.tel.StopContinuousEmission()
	_ = c.tel.SetActiveRide(nil)
}

// endRide clears the committed ride after completion or cancellation.
func (c *Coordinator) endRide(status models.RideStatus) {
	if c.ride == nil {
		return
	}
	c.ride.Status = status
	c.recordRide(false)
	c.logger.Info("ride ended", "ride_id", c.ride.RideID, "status", status)
	c.ride = nil
	c.cancelling = false
	c.detachTelemetry()
	c.settle()
	if c.online {
		c.announce(c.announcement())
	}
}
