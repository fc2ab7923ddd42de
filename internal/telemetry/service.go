// Package telemetry filters device positions and streams them to the
// rider while a ride is committed.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/backend"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/sensor"
)

const EventLocationUpdate = "location_update"

var (
	// ErrDriverIdentityUnresolved is returned when a ride without a
	// backend driver id is attached. Telemetry stays detached until the
	// identity is known.
	ErrDriverIdentityUnresolved = errors.New("backend driver identity unresolved")
	ErrNoActiveRide             = errors.New("no active ride")
	ErrNoSample                 = errors.New("no location sample yet")
)

// Emitter sends events on the realtime channel.
type Emitter interface {
	Send(event string, payload any) error
}

// LocationPusher mirrors positions to the REST backend.
type LocationPusher interface {
	PushLocation(ctx context.Context, lat, lon float64, isOnline bool) (*backend.Response, error)
}

// Sink stores accepted samples, ride or not. driverID is the backend id
// when a ride is attached and the auth id otherwise.
type Sink interface {
	Record(ctx context.Context, driverID, rideID string, s models.LocationSample) error
}

type Options struct {
	DriverID     string
	MinMovementM float64
	EmitInterval time.Duration
	PushTimeout  time.Duration
}

// Status is a diagnostic snapshot.
type Status struct {
	Tracking      bool                   `json:"tracking"`
	Online        bool                   `json:"online"`
	HasActiveRide bool                   `json:"hasActiveRide"`
	Continuous    bool                   `json:"continuous"`
	RideID        string                 `json:"rideId,omitempty"`
	LastSample    *models.LocationSample `json:"lastSample,omitempty"`
}

// Service is the single telemetry session of the device.
type Service struct {
	sensor  sensor.Sensor
	emitter Emitter
	pusher  LocationPusher
	sinks   []Sink
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	last      *models.LocationSample
	online    bool
	ride      *models.CommittedRide
	trackStop context.CancelFunc
	trackDone chan struct{}
	tickStop  context.CancelFunc
	tickDone  chan struct{}

	// backend pushes run off the caller; only the newest waiting one is kept
	pushMu   sync.Mutex
	pushing  bool
	nextPush *pushRequest
}

type pushRequest struct {
	lat, lon float64
	online   bool
	rideID   string
}

func NewService(src sensor.Sensor, emitter Emitter, pusher LocationPusher, opts Options, logger *slog.Logger, sinks ...Sink) *Service {
	if opts.MinMovementM <= 0 {
		opts.MinMovementM = 5
	}
	if opts.EmitInterval <= 0 {
		opts.EmitInterval = 5 * time.Second
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	return &Service{sensor: src, emitter: emitter, pusher: pusher, sinks: sinks, opts: opts, logger: logger}
}

// StartTracking starts consuming the sensor. It is a no-op while tracking.
func (s *Service) StartTracking(ctx context.Context, watch sensor.WatchOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trackStop != nil {
		select {
		case <-s.trackDone:
		default:
			return nil
		}
	}
	trackCtx, cancel := context.WithCancel(ctx)
	samples, err := s.sensor.Watch(trackCtx, watch)
	if err != nil {
		cancel()
		return fmt.Errorf("start tracking: %w", err)
	}
	done := make(chan struct{})
	s.trackStop, s.trackDone = cancel, done
	go func() {
		defer close(done)
		for sample := range samples {
			s.onSample(trackCtx, sample)
		}
	}()
	s.logger.Info("location tracking started", "interval", watch.Interval.String(), "min_displacement_m", watch.MinDisplacementM)
	return nil
}

// StopTracking stops consuming the sensor and waits for the reader to exit.
func (s *Service) StopTracking() {
	s.mu.Lock()
	stop, done := s.trackStop, s.trackDone
	s.trackStop, s.trackDone = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
	s.logger.Info("location tracking stopped")
}

func (s *Service) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// SetActiveRide attaches the ride that gates emission, or detaches it when
// ride is nil. Detaching also stops continuous emission.
func (s *Service) SetActiveRide(ride *models.CommittedRide) error {
	if ride != nil && !ride.IdentityResolved() {
		return fmt.Errorf("attach ride %s: %w", ride.RideID, ErrDriverIdentityUnresolved)
	}
	s.mu.Lock()
	if ride == nil {
		s.ride = nil
		s.mu.Unlock()
		s.StopContinuousEmission()
		s.dropQueuedPush()
		return nil
	}
	r := *ride
	s.ride = &r
	s.mu.Unlock()
	s.logger.Info("telemetry attached to ride", "ride_id", r.RideID, "backend_driver_id", r.DriverInternalID)
	return nil
}

// OnSample applies the movement filter. Accepted samples replace the last
// sample, go to the sinks, and are emitted when a ride is attached.
func (s *Service) OnSample(sample models.LocationSample) {
	s.onSample(context.Background(), sample)
}

// onSample stores to the sinks under ctx so stopping tracking does not wait
// on a slow sink.
func (s *Service) onSample(ctx context.Context, sample models.LocationSample) {
	if err := models.Validate(sample); err != nil {
		observability.TelemetrySamplesTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("dropping invalid location sample", "error", err)
		return
	}
	sample = sample.Rounded()
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now()
	}

	s.mu.Lock()
	if !geo.Moved(s.last, sample, s.opts.MinMovementM) {
		s.mu.Unlock()
		observability.TelemetrySamplesTotal.WithLabelValues("filtered").Inc()
		return
	}
	s.last = &sample
	ride := s.currentRide()
	online := s.online
	s.mu.Unlock()
	observability.TelemetrySamplesTotal.WithLabelValues("accepted").Inc()

	s.record(ctx, sample, ride)
	if ride != nil {
		s.emit(sample, ride, online, "movement")
	}
}

// StartContinuousEmission emits the last sample right away and then on
// every emit interval while a ride stays attached. Both happen on the
// heartbeat goroutine. A running ticker is replaced.
func (s *Service) StartContinuousEmission() error {
	s.mu.Lock()
	if s.ride == nil {
		s.mu.Unlock()
		return ErrNoActiveRide
	}
	s.stopTickerLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.tickStop, s.tickDone = cancel, done
	s.mu.Unlock()

	go s.heartbeat(ctx, done)
	return nil
}

// StopContinuousEmission cancels the heartbeat ticker and waits for it.
func (s *Service) StopContinuousEmission() {
	s.mu.Lock()
	done := s.stopTickerLocked()
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Service) stopTickerLocked() chan struct{} {
	if s.tickStop == nil {
		return nil
	}
	s.tickStop()
	done := s.tickDone
	s.tickStop, s.tickDone = nil, nil
	return done
}

func (s *Service) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.EmitInterval)
	defer ticker.Stop()
	s.beat(ctx, "resume")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx, "heartbeat")
		}
	}
}

func (s *Service) beat(ctx context.Context, trigger string) {
	s.mu.Lock()
	if ctx.Err() != nil || s.ride == nil || s.last == nil {
		s.mu.Unlock()
		return
	}
	last, ride, online := *s.last, s.currentRide(), s.online
	s.mu.Unlock()
	s.emit(last, ride, online, trigger)
}

// EmitNow re-sends the last sample for the attached ride. It never emits
// without a ride.
func (s *Service) EmitNow() error {
	s.mu.Lock()
	if s.ride == nil {
		s.mu.Unlock()
		return ErrNoActiveRide
	}
	if s.last == nil {
		s.mu.Unlock()
		return ErrNoSample
	}
	last, ride, online := *s.last, s.currentRide(), s.online
	s.mu.Unlock()
	s.emit(last, ride, online, "forced")
	return nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Tracking:      s.trackStop != nil,
		Online:        s.online,
		HasActiveRide: s.ride != nil,
		Continuous:    s.tickStop != nil,
	}
	if s.ride != nil {
		st.RideID = s.ride.RideID
	}
	if s.last != nil {
		last := *s.last
		st.LastSample = &last
	}
	return st
}

// LastSample returns the last accepted sample, nil before the first fix.
func (s *Service) LastSample() *models.LocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	last := *s.last
	return &last
}

// ActiveRide returns a copy of the attached ride.
func (s *Service) ActiveRide() *models.CommittedRide {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRide()
}

func (s *Service) currentRide() *models.CommittedRide {
	if s.ride == nil {
		return nil
	}
	r := *s.ride
	return &r
}

func (s *Service) emit(sample models.LocationSample, ride *models.CommittedRide, online bool, trigger string) {
	update := models.NewLocationUpdate(sample, ride)
	if err := s.emitter.Send(EventLocationUpdate, update); err != nil {
		s.logger.Warn("location update not sent", "ride_id", ride.RideID, "trigger", trigger, "error", err)
	} else {
		observability.TelemetryEmitsTotal.WithLabelValues(trigger).Inc()
	}
	if s.pusher != nil {
		s.queuePush(&pushRequest{lat: update.Latitude, lon: update.Longitude, online: online, rideID: ride.RideID})
	}
}

// queuePush hands the position to the push worker, starting one if none
// is running. A request still waiting is replaced by the newer one.
func (s *Service) queuePush(req *pushRequest) {
	s.pushMu.Lock()
	if s.nextPush != nil {
		observability.TelemetryPushesTotal.WithLabelValues("superseded").Inc()
	}
	s.nextPush = req
	if s.pushing {
		s.pushMu.Unlock()
		return
	}
	s.pushing = true
	s.pushMu.Unlock()
	go s.pushLoop()
}

func (s *Service) pushLoop() {
	for {
		s.pushMu.Lock()
		req := s.nextPush
		s.nextPush = nil
		if req == nil {
			s.pushing = false
			s.pushMu.Unlock()
			return
		}
		s.pushMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PushTimeout)
		_, err := s.pusher.PushLocation(ctx, req.lat, req.lon, req.online)
		cancel()
		if err != nil {
			observability.TelemetryPushesTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("backend location push failed", "ride_id", req.rideID, "error", err)
			continue
		}
		observability.TelemetryPushesTotal.WithLabelValues("ok").Inc()
	}
}

func (s *Service) dropQueuedPush() {
	s.pushMu.Lock()
	s.nextPush = nil
	s.pushMu.Unlock()
}

func (s *Service) record(ctx context.Context, sample models.LocationSample, ride *models.CommittedRide) {
	if len(s.sinks) == 0 {
		return
	}
	driverID, rideID := s.opts.DriverID, ""
	if ride != nil {
		driverID, rideID = ride.DriverInternalID, ride.RideID
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PushTimeout)
	defer cancel()
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, driverID, rideID, sample); err != nil {
			s.logger.Warn("telemetry sink failed", "driver_id", driverID, "error", err)
		}
	}
}
