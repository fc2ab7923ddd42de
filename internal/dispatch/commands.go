package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/driver-dispatch/internal/backend"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// GoOnline starts advertising availability. A ride preserved from an
// earlier offline period puts the driver straight back to busy.
func (c *Coordinator) GoOnline(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.online = true
		c.settle()
		c.announce(c.announcement())
		c.tel.SetOnline(true)
		if err := c.tel.StartTracking(c.runCtx, c.opts.Watch); err != nil {
			c.lastError = err.Error()
			c.logger.Error("location tracking failed to start", "error", err)
		}
		c.pushStatus(backend.StatusOnline)
		return nil
	})
}

// GoOffline stops advertising. Offers and any accept in flight are
// dropped; a committed ride is kept.
func (c *Coordinator) GoOffline(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.online = false
		c.clearPending()
		c.clearOffers()
		c.settle()
		c.announce(models.AnnounceOffline)
		c.tel.SetOnline(false)
		c.tel.StopTracking()
		c.pushStatus(backend.StatusOffline)
		return nil
	})
}

func (c *Coordinator) pushStatus(status backend.DriverStatus) {
	c.background(func(ctx context.Context) func() {
		if _, err := c.be.SetStatus(ctx, status); err != nil {
			return func() {
				c.lastError = fmt.Sprintf("status %s: %v", status, err)
				c.logger.Warn("backend status update failed", "status", status, "error", err)
			}
		}
		return nil
	})
}

// AcceptOffer starts the accept handshake for one held offer. It returns
// once the attempt is under way; the backend answer arrives later and is
// visible in snapshots.
func (c *Coordinator) AcceptOffer(ctx context.Context, offerID string) error {
	return c.do(ctx, func() error {
		switch {
		case !c.online:
			return ErrOffline
		case c.pending != nil, c.acceptCall != nil:
			observability.AcceptAttemptsTotal.WithLabelValues("rejected_in_flight").Inc()
			return ErrAcceptInFlight
		case c.ride != nil:
			return ErrRideCommitted
		}
		_, e := c.findOffer(offerID)
		if e == nil {
			return fmt.Errorf("accept %s: %w", offerID, ErrUnknownOffer)
		}
		offer := e.offer

		c.attempt++
		seq := c.attempt
		started := time.Now()
		call := &acceptCall{seq: seq, offerID: offer.OfferID}
		c.acceptCall = call
		c.pending = &models.PendingAcceptance{OfferID: offer.OfferID, StartedAt: started}
		c.pendingTimer = c.afterFunc(c.opts.AcceptTimeout, func() { c.acceptTimedOut(seq) })
		c.lastDenial, c.lastError = "", ""

		c.announce(models.AnnounceBusy)
		c.send(EventRideAccept, models.RideIntent{RideID: offer.BackendRideID(), DriverID: c.opts.DriverID})
		c.logger.Info("accepting offer", "offer_id", offer.OfferID, "attempt", seq)

		c.background(func(ctx context.Context) func() {
			resp, err := c.be.AcceptRide(ctx, offer.BackendRideID())
			observability.AcceptLatency.Observe(time.Since(started).Seconds())
			return func() {
				if c.acceptCall == call {
					c.acceptCall = nil
				}
				c.acceptAnswered(call, offer, resp, err)
			}
		})
		return nil
	})
}

func (c *Coordinator) acceptAnswered(call *acceptCall, offer models.RideOffer, resp *backend.Response, err error) {
	seq := call.seq
	current := c.pending != nil && c.attempt == seq
	if err != nil {
		if !current {
			c.logger.Info("ignoring stale accept failure", "offer_id", offer.OfferID, "attempt", seq, "error", err)
			return
		}
		c.acceptFailed(offer, err)
		return
	}
	if !current {
		if call.withdrawn {
			c.releaseRide(offer)
			return
		}
		if c.ride != nil {
			c.logger.Warn("late accept success while another ride is committed", "offer_id", offer.OfferID, "ride_id", c.ride.RideID)
			return
		}
		// The backend assigned us the ride after we gave up locally.
		c.logger.Warn("late accept success, converging to backend", "offer_id", offer.OfferID, "attempt", seq)
		observability.AcceptAttemptsTotal.WithLabelValues("late_commit").Inc()
	} else {
		observability.AcceptAttemptsTotal.WithLabelValues("committed").Inc()
	}
	c.commit(offer, resp)
}

// releaseRide hands back a ride the backend assigned after the driver had
// already rejected the offer.
func (c *Coordinator) releaseRide(offer models.RideOffer) {
	rideID := offer.BackendRideID()
	observability.AcceptAttemptsTotal.WithLabelValues("released").Inc()
	c.logger.Warn("backend assigned a rejected offer, releasing it", "offer_id", offer.OfferID, "ride_id", rideID)
	c.background(func(ctx context.Context) func() {
		if _, err := c.be.CancelRide(ctx, rideID, "declined by driver"); err != nil {
			return func() {
				c.lastError = fmt.Sprintf("release ride %s: %v", rideID, err)
				c.logger.Error("releasing rejected ride failed", "ride_id", rideID, "error", err)
			}
		}
		return nil
	})
}

func (c *Coordinator) acceptFailed(offer models.RideOffer, err error) {
	c.clearPending()
	if backend.IsRideTaken(err) {
		observability.AcceptAttemptsTotal.WithLabelValues("taken").Inc()
		c.lastDenial = "ride already taken"
		c.removeOffer(offer.OfferID, "taken")
	} else {
		observability.AcceptAttemptsTotal.WithLabelValues("failed").Inc()
		c.lastError = err.Error()
	}
	c.logger.Info("accept failed", "offer_id", offer.OfferID, "taken", backend.IsRideTaken(err), "error", err)
	c.dropExpired()
	c.settle()
	c.announce(c.announcement())
}

func (c *Coordinator) acceptTimedOut(seq uint64) {
	if c.pending == nil || c.attempt != seq {
		return
	}
	observability.AcceptAttemptsTotal.WithLabelValues("timeout").Inc()
	c.logger.Warn("accept confirmation timed out", "offer_id", c.pending.OfferID, "attempt", seq)
	c.pendingTimer = nil
	c.pending = nil
	c.lastError = "accept timed out"
	c.dropExpired()
	c.settle()
	c.announce(c.announcement())
}

// commit turns a backend-confirmed offer into the committed ride. The
// backend driver id comes from the response only; when it is missing the
// ride is still committed but telemetry stays detached until the server
// sends ride_accepted_with_details.
func (c *Coordinator) commit(offer models.RideOffer, resp *backend.Response) {
	conf, err := backend.ParseAcceptConfirmation(resp)
	switch {
	case errors.Is(err, backend.ErrNoDriverIdentity):
		c.logger.Warn("accept response has no backend driver id, telemetry blocked", "offer_id", offer.OfferID)
	case err != nil:
		conf = backend.AcceptConfirmation{}
		c.logger.Warn("accept response unreadable, telemetry blocked", "offer_id", offer.OfferID, "error", err)
	}

	ride := &models.CommittedRide{
		RideID:           firstNonEmpty(conf.RideID, offer.BackendRideID()),
		OfferID:          offer.OfferID,
		RiderID:          firstNonEmpty(conf.RiderID, offer.RiderID),
		Pickup:           offer.Pickup,
		Dropoff:          offer.Dropoff,
		RideClass:        offer.RideClass,
		Price:            offer.QuotedPrice,
		DriverPublicID:   c.opts.DriverID,
		DriverInternalID: conf.DriverID,
		Status:           models.RideAccepted,
		CommittedAt:      time.Now(),
	}
	if conf.Price != nil {
		ride.Price = *conf.Price
	}

	c.clearPending()
	c.clearOffers()
	c.ride = ride
	c.settle()
	c.recordRide(true)
	c.logger.Info("ride committed", "ride_id", ride.RideID, "backend_driver_id", ride.DriverInternalID)
	if c.online {
		c.announce(c.announcement())
	}
	c.attachTelemetry()
}

// RejectOffer declines a held offer and tells the server.
func (c *Coordinator) RejectOffer(ctx context.Context, offerID string) error {
	return c.do(ctx, func() error {
		_, e := c.findOffer(offerID)
		if e == nil {
			return fmt.Errorf("reject %s: %w", offerID, ErrUnknownOffer)
		}
		offer := e.offer
		c.removeOffer(offer.OfferID, "rejected")
		c.send(EventRideReject, models.RideIntent{RideID: offer.BackendRideID(), DriverID: c.opts.DriverID})
		if c.acceptCall != nil && c.acceptCall.offerID == offer.OfferID {
			c.acceptCall.withdrawn = true
		}
		wasPending := c.pending != nil && c.pending.OfferID == offer.OfferID
		if wasPending {
			c.clearPending()
			c.dropExpired()
		}
		c.settle()
		if wasPending {
			c.announce(c.announcement())
		}
		return nil
	})
}

// VerifyPickup checks the code the rider reads out at pickup. The answer
// arrives later; a verified ride may be started.
func (c *Coordinator) VerifyPickup(ctx context.Context, otp string) error {
	if err := models.ValidatePickupCode(otp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPickupCode, err)
	}
	return c.do(ctx, func() error {
		switch {
		case c.ride == nil:
			return ErrNoActiveRide
		case c.verifying:
			return ErrVerifyInFlight
		case c.ride.Status != models.RideAccepted:
			return ErrPickupVerified
		}
		rideID := c.ride.RideID
		c.verifying = true
		c.background(func(ctx context.Context) func() {
			_, err := c.be.VerifyOTP(ctx, rideID, otp)
			return func() {
				c.verifying = false
				if c.ride == nil || c.ride.RideID != rideID {
					return
				}
				if err != nil {
					c.lastError = fmt.Sprintf("verify pickup: %v", err)
					c.logger.Warn("pickup code rejected", "ride_id", rideID, "error", err)
					return
				}
				c.ride.Status = models.RideVerified
				c.lastError = ""
				c.recordRide(false)
				c.logger.Info("pickup verified", "ride_id", rideID)
			}
		})
		return nil
	})
}

// StartRide tells the backend the rider has been picked up. The pickup
// code must have been verified first.
func (c *Coordinator) StartRide(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch {
		case c.ride == nil:
			return ErrNoActiveRide
		case c.ride.Status == models.RideAccepted:
			return ErrPickupNotVerified
		}
		rideID := c.ride.RideID
		c.background(func(ctx context.Context) func() {
			_, err := c.be.StartRide(ctx, rideID)
			return func() {
				if err != nil {
					c.lastError = fmt.Sprintf("start ride: %v", err)
					c.logger.Warn("start ride failed", "ride_id", rideID, "error", err)
					return
				}
				if c.ride == nil || c.ride.RideID != rideID {
					return
				}
				c.ride.Status = models.RideStarted
				c.recordRide(false)
				if c.ride.IdentityResolved() {
					r := *c.ride
					_ = c.tel.SetActiveRide(&r)
				}
				c.logger.Info("ride started", "ride_id", rideID)
			}
		})
		return nil
	})
}

// CompleteRide finishes the committed ride and returns to available.
func (c *Coordinator) CompleteRide(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.ride == nil {
			return ErrNoActiveRide
		}
		rideID := c.ride.RideID
		c.send(EventRideComplete, models.RideIntent{RideID: rideID, DriverID: c.opts.DriverID})
		c.background(func(ctx context.Context) func() {
			if _, err := c.be.CompleteRide(ctx, rideID); err != nil {
				return func() {
					c.lastError = fmt.Sprintf("complete ride: %v", err)
					c.logger.Warn("backend completion failed", "ride_id", rideID, "error", err)
				}
			}
			return nil
		})
		c.endRide(models.RideCompleted)
		return nil
	})
}

// CancelRide asks to abandon the committed ride. The ride stays until the
// backend or the server confirms.
func (c *Coordinator) CancelRide(ctx context.Context, reason string) error {
	return c.do(ctx, func() error {
		if c.ride == nil {
			return ErrNoActiveRide
		}
		rideID := c.ride.RideID
		c.cancelling = true
		c.send(EventRideCancel, models.RideIntent{RideID: rideID, DriverID: c.opts.DriverID, Reason: reason})
		c.background(func(ctx context.Context) func() {
			_, err := c.be.CancelRide(ctx, rideID, reason)
			return func() {
				if c.ride == nil || c.ride.RideID != rideID {
					return
				}
				if err != nil {
					c.cancelling = false
					c.lastError = fmt.Sprintf("cancel ride: %v", err)
					c.logger.Warn("cancel ride failed", "ride_id", rideID, "error", err)
					return
				}
				c.endRide(models.RideCancelled)
			}
		})
		return nil
	})
}

// LiveTimers reports how many coordinator timers are armed.
func (c *Coordinator) LiveTimers(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func() error {
		n = c.liveTimers()
		return nil
	})
	return n, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
