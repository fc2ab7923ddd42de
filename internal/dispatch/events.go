package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/example/driver-dispatch/internal/backend"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

func (c *Coordinator) registerHandlers() {
	c.ch.On(EventRideRequest, func(data json.RawMessage) {
		var o models.RideOffer
		if err := sonic.Unmarshal(data, &o); err != nil {
			c.malformed(EventRideRequest, err)
			return
		}
		if err := models.Validate(o); err != nil {
			c.malformed(EventRideRequest, err)
			return
		}
		c.post(func() { c.admitOffer(o) })
	})
	c.ch.On(EventRideTaken, func(data json.RawMessage) {
		id := offerRef(data)
		if id == "" {
			c.malformed(EventRideTaken, nil)
			return
		}
		c.post(func() { c.offerTaken(id) })
	})
	c.ch.On(EventRideAcceptError, func(data json.RawMessage) {
		reason, id := denial(data)
		c.post(func() { c.acceptDenied(reason, id) })
	})
	c.ch.On(EventRideResponseConfirmed, func(data json.RawMessage) {
		id := offerRef(data)
		c.post(func() {
			observability.AcceptAttemptsTotal.WithLabelValues("server_confirmed").Inc()
			c.logger.Info("server confirmed ride response", "offer_id", id)
		})
	})
	c.ch.On(EventRideAcceptedDetails, func(data json.RawMessage) {
		conf, err := backend.ParseAcceptConfirmation(&backend.Response{Body: data})
		if err != nil {
			c.malformed(EventRideAcceptedDetails, err)
			return
		}
		c.post(func() { c.rideDetails(conf) })
	})
	c.ch.On(EventDriverStatusReset, func(json.RawMessage) {
		c.post(c.reset)
	})
	c.ch.On(EventCancellationSuccess, func(data json.RawMessage) {
		id := offerRef(data)
		c.post(func() { c.cancellationConfirmed(id) })
	})
	c.ch.On(EventCancellationError, func(data json.RawMessage) {
		reason, _ := denial(data)
		c.post(func() { c.cancellationRefused(reason) })
	})
	c.ch.OnConnectivityChange(func(connected bool) {
		c.post(func() { c.connectivityChanged(connected) })
	})
}

func (c *Coordinator) malformed(event string, err error) {
	c.logger.Warn("dropping malformed event", "event", event, "error", err)
}

// offerTaken removes an offer claimed by someone else. The offer being
// accepted stays; the in-flight backend answer decides it.
func (c *Coordinator) offerTaken(id string) {
	if c.pending != nil {
		if _, e := c.findOffer(id); e != nil && e.offer.OfferID == c.pending.OfferID {
			c.logger.Info("offer taken while accepting, waiting for backend", "offer_id", id)
			return
		}
	}
	if c.removeOffer(id, "taken") {
		c.settle()
	}
}

// acceptDenied handles a server-side refusal. The pending guard is
// released so the driver can act again; held offers are left to the
// backend answer and their own expiry.
func (c *Coordinator) acceptDenied(reason, offerID string) {
	c.lastDenial = reason
	c.logger.Info("accept denied by server", "reason", reason, "offer_id", offerID)
	if c.pending == nil {
		return
	}
	if offerID != "" && offerID != c.pending.OfferID {
		if _, e := c.findOffer(offerID); e == nil || e.offer.OfferID != c.pending.OfferID {
			return
		}
	}
	observability.AcceptAttemptsTotal.WithLabelValues("denied").Inc()
	c.clearPending()
	c.dropExpired()
	c.settle()
	if c.ride == nil {
		c.announce(c.announcement())
	}
}

// rideDetails fills in the backend driver id of the committed ride and
// lets telemetry start once it is known.
func (c *Coordinator) rideDetails(conf backend.AcceptConfirmation) {
	if c.ride == nil {
		c.logger.Info("ride details without a committed ride", "ride_id", conf.RideID)
		return
	}
	if conf.RideID != "" && conf.RideID != c.ride.RideID && conf.RideID != c.ride.OfferID {
		c.logger.Warn("ride details for another ride", "ride_id", conf.RideID, "committed", c.ride.RideID)
		return
	}
	if c.ride.IdentityResolved() {
		if conf.DriverID != c.ride.DriverInternalID {
			c.logger.Warn("ride details disagree on backend driver id", "ride_id", c.ride.RideID, "have", c.ride.DriverInternalID, "got", conf.DriverID)
		}
		return
	}
	c.ride.DriverInternalID = conf.DriverID
	c.recordRide(false)
	c.logger.Info("backend driver id resolved", "ride_id", c.ride.RideID, "backend_driver_id", conf.DriverID)
	c.attachTelemetry()
}

// reset is the server's recovery path: back to available from anywhere.
func (c *Coordinator) reset() {
	c.logger.Warn("driver status reset by server", "from", c.state)
	c.clearPending()
	c.clearOffers()
	if c.ride != nil {
		c.ride = nil
		c.cancelling = false
	}
	c.detachTelemetry()
	if !c.online {
		c.online = true
		c.tel.SetOnline(true)
		if err := c.tel.StartTracking(c.runCtx, c.opts.Watch); err != nil {
			c.logger.Error("location tracking failed to start", "error", err)
		}
	}
	c.settle()
	c.announce(c.announcement())
}

func (c *Coordinator) cancellationConfirmed(id string) {
	if c.ride == nil {
		return
	}
	if id != "" && id != c.ride.RideID && id != c.ride.OfferID {
		return
	}
	c.endRide(models.RideCancelled)
}

func (c *Coordinator) cancellationRefused(reason string) {
	c.cancelling = false
	c.lastError = "cancellation refused: " + reason
	c.logger.Warn("ride cancellation refused", "reason", reason)
}

// connectivityChanged re-announces state after a reconnect since the
// server may have missed updates while we were away.
func (c *Coordinator) connectivityChanged(connected bool) {
	c.connected = connected
	if !connected {
		return
	}
	if c.online || c.ride != nil {
		c.announce(c.announcement())
	}
}

// offerRef accepts a bare id string or an object naming the offer.
func offerRef(data json.RawMessage) string {
	var s string
	if err := sonic.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		OfferID string `json:"offerId"`
		RideID  string `json:"rideId"`
		ID      string `json:"id"`
	}
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return ""
	}
	return firstNonEmpty(obj.OfferID, obj.RideID, obj.ID)
}

// denial reads a reason given either as a string or as an object.
func denial(data json.RawMessage) (reason, offerID string) {
	var s string
	if err := sonic.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s), ""
	}
	var obj struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
		Error   string `json:"error"`
		OfferID string `json:"offerId"`
		RideID  string `json:"rideId"`
	}
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return "", ""
	}
	return firstNonEmpty(obj.Reason, obj.Message, obj.Error), firstNonEmpty(obj.OfferID, obj.RideID)
}
