package dispatch

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

type offerEntry struct {
	offer     models.RideOffer
	expiresAt time.Time
	expiry    *time.Timer
	expired   bool
	pickup    *eta.Pickup
}

func (c *Coordinator) findOffer(id string) (int, *offerEntry) {
	for i, e := range c.offers {
		if e.offer.OfferID == id || e.offer.BackendRideID() == id {
			return i, e
		}
	}
	return -1, nil
}

// admitOffer applies the waiting room rules: no offers while offline or
// on a ride, no duplicates, and at most OfferCapacity held.
func (c *Coordinator) admitOffer(o models.RideOffer) {
	switch {
	case !c.online:
		c.dropOffer(o, "offline")
		return
	case c.ride != nil:
		c.dropOffer(o, "busy")
		return
	}
	if _, dup := c.findOffer(o.OfferID); dup != nil {
		c.dropOffer(o, "duplicate")
		return
	}
	if len(c.offers) >= c.opts.OfferCapacity {
		c.dropOffer(o, "capacity")
		return
	}

	if o.OfferedAt.IsZero() {
		o.OfferedAt = time.Now()
	}
	e := &offerEntry{offer: o, expiresAt: time.Now().Add(c.opts.OfferTTL)}
	e.expiry = c.afterFunc(c.opts.OfferTTL, func() { c.expireOffer(e) })
	c.offers = append(c.offers, e)
	observability.OffersTotal.WithLabelValues("held").Inc()
	c.logger.Info("offer held", "offer_id", o.OfferID, "rider_id", o.RiderID, "held", len(c.offers))
	c.estimatePickup(e)
	c.settle()
}

func (c *Coordinator) dropOffer(o models.RideOffer, reason string) {
	observability.OffersTotal.WithLabelValues(reason).Inc()
	c.logger.Info("offer dropped", "offer_id", o.OfferID, "reason", reason)
}

// removeOffer takes an offer out of the waiting room and disarms its timer.
func (c *Coordinator) removeOffer(id, outcome string) bool {
	i, e := c.findOffer(id)
	if e == nil {
		return false
	}
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	c.offers = append(c.offers[:i], c.offers[i+1:]...)
	observability.OffersTotal.WithLabelValues(outcome).Inc()
	c.logger.Info("offer removed", "offer_id", e.offer.OfferID, "outcome", outcome)
	return true
}

func (c *Coordinator) clearOffers() {
	for _, e := range c.offers {
		if e.expiry != nil {
			e.expiry.Stop()
			e.expiry = nil
		}
	}
	c.offers = nil
}

func (c *Coordinator) expireOffer(e *offerEntry) {
	_, cur := c.findOffer(e.offer.OfferID)
	if cur != e {
		return
	}
	e.expiry = nil
	if c.pending != nil && c.pending.OfferID == e.offer.OfferID {
		// the backend answer decides this one
		e.expired = true
		return
	}
	c.removeOffer(e.offer.OfferID, "expired")
	c.settle()
}

// dropExpired removes offers whose TTL passed while an accept was in
// flight for them.
func (c *Coordinator) dropExpired() {
	for _, e := range append([]*offerEntry(nil), c.offers...) {
		if e.expired {
			c.removeOffer(e.offer.OfferID, "expired")
		}
	}
}

func (c *Coordinator) estimatePickup(e *offerEntry) {
	if c.opts.ETA == nil {
		return
	}
	from := c.tel.LastSample()
	if from == nil {
		return
	}
	est, origin, pickup := c.opts.ETA, from.Point(), e.offer.Pickup
	c.background(func(ctx context.Context) func() {
		p := est.Pickup(ctx, origin, pickup)
		return func() {
			if _, cur := c.findOffer(e.offer.OfferID); cur == e {
				e.pickup = &p
			}
		}
	})
}
