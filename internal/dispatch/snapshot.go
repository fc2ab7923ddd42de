package dispatch

import (
	"time"

	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/models"
)

// OfferView is an offer as shown to the driver.
type OfferView struct {
	models.RideOffer
	ExpiresAt time.Time   `json:"expiresAt"`
	Pickup    *eta.Pickup `json:"pickupEstimate,omitempty"`
}

// Snapshot is a read-only copy of coordinator state for UI consumers.
// AcceptCallOpen stays true until the backend answers an accept, even after
// Pending was cleared locally; no new accept is possible meanwhile.
type Snapshot struct {
	State          models.DriverState        `json:"state"`
	Online         bool                      `json:"online"`
	Connected      bool                      `json:"connected"`
	Offers         []OfferView               `json:"offers"`
	Pending        *models.PendingAcceptance `json:"pending,omitempty"`
	AcceptCallOpen bool                      `json:"acceptCallOpen"`
	Ride           *models.CommittedRide     `json:"ride,omitempty"`
	Verifying      bool                      `json:"verifying"`
	Cancelling     bool                      `json:"cancelling"`
	LastDenial     string                    `json:"lastDenial,omitempty"`
	LastError      string                    `json:"lastError,omitempty"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

// Snapshot returns the state as of the last processed event.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Slow readers skip intermediate states. Call the returned func to stop.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) publish() {
	s := Snapshot{
		State:          c.state,
		Online:         c.online,
		Connected:      c.connected,
		Offers:         make([]OfferView, 0, len(c.offers)),
		AcceptCallOpen: c.acceptCall != nil,
		Verifying:      c.verifying,
		Cancelling:     c.cancelling,
		LastDenial:     c.lastDenial,
		LastError:      c.lastError,
		UpdatedAt:      time.Now(),
	}
	for _, e := range c.offers {
		v := OfferView{RideOffer: e.offer, ExpiresAt: e.expiresAt}
		if e.pickup != nil {
			p := *e.pickup
			v.Pickup = &p
		}
		s.Offers = append(s.Offers, v)
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	if c.ride != nil {
		r := *c.ride
		s.Ride = &r
	}
	c.snap.Store(&s)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
