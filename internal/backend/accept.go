package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoDriverIdentity means the accept response did not name the
// backend-issued driver id.
var ErrNoDriverIdentity = errors.New("accept response carries no backend driver id")

// AcceptConfirmation is what the backend tells us about a ride we won.
type AcceptConfirmation struct {
	RideID   string
	DriverID string
	RiderID  string
	Price    *float64
	Status   string
}

type rideBody struct {
	ID              string   `json:"id"`
	RideID          string   `json:"rideId"`
	BackendDriverID string   `json:"backendDriverId"`
	DriverID        string   `json:"driverId"`
	Driver          *struct {
		ID string `json:"id"`
	} `json:"driver"`
	RiderID string   `json:"riderId"`
	UserID  string   `json:"userId"`
	Price   *float64 `json:"price"`
	Fare    *float64 `json:"fare"`
	Status  string   `json:"status"`
}

// ParseAcceptConfirmation reads the ride either from the root object or
// from a "data" wrapper. A missing driver id is reported as
// ErrNoDriverIdentity together with whatever else was decoded; callers
// must not substitute a guessed identity.
func ParseAcceptConfirmation(r *Response) (AcceptConfirmation, error) {
	if r == nil {
		return AcceptConfirmation{}, errors.New("decode accept response: no response")
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	raw := r.Body
	if err := json.Unmarshal(r.Body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		raw = env.Data
	}
	var b rideBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return AcceptConfirmation{}, fmt.Errorf("decode accept response: %w", err)
	}

	c := AcceptConfirmation{
		RideID:  firstNonEmpty(b.RideID, b.ID),
		RiderID: firstNonEmpty(b.RiderID, b.UserID),
		Status:  b.Status,
		Price:   b.Price,
	}
	if c.Price == nil {
		c.Price = b.Fare
	}
	var nested string
	if b.Driver != nil {
		nested = b.Driver.ID
	}
	c.DriverID = firstNonEmpty(b.BackendDriverID, nested, b.DriverID)
	if c.DriverID == "" {
		return c, ErrNoDriverIdentity
	}
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
