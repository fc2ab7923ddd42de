package models

import (
	"math"
	"time"
)

// DriverState is the availability state of the driver as seen by dispatch.
type DriverState string

const (
	StateOffline     DriverState = "offline"
	StateAvailable   DriverState = "available"
	StateConsidering DriverState = "considering"
	StateBusy        DriverState = "busy"
)

// StatusAnnouncement is the value sent with the driver_status channel event.
type StatusAnnouncement string

const (
	AnnounceOnline  StatusAnnouncement = "online"
	AnnounceBusy    StatusAnnouncement = "busy"
	AnnounceOffline StatusAnnouncement = "offline"
)

// Announcement maps a driver state to what the server should be told.
func (s DriverState) Announcement() StatusAnnouncement {
	switch s {
	case StateBusy:
		return AnnounceBusy
	case StateOffline:
		return AnnounceOffline
	default:
		return AnnounceOnline
	}
}

type GeoPoint struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lon     float64 `json:"lon" validate:"longitude"`
	Address string  `json:"address,omitempty"`
}

// RideOffer is a ride proposal pushed to the driver. OfferID doubles as the
// ride id on the backend unless the server sends a distinct RideID.
type RideOffer struct {
	OfferID     string    `json:"offerId" validate:"required"`
	RideID      string    `json:"rideId,omitempty"`
	Pickup      GeoPoint  `json:"pickup"`
	Dropoff     GeoPoint  `json:"dropoff"`
	RideClass   string    `json:"rideClass,omitempty"`
	QuotedPrice float64   `json:"quotedPrice" validate:"gte=0"`
	RiderID     string    `json:"riderId" validate:"required"`
	OfferedAt   time.Time `json:"offeredAt"`
}

// BackendRideID is the id used for REST calls and channel intents.
func (o RideOffer) BackendRideID() string {
	if o.RideID != "" {
		return o.RideID
	}
	return o.OfferID
}

// RideStatus tracks a committed ride through its lifetime.
type RideStatus string

const (
	RideAccepted  RideStatus = "accepted"
	RideVerified  RideStatus = "verified"
	RideStarted   RideStatus = "started"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// CommittedRide is a ride this driver has won on the backend.
// DriverInternalID is the backend-issued driver identity, distinct from the
// auth identity in DriverPublicID, and must be known before telemetry can be
// attributed to the ride.
type CommittedRide struct {
	RideID           string     `json:"rideId" validate:"required"`
	OfferID          string     `json:"offerId,omitempty"`
	RiderID          string     `json:"riderId" validate:"required"`
	Pickup           GeoPoint   `json:"pickup"`
	Dropoff          GeoPoint   `json:"dropoff"`
	RideClass        string     `json:"rideClass,omitempty"`
	Price            float64    `json:"price"`
	DriverPublicID   string     `json:"driverId"`
	DriverInternalID string     `json:"backendDriverId"`
	Status           RideStatus `json:"status"`
	CommittedAt      time.Time  `json:"committedAt"`
}

// IdentityResolved reports whether telemetry may be attributed to this ride.
func (r *CommittedRide) IdentityResolved() bool {
	return r != nil && r.DriverInternalID != ""
}

// LocationSample is one reading from the device position sensor.
type LocationSample struct {
	Lat        float64   `json:"lat" validate:"latitude"`
	Lon        float64   `json:"lon" validate:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Rounded returns the sample with coordinates rounded to CoordPrecision places.
func (s LocationSample) Rounded() LocationSample {
	s.Lat = RoundCoord(s.Lat)
	s.Lon = RoundCoord(s.Lon)
	return s
}

// Point returns the sample position as a GeoPoint.
func (s LocationSample) Point() GeoPoint {
	return GeoPoint{Lat: s.Lat, Lon: s.Lon}
}

// CoordPrecision is the number of decimal places kept for coordinates (~1cm).
const CoordPrecision = 7

var coordScale = math.Pow(10, CoordPrecision)

// RoundCoord rounds a coordinate to CoordPrecision decimal places.
func RoundCoord(v float64) float64 {
	return math.Round(v*coordScale) / coordScale
}

// PendingAcceptance guards the window between an accept request and the
// backend's answer.
type PendingAcceptance struct {
	OfferID   string    `json:"offerId"`
	StartedAt time.Time `json:"startedAt"`
}

// LocationUpdate is the location_update payload delivered to the rider.
type LocationUpdate struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	UserID    string   `json:"userId"`
	DriverID  string   `json:"driverId"`
	RideID    string   `json:"rideId,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// NewLocationUpdate attributes a sample to a committed ride.
func NewLocationUpdate(s LocationSample, ride *CommittedRide) LocationUpdate {
	return LocationUpdate{
		Latitude:  RoundCoord(s.Lat),
		Longitude: RoundCoord(s.Lon),
		UserID:    ride.RiderID,
		DriverID:  ride.DriverInternalID,
		RideID:    ride.RideID,
		Accuracy:  s.Accuracy,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Timestamp: s.CapturedAt.UnixMilli(),
	}
}

// RideIntent is the payload of ride_accept, ride_reject, ride_cancel and
// ride_complete channel events.
type RideIntent struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	Reason   string `json:"reason,omitempty"`
}

// DriverStatusEvent is the payload of the driver_status channel event.
type DriverStatusEvent struct {
	DriverID string             `json:"driverId"`
	Status   StatusAnnouncement `json:"status"`
}
