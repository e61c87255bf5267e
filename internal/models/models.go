package models

import "time"

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// TripKind selects the endpoint family a trip is tracked through.
type TripKind string

const (
	KindRide     TripKind = "ride"
	KindDelivery TripKind = "delivery"
)

func (k TripKind) Valid() bool { return k == KindRide || k == KindDelivery }

// Origin records which execution context captured a sample.
type Origin string

const (
	OriginForeground Origin = "foreground"
	OriginBackground Origin = "background"
)

// PositionSample is a single device fix. Treat it as a value; nothing mutates
// a sample after capture.
type PositionSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	Origin     Origin    `json:"origin"`
}

func (p PositionSample) Coord() Coord { return Coord{Lat: p.Latitude, Lon: p.Longitude} }

// LiveLocation is the server-side view of the latest sample for a trip.
func (p PositionSample) LiveLocation() LiveLocation {
	return LiveLocation{Latitude: p.Latitude, Longitude: p.Longitude, Accuracy: p.Accuracy, CapturedAt: p.CapturedAt}
}

type LiveLocation struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (l LiveLocation) Coord() Coord { return Coord{Lat: l.Latitude, Lon: l.Longitude} }

// TrackingAuthorization is the locally cached proof that a device passed OTP
// verification for a trip.
type TrackingAuthorization struct {
	TripID   string    `json:"tripId"`
	Kind     TripKind  `json:"kind"`
	Code     string    `json:"code"`
	Token    string    `json:"token,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Expired reports whether the authorization can no longer be reused at now.
// A non-positive ttl means cached authorizations are never reused.
func (a TrackingAuthorization) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return now.Sub(a.IssuedAt) >= ttl
}

// Trip is the backend record behind the tracking endpoints.
type Trip struct {
	ID           string        `json:"id"`
	Kind         TripKind      `json:"kind"`
	Status       TripStatus    `json:"status"`
	OTPCode      string        `json:"-"`
	Pickup       *Coord        `json:"pickupLocation,omitempty"`
	Dropoff      *Coord        `json:"dropoffLocation,omitempty"`
	LiveLocation *LiveLocation `json:"liveLocation,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}
