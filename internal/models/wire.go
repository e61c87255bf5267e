package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request and response bodies of the tracking endpoints.

type OTPVerifyRequest struct {
	Code string `json:"code"`
}

type OTPVerifyResponse struct {
	Success          bool   `json:"success"`
	TripOrDeliveryID string `json:"tripOrDeliveryId,omitempty"`
	Token            string `json:"token,omitempty"`
	Error            string `json:"error,omitempty"`
}

type PositionUpdateRequest struct {
	ID           string       `json:"id"`
	LiveLocation LiveLocation `json:"liveLocation"`
}

type PositionUpdateResponse struct {
	Success bool   `json:"success"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

type StatusUpdateRequest struct {
	TripID string     `json:"tripId"`
	Status TripStatus `json:"status"`
}

type StatusUpdateResponse struct {
	Success bool         `json:"success"`
	Trip    *TripDetails `json:"trip,omitempty"`
	Error   string       `json:"error,omitempty"`
	Allowed []TripStatus `json:"allowed,omitempty"`
}

type DriverInfo struct {
	LiveLocation *LiveLocation `json:"liveLocation,omitempty"`
}

// TripDetails mirrors the trip details payload. Pickup and dropoff are kept
// raw because the backend may send either a delimited string or an object.
type TripDetails struct {
	ID              string          `json:"id"`
	Kind            TripKind        `json:"kind"`
	Status          TripStatus      `json:"status"`
	Driver          DriverInfo      `json:"driver"`
	PickupLocation  json.RawMessage `json:"pickupLocation,omitempty"`
	DropoffLocation json.RawMessage `json:"dropoffLocation,omitempty"`
}

// Waypoints parses both ends of the trip. Each end is parsed on its own; an
// end that fails is left nil and reported in the joined error while the
// other end is still returned.
func (t TripDetails) Waypoints() (Waypoints, error) {
	var wp Waypoints
	var errs []error
	pickup, err := ParseWaypoint(t.PickupLocation)
	if err != nil {
		errs = append(errs, fmt.Errorf("pickup: %w", err))
	} else {
		wp.Pickup = pickup
	}
	dropoff, err := ParseWaypoint(t.DropoffLocation)
	if err != nil {
		errs = append(errs, fmt.Errorf("dropoff: %w", err))
	} else {
		wp.Dropoff = dropoff
	}
	return wp, errors.Join(errs...)
}

// Details renders a trip record the way the details endpoint returns it.
func (t *Trip) Details() TripDetails {
	d := TripDetails{ID: t.ID, Kind: t.Kind, Status: t.Status, Driver: DriverInfo{LiveLocation: t.LiveLocation}}
	if t.Pickup != nil {
		d.PickupLocation, _ = json.Marshal(t.Pickup)
	}
	if t.Dropoff != nil {
		d.DropoffLocation, _ = json.Marshal(t.Dropoff)
	}
	return d
}
