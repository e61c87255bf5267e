package dispatch

import (
	"context"
	"errors"

	"github.com/example/trip-tracking/internal/models"
)

type EventType string

const (
	EventLocationUpdated EventType = "LOCATION_UPDATED"
	EventStatusChanged   EventType = "STATUS_CHANGED"
)

// Event is what dashboards and webhooks are told about a trip.
type Event struct {
	Type         EventType            `json:"type"`
	TripID       string               `json:"tripId"`
	Kind         models.TripKind      `json:"kind"`
	Status       models.TripStatus    `json:"status,omitempty"`
	LiveLocation *models.LiveLocation `json:"liveLocation,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter passes through only the listed event types.
func Filter(n Notifier, types ...EventType) Notifier {
	return filtered{next: n, types: types}
}

type filtered struct {
	next  Notifier
	types []EventType
}

func (f filtered) Notify(ctx context.Context, ev Event) error {
	for _, t := range f.types {
		if t == ev.Type {
			return f.next.Notify(ctx, ev)
		}
	}
	return nil
}
