package ingest

import (
	"context"
	"time"

	"github.com/example/trip-tracking/internal/models"
)

// PositionEvent is published for every accepted position update.
type PositionEvent struct {
	TripID       string              `json:"tripId"`
	Kind         models.TripKind     `json:"kind"`
	LiveLocation models.LiveLocation `json:"liveLocation"`
	ReceivedAt   time.Time           `json:"receivedAt"`
}

// StatusEvent is published for every applied status change.
type StatusEvent struct {
	TripID    string            `json:"tripId"`
	Kind      models.TripKind   `json:"kind"`
	Previous  models.TripStatus `json:"previous"`
	Status    models.TripStatus `json:"status"`
	ChangedAt time.Time         `json:"changedAt"`
}

type PositionPublisher interface {
	PublishPosition(ctx context.Context, ev PositionEvent) error
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
}
