package coordinator

import (
	"time"

	"github.com/example/trip-tracking/internal/models"
)

type MessageType string

const (
	// Foreground -> background.
	MsgStartTracking MessageType = "START_LOCATION_TRACKING"
	MsgStopTracking  MessageType = "STOP_TRACKING"
	MsgPing          MessageType = "PING"

	// Background -> foreground.
	MsgStopAck             MessageType = "STOP_ACK"
	MsgLocationUpdated     MessageType = "LOCATION_UPDATED"
	MsgLocationUpdateError MessageType = "LOCATION_UPDATE_ERROR"
	MsgTerminated          MessageType = "TERMINATED"
)

type Message struct {
	Type      MessageType
	TripID    string
	Kind      models.TripKind
	Interval  time.Duration
	AuthToken string
	Sample    *models.PositionSample
	Error     string

	reply chan<- Message
}

// StartTracking builds a START_LOCATION_TRACKING message. interval is the
// minimum spacing between pushes; zero pushes every fix.
func StartTracking(kind models.TripKind, tripID string, interval time.Duration, authToken string) Message {
	return Message{Type: MsgStartTracking, Kind: kind, TripID: tripID, Interval: interval, AuthToken: authToken}
}

func Ping() Message { return Message{Type: MsgPing} }

type State int32

const (
	StateIdle State = iota
	StateTracking
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTracking:
		return "tracking"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}
