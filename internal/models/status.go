package models

// TripStatus is the ride lifecycle. PENDING -> PICKING_UP -> IN_PROGRESS ->
// COMPLETED, with CANCELLED and NO_RIDERS_AVAILABLE set only by the server.
type TripStatus string

const (
	StatusPending           TripStatus = "PENDING"
	StatusPickingUp         TripStatus = "PICKING_UP"
	StatusInProgress        TripStatus = "IN_PROGRESS"
	StatusCompleted         TripStatus = "COMPLETED"
	StatusCancelled         TripStatus = "CANCELLED"
	StatusNoRidersAvailable TripStatus = "NO_RIDERS_AVAILABLE"
)

var allowedStatuses = []TripStatus{
	StatusPending,
	StatusPickingUp,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusNoRidersAvailable,
}

// AllowedStatuses returns a copy of every accepted status value.
func AllowedStatuses() []TripStatus {
	out := make([]TripStatus, len(allowedStatuses))
	copy(out, allowedStatuses)
	return out
}

func (s TripStatus) Valid() bool {
	for _, v := range allowedStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal statuses end automatic transitions on the client.
func (s TripStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoRidersAvailable:
		return true
	}
	return false
}
