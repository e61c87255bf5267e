package geofence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/trip-tracking/internal/geo"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
)

// Policy radii. A sample exactly on the radius does not trigger.
const (
	PickupRadiusMeters  = 50.0
	DropoffRadiusMeters = 30.0
)

// Evaluate proposes the next status for a sample, or reports false when no
// transition applies.
func Evaluate(sample models.PositionSample, wp models.Waypoints, current models.TripStatus) (models.TripStatus, bool) {
	switch current {
	case models.StatusPickingUp:
		if wp.Pickup != nil && geo.DistanceMeters(sample.Coord(), *wp.Pickup) < PickupRadiusMeters {
			return models.StatusInProgress, true
		}
	case models.StatusInProgress:
		if wp.Dropoff != nil && geo.DistanceMeters(sample.Coord(), *wp.Dropoff) < DropoffRadiusMeters {
			return models.StatusCompleted, true
		}
	}
	return "", false
}

// StatusUpdater submits a status to the server and returns the status the
// server actually recorded.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, tripID, token string, status models.TripStatus) (models.TripStatus, error)
}

// Machine tracks the last server-confirmed status of one ride and submits
// geofence proposals. At most one proposal is in flight; a failed proposal
// is dropped and the next sample re-evaluates.
type Machine struct {
	updater StatusUpdater
	tripID  string
	token   string
	logger  *slog.Logger

	mu       sync.Mutex
	last     models.TripStatus
	inflight models.TripStatus
	wg       sync.WaitGroup
	onChange func(models.TripStatus)
}

func NewMachine(updater StatusUpdater, tripID, token string, initial models.TripStatus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Machine{updater: updater, tripID: tripID, token: token, last: initial, logger: logger.With("trip_id", tripID)}
}

// OnChange registers a callback fired after the cached status changes.
func (m *Machine) OnChange(fn func(models.TripStatus)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Machine) Status() models.TripStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Pending reports the proposal currently awaiting confirmation, if any.
func (m *Machine) Pending() (models.TripStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight, m.inflight != ""
}

// Observe evaluates sample against the cached status and, if a transition
// applies and none is in flight, submits it in the background. It returns
// the proposal it submitted.
func (m *Machine) Observe(ctx context.Context, sample models.PositionSample, wp models.Waypoints) (models.TripStatus, bool) {
	m.mu.Lock()
	if m.last.Terminal() || m.inflight != "" {
		m.mu.Unlock()
		return "", false
	}
	next, ok := Evaluate(sample, wp, m.last)
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	m.inflight = next
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("geofence_transition_proposed", "status", next, "latitude", sample.Latitude, "longitude", sample.Longitude)
	go m.submit(context.WithoutCancel(ctx), next)
	return next, true
}

func (m *Machine) submit(ctx context.Context, proposed models.TripStatus) {
	defer m.wg.Done()
	confirmed, err := m.updater.UpdateStatus(ctx, m.tripID, m.token, proposed)

	m.mu.Lock()
	m.inflight = ""
	if err != nil {
		m.mu.Unlock()
		observability.GeofenceProposalsTotal.WithLabelValues(string(proposed), "error").Inc()
		m.logger.Warn("geofence_transition_failed", "status", proposed, "error", err)
		return
	}
	changed := m.adoptLocked(confirmed)
	fn := m.onChange
	m.mu.Unlock()

	observability.GeofenceProposalsTotal.WithLabelValues(string(proposed), "confirmed").Inc()
	m.logger.Info("geofence_transition_confirmed", "proposed", proposed, "status", confirmed)
	if changed && fn != nil {
		fn(confirmed)
	}
}

// SetStatus adopts a status read from the server outside the geofence path,
// such as a trip details refresh or an admin cancellation.
func (m *Machine) SetStatus(status models.TripStatus) {
	m.mu.Lock()
	changed := m.adoptLocked(status)
	fn := m.onChange
	m.mu.Unlock()
	if changed && fn != nil {
		fn(status)
	}
}

func (m *Machine) adoptLocked(status models.TripStatus) bool {
	if !status.Valid() || status == m.last {
		return false
	}
	m.last = status
	return true
}

// Wait blocks until no proposal is in flight.
func (m *Machine) Wait() { m.wg.Wait() }
