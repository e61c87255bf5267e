package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/trip-tracking/internal/api"
	"github.com/example/trip-tracking/internal/coordinator"
	"github.com/example/trip-tracking/internal/geofence"
	"github.com/example/trip-tracking/internal/location"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/otp"
)

var ErrNotSharing = errors.New("not sharing location")

// TripReader fetches the trip record used to seed waypoints and status.
type TripReader interface {
	TripDetails(ctx context.Context, kind models.TripKind, id, token string) (models.TripDetails, error)
}

// Background is the slice of the coordinator the session drives.
type Background interface {
	Post(ctx context.Context, msg coordinator.Message) error
	RequestStop(ctx context.Context, timeout time.Duration) error
	Events() <-chan coordinator.Message
	Done() <-chan struct{}
}

type Config struct {
	StopAckTimeout     time.Duration
	KeepAliveInterval  time.Duration
	BackgroundInterval time.Duration
}

func DefaultConfig() Config {
	return Config{StopAckTimeout: 2 * time.Second, KeepAliveInterval: time.Minute}
}

// Hooks let a caller observe the session. All are optional and may be
// invoked from background goroutines.
type Hooks struct {
	OnSample func(models.PositionSample)
	OnStatus func(models.TripStatus)
	OnError  func(error)
}

type StartRequest struct {
	Kind       models.TripKind
	TripID     string
	Code       string
	Background bool
}

// Session is the foreground controller for one tracked trip.
type Session struct {
	gate     *otp.Gate
	trips    TripReader
	pipeline *location.Pipeline
	updater  geofence.StatusUpdater
	bg       Background
	cfg      Config
	hooks    Hooks
	logger   *slog.Logger

	mu     sync.Mutex
	cur    *run
	last   *models.PositionSample
	status models.TripStatus
}

// run is the state of one Start..Stop cycle.
type run struct {
	target     location.Target
	wp         models.Waypoints
	machine    *geofence.Machine
	watch      *location.WatchHandle
	background bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSession wires the controller. bg may be nil when background tracking
// is unavailable.
func NewSession(gate *otp.Gate, trips TripReader, pipeline *location.Pipeline, updater geofence.StatusUpdater, bg Background, cfg Config, hooks Hooks, logger *slog.Logger) *Session {
	def := DefaultConfig()
	if cfg.StopAckTimeout <= 0 {
		cfg.StopAckTimeout = def.StopAckTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Session{
		gate:     gate,
		trips:    trips,
		pipeline: pipeline,
		updater:  updater,
		bg:       bg,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger.With("component", "tracking"),
	}
}

// Start authorizes the trip, takes an initial fix and begins reporting.
// Only a denied permission or a timed-out initial fix prevent it; an
// unavailable initial fix is logged and the watch starts anyway.
func (s *Session) Start(ctx context.Context, req StartRequest) (models.TrackingAuthorization, error) {
	if req.TripID == "" || !req.Kind.Valid() {
		return models.TrackingAuthorization{}, fmt.Errorf("start tracking: trip id and kind are required")
	}
	if s.Sharing() {
		_ = s.Stop(ctx)
	}

	if s.pipeline.Permission(ctx) == location.PermissionDenied {
		return models.TrackingAuthorization{}, location.ErrPermissionDenied
	}

	auth, err := s.gate.Resume(ctx, req.Kind, req.TripID, req.Code)
	if err != nil {
		return models.TrackingAuthorization{}, err
	}

	details, err := s.trips.TripDetails(ctx, req.Kind, req.TripID, auth.Token)
	if err != nil {
		if strings.TrimSpace(req.Code) == "" && tokenRejected(err) {
			s.logger.Warn("cached_authorization_rejected", "trip_id", req.TripID, "error", err)
			if ierr := s.gate.Invalidate(ctx, req.TripID); ierr != nil {
				s.logger.Warn("otp_cache_delete_failed", "trip_id", req.TripID, "error", ierr)
			}
			return models.TrackingAuthorization{}, fmt.Errorf("%w: cached authorization rejected", otp.ErrCodeRequired)
		}
		return auth, fmt.Errorf("load trip details: %w", err)
	}
	wp, err := details.Waypoints()
	if err != nil {
		s.logger.Warn("trip_waypoint_unparseable", "trip_id", req.TripID, "error", err,
			"pickup", wp.Pickup != nil, "dropoff", wp.Dropoff != nil)
	}

	first, err := s.pipeline.AcquireOnce(ctx)
	switch {
	case errors.Is(err, location.ErrPermissionDenied), errors.Is(err, location.ErrTimeout):
		return auth, fmt.Errorf("initial position: %w", err)
	case err != nil:
		s.logger.Warn("initial_position_unavailable", "trip_id", req.TripID, "error", err)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		target: location.Target{Kind: req.Kind, ID: req.TripID, Token: auth.Token},
		wp:     wp,
		ctx:    rctx,
		cancel: cancel,
	}
	if req.Kind == models.KindRide {
		r.machine = geofence.NewMachine(s.updater, req.TripID, auth.Token, details.Status, s.logger)
		r.machine.OnChange(s.statusChanged)
	}

	s.mu.Lock()
	s.cur = r
	s.status = details.Status
	s.last = nil
	s.mu.Unlock()

	if err == nil {
		s.foregroundSample(r, first)
	}

	r.watch = s.pipeline.StartWatch(models.OriginForeground,
		func(sample models.PositionSample) { s.foregroundSample(r, sample) },
		func(err error) { s.watchError(r, err) })

	background := false
	if req.Background && s.bg != nil {
		msg := coordinator.StartTracking(req.Kind, req.TripID, s.cfg.BackgroundInterval, auth.Token)
		if err := s.bg.Post(ctx, msg); err != nil {
			s.logger.Warn("background_start_failed", "trip_id", req.TripID, "error", err)
		} else {
			background = true
			s.mu.Lock()
			r.background = true
			s.mu.Unlock()
			r.wg.Add(1)
			go s.backgroundLoop(r)
		}
	}

	s.logger.Info("tracking_started", "trip_id", req.TripID, "kind", req.Kind, "status", details.Status, "background", background)
	return auth, nil
}

// Stop ends sharing. The foreground watch stops immediately; the background
// stop waits at most StopAckTimeout. Local state is cleared either way and
// repeated calls are no-ops.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	var background bool
	if r != nil {
		background = r.background
	}
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	// Cancel first so an in-flight push unblocks the watch stop.
	r.cancel()
	s.pipeline.StopWatch(r.watch)

	var stopErr error
	if background {
		if err := s.bg.RequestStop(ctx, s.cfg.StopAckTimeout); err != nil {
			stopErr = err
			s.logger.Warn("background_stop_unacknowledged", "trip_id", r.target.ID, "error", err)
		}
	}
	r.wg.Wait()

	s.logger.Info("tracking_stopped", "trip_id", r.target.ID)
	return stopErr
}

// Refresh re-reads the trip and adopts the server's status.
func (s *Session) Refresh(ctx context.Context) (models.TripDetails, error) {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return models.TripDetails{}, ErrNotSharing
	}
	details, err := s.trips.TripDetails(ctx, r.target.Kind, r.target.ID, r.target.Token)
	if err != nil {
		return models.TripDetails{}, err
	}
	if r.machine != nil {
		r.machine.SetStatus(details.Status)
	} else {
		s.statusChanged(details.Status)
	}
	return details, nil
}

func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// BackgroundActive reports whether the current run handed tracking to the
// coordinator.
func (s *Session) BackgroundActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.background
}

func (s *Session) LastSample() (models.PositionSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.PositionSample{}, false
	}
	return *s.last, true
}

// Status is the last server-confirmed trip status.
func (s *Session) Status() models.TripStatus {
	s.mu.Lock()
	r := s.cur
	status := s.status
	s.mu.Unlock()
	if r != nil && r.machine != nil {
		return r.machine.Status()
	}
	return status
}

func (s *Session) foregroundSample(r *run, sample models.PositionSample) {
	if !s.current(r) {
		return
	}
	// Push errors are counted and logged by the pipeline.
	_ = s.pipeline.PushSample(r.ctx, r.target, sample)
	s.observe(r, sample)
}

func (s *Session) observe(r *run, sample models.PositionSample) {
	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		return
	}
	if s.last == nil || !sample.CapturedAt.Before(s.last.CapturedAt) {
		cp := sample
		s.last = &cp
	}
	s.mu.Unlock()

	if r.machine != nil {
		r.machine.Observe(r.ctx, sample, r.wp)
	}
	if s.hooks.OnSample != nil {
		s.hooks.OnSample(sample)
	}
}

func (s *Session) watchError(r *run, err error) {
	if !s.current(r) {
		return
	}
	s.logger.Warn("foreground_watch_error", "trip_id", r.target.ID, "error", err)
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

func (s *Session) statusChanged(status models.TripStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.logger.Info("trip_status_changed", "status", status)
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(status)
	}
}

// backgroundLoop relays coordinator notifications for this run and keeps the
// coordinator from idling out while the session is open.
func (s *Session) backgroundLoop(r *run) {
	defer r.wg.Done()
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-s.bg.Done():
			s.logger.Warn("background_terminated", "trip_id", r.target.ID)
			s.mu.Lock()
			r.background = false
			s.mu.Unlock()
			return
		case <-keepAlive.C:
			if err := s.bg.Post(r.ctx, coordinator.Ping()); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("background_keepalive_failed", "error", err)
			}
		case msg := <-s.bg.Events():
			if msg.TripID != "" && msg.TripID != r.target.ID {
				continue
			}
			switch msg.Type {
			case coordinator.MsgLocationUpdated:
				if msg.Sample != nil {
					s.observe(r, *msg.Sample)
				}
			case coordinator.MsgLocationUpdateError:
				s.logger.Warn("background_update_error", "trip_id", r.target.ID, "error", msg.Error)
				if s.hooks.OnError != nil {
					s.hooks.OnError(errors.New(msg.Error))
				}
			}
		}
	}
}

// tokenRejected reports whether the server refused the tracking token itself.
func tokenRejected(err error) bool {
	var se *api.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

func (s *Session) current(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == r
}
