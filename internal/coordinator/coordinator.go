package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/trip-tracking/internal/location"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
)

var (
	ErrTerminated     = errors.New("background coordinator terminated")
	ErrStopTimeout    = errors.New("background stop not acknowledged")
	ErrAlreadyRunning = errors.New("background coordinator already running")
)

// Watcher is the slice of the ingestion pipeline the coordinator drives.
type Watcher interface {
	StartWatch(origin models.Origin, onSample func(models.PositionSample), onError func(error)) *location.WatchHandle
	StopWatch(h *location.WatchHandle)
	PushSample(ctx context.Context, target location.Target, sample models.PositionSample) error
}

type Config struct {
	IdleTimeout time.Duration
	InboxSize   int
	EventsSize  int
}

func DefaultConfig() Config {
	return Config{IdleTimeout: 5 * time.Minute, InboxSize: 16, EventsSize: 64}
}

// Coordinator keeps reporting position independently of the foreground
// session. All of its tracking state is owned by the Run goroutine; other
// goroutines talk to it only through the inbox and events channels.
type Coordinator struct {
	watcher Watcher
	cfg     Config
	logger  *slog.Logger

	inbox  chan Message
	events chan Message
	done   chan struct{}

	running   atomic.Bool
	state     atomic.Int32
	closeOnce sync.Once

	// Owned by Run.
	current *trackingSession
}

type trackingSession struct {
	target location.Target
	handle *location.WatchHandle
	cancel context.CancelFunc
	active atomic.Bool
}

func New(watcher Watcher, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.EventsSize <= 0 {
		cfg.EventsSize = def.EventsSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		watcher: watcher,
		cfg:     cfg,
		logger:  logger.With("component", "background"),
		inbox:   make(chan Message, cfg.InboxSize),
		events:  make(chan Message, cfg.EventsSize),
		done:    make(chan struct{}),
	}
}

// Events carries LOCATION_UPDATED, LOCATION_UPDATE_ERROR and TERMINATED
// notifications. Nobody has to read it; notifications are dropped when the
// buffer is full.
func (c *Coordinator) Events() <-chan Message { return c.events }

// Done is closed once the coordinator has terminated.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Post enqueues a message without waiting for it to be handled.
func (c *Coordinator) Post(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrTerminated
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestStop sends STOP_TRACKING and waits up to timeout for STOP_ACK.
// ErrStopTimeout means the coordinator did not answer in time; callers
// clean up their own state either way.
func (c *Coordinator) RequestStop(ctx context.Context, timeout time.Duration) error {
	reply := make(chan Message, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.inbox <- Message{Type: MsgStopTracking, reply: reply}:
	case <-c.done:
		return ErrTerminated
	case <-timer.C:
		observability.StopAckTimeoutsTotal.Inc()
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrTerminated
	case <-timer.C:
		observability.StopAckTimeoutsTotal.Inc()
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes messages until ctx is cancelled or no message arrives for
// the idle timeout. It returns nil on idle termination.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.terminate()

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopCurrent()
			return ctx.Err()
		case msg := <-c.inbox:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.IdleTimeout)
			c.handle(ctx, msg)
		case <-idle.C:
			c.logger.Info("background_idle_terminated", "idle_timeout", c.cfg.IdleTimeout.String())
			c.stopCurrent()
			c.notify(Message{Type: MsgTerminated})
			return nil
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgStartTracking:
		c.start(ctx, msg)
	case MsgStopTracking:
		c.setState(StateStopping)
		c.stopCurrent()
		c.setState(StateIdle)
		if msg.reply != nil {
			select {
			case msg.reply <- Message{Type: MsgStopAck}:
			default:
			}
		}
		c.logger.Info("background_tracking_stopped")
	case MsgPing:
	default:
		c.logger.Warn("background_unknown_message", "type", msg.Type)
	}
}

func (c *Coordinator) start(ctx context.Context, msg Message) {
	if msg.TripID == "" || !msg.Kind.Valid() {
		c.notify(Message{Type: MsgLocationUpdateError, TripID: msg.TripID, Error: "start tracking requires a trip id and kind"})
		return
	}
	// One background watch at a time.
	c.stopCurrent()

	sctx, cancel := context.WithCancel(ctx)
	sess := &trackingSession{
		target: location.Target{Kind: msg.Kind, ID: msg.TripID, Token: msg.AuthToken},
		cancel: cancel,
	}
	sess.active.Store(true)

	interval := msg.Interval
	var lastPushed time.Time
	onSample := func(s models.PositionSample) {
		if !sess.active.Load() {
			return
		}
		if interval > 0 && !lastPushed.IsZero() && s.CapturedAt.Sub(lastPushed) < interval {
			return
		}
		lastPushed = s.CapturedAt
		err := c.watcher.PushSample(sctx, sess.target, s)
		if !sess.active.Load() {
			return
		}
		if err != nil {
			c.notify(Message{Type: MsgLocationUpdateError, TripID: sess.target.ID, Sample: &s, Error: err.Error()})
			return
		}
		c.notify(Message{Type: MsgLocationUpdated, TripID: sess.target.ID, Sample: &s})
	}
	onError := func(err error) {
		if !sess.active.Load() {
			return
		}
		c.notify(Message{Type: MsgLocationUpdateError, TripID: sess.target.ID, Error: err.Error()})
	}

	sess.handle = c.watcher.StartWatch(models.OriginBackground, onSample, onError)
	c.current = sess
	c.setState(StateTracking)
	c.logger.Info("background_tracking_started", "trip_id", msg.TripID, "kind", msg.Kind, "interval", interval.String())
}

func (c *Coordinator) stopCurrent() {
	if c.current == nil {
		return
	}
	c.current.active.Store(false)
	c.current.cancel()
	c.watcher.StopWatch(c.current.handle)
	c.current = nil
}

func (c *Coordinator) notify(msg Message) {
	select {
	case c.events <- msg:
	default:
		c.logger.Debug("background_event_dropped", "type", msg.Type)
	}
}

func (c *Coordinator) setState(s State) { c.state.Store(int32(s)) }

func (c *Coordinator) terminate() {
	c.closeOnce.Do(func() {
		c.setState(StateTerminated)
		close(c.done)
	})
}
