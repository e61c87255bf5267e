package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
)

// Pusher sends one live location to the position-update endpoint.
type Pusher interface {
	UpdatePosition(ctx context.Context, kind models.TripKind, id, token string, loc models.LiveLocation) error
}

// Target names the trip or delivery a sample is reported against.
type Target struct {
	Kind  models.TripKind
	ID    string
	Token string
}

// PushReport is posted to the side channel after every push attempt.
type PushReport struct {
	Target  Target
	Sample  models.PositionSample
	Err     error
	Latency time.Duration
}

// PushError wraps ErrNetwork together with the transport failure.
type PushError struct {
	TripID string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push position for %s: %v", e.TripID, e.Err)
}

func (e *PushError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

type Pipeline struct {
	provider Provider
	perms    Permissions
	pusher   Pusher
	logger   *slog.Logger
	report   func(PushReport)
	once     Options
	watch    Options
	now      func() time.Time
}

type Option func(*Pipeline)

// WithOnceOptions overrides the one-shot fix options.
func WithOnceOptions(o Options) Option { return func(p *Pipeline) { p.once = o } }

// WithWatchOptions overrides the continuous watch options.
func WithWatchOptions(o Options) Option { return func(p *Pipeline) { p.watch = o } }

// WithReporter installs the operator-visible side channel.
func WithReporter(fn func(PushReport)) Option { return func(p *Pipeline) { p.report = fn } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func NewPipeline(provider Provider, perms Permissions, pusher Pusher, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pipeline{
		provider: provider,
		perms:    perms,
		pusher:   pusher,
		logger:   logger,
		once:     Options{HighAccuracy: true, Timeout: 10 * time.Second, MaximumAge: 0},
		watch:    Options{HighAccuracy: true, Timeout: 8 * time.Second, MaximumAge: 10 * time.Second},
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AcquireOnce requests a single fresh fix. Cached or aged fixes are refused.
func (p *Pipeline) AcquireOnce(ctx context.Context) (models.PositionSample, error) {
	if err := p.checkPermission(ctx); err != nil {
		return models.PositionSample{}, err
	}
	requested := p.now()
	fctx, cancel := context.WithTimeout(ctx, p.once.Timeout)
	defer cancel()

	fix, err := p.provider.CurrentPosition(fctx, p.once)
	if err != nil {
		return models.PositionSample{}, classify(fctx, err)
	}
	if stale(fix, requested, p.once.MaximumAge) {
		return models.PositionSample{}, fmt.Errorf("%w: fix captured at %s predates request", ErrPositionUnavailable, fix.Timestamp.Format(time.RFC3339Nano))
	}
	return p.sample(fix, models.OriginForeground), nil
}

// StartWatch begins continuous acquisition. onSample and onError are invoked
// from a single goroutine, never concurrently, and none runs after StopWatch
// returns. A callback must not stop its own handle.
func (p *Pipeline) StartWatch(origin models.Origin, onSample func(models.PositionSample), onError func(error)) *WatchHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WatchHandle{id: uuid.NewString(), origin: origin, cancel: cancel, done: make(chan struct{})}
	go p.runWatch(ctx, h, onSample, onError)
	p.logger.Debug("watch_started", "watch_id", h.id, "origin", origin)
	return h
}

// StopWatch cancels the subscription and waits for a callback already in
// progress to return. Nil and already-stopped handles are no-ops.
func (p *Pipeline) StopWatch(h *WatchHandle) {
	if h.Stop() {
		p.logger.Debug("watch_stopped", "watch_id", h.id, "origin", h.origin)
	}
}

func (p *Pipeline) runWatch(ctx context.Context, h *WatchHandle, onSample func(models.PositionSample), onError func(error)) {
	defer close(h.done)
	defer h.cancel()

	deliverErr := func(err error) {
		if onError != nil {
			h.deliver(func() { onError(err) })
		}
	}

	if err := p.checkPermission(ctx); err != nil {
		deliverErr(err)
		return
	}

	fixes := make(chan Fix)
	errs := make(chan error)
	providerDone := make(chan struct{})

	revoked := make(chan struct{}, 1)
	unsubscribe := p.perms.OnChange(func(s PermissionState) {
		if s == PermissionDenied {
			select {
			case revoked <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	go func() {
		defer close(providerDone)
		err := p.provider.Watch(ctx, p.watch,
			func(f Fix) {
				select {
				case fixes <- f:
				case <-ctx.Done():
				}
			},
			func(e error) {
				select {
				case errs <- e:
				case <-ctx.Done():
				}
			})
		if err != nil && ctx.Err() == nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
		}
	}()

	timer := time.NewTimer(p.watch.Timeout)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.watch.Timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-fixes:
			resetTimer()
			if stale(f, p.now(), p.watch.MaximumAge) {
				p.logger.Debug("watch_fix_stale", "watch_id", h.id, "captured_at", f.Timestamp)
				continue
			}
			if onSample != nil {
				sample := p.sample(f, h.origin)
				h.deliver(func() { onSample(sample) })
			}
		case err := <-errs:
			deliverErr(classify(ctx, err))
		case <-revoked:
			deliverErr(ErrPermissionDenied)
		case <-timer.C:
			deliverErr(ErrTimeout)
			timer.Reset(p.watch.Timeout)
		case <-providerDone:
			if ctx.Err() == nil {
				deliverErr(fmt.Errorf("%w: provider stopped", ErrPositionUnavailable))
			}
			return
		}
	}
}

// PushSample reports one sample. It makes a single attempt; the next fix is
// the retry.
func (p *Pipeline) PushSample(ctx context.Context, target Target, sample models.PositionSample) error {
	start := time.Now()
	err := p.pusher.UpdatePosition(ctx, target.Kind, target.ID, target.Token, sample.LiveLocation())
	latency := time.Since(start)
	observability.PushLatency.Observe(latency.Seconds())

	if err != nil {
		err = &PushError{TripID: target.ID, Err: err}
		observability.SamplesPushedTotal.WithLabelValues(string(sample.Origin), "error").Inc()
		p.logger.Warn("position_push_failed", "trip_id", target.ID, "origin", sample.Origin, "error", err)
	} else {
		observability.SamplesPushedTotal.WithLabelValues(string(sample.Origin), "ok").Inc()
		p.logger.Debug("position_pushed", "trip_id", target.ID, "origin", sample.Origin, "latency_ms", latency.Milliseconds())
	}
	if p.report != nil {
		p.report(PushReport{Target: target, Sample: sample, Err: err, Latency: latency})
	}
	return err
}

// Permission returns the current capability state.
func (p *Pipeline) Permission(ctx context.Context) PermissionState {
	return p.perms.State(ctx)
}

func (p *Pipeline) checkPermission(ctx context.Context) error {
	if p.perms.State(ctx) == PermissionDenied {
		return ErrPermissionDenied
	}
	return nil
}

func (p *Pipeline) sample(f Fix, origin models.Origin) models.PositionSample {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	return models.PositionSample{
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Accuracy:   f.Accuracy,
		CapturedAt: ts,
		Origin:     origin,
	}
}

func stale(f Fix, ref time.Time, maxAge time.Duration) bool {
	if f.Timestamp.IsZero() {
		return false
	}
	return f.Timestamp.Before(ref.Add(-maxAge))
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrTimeout), errors.Is(err, ErrPositionUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
}

// WatchHandle identifies one continuous subscription.
type WatchHandle struct {
	id      string
	origin  models.Origin
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}

	// held while a callback runs
	mu sync.Mutex
}

func (h *WatchHandle) ID() string { return h.id }

func (h *WatchHandle) Origin() models.Origin { return h.origin }

// Active is false once Stop has been called.
func (h *WatchHandle) Active() bool { return h != nil && !h.stopped.Load() }

// Stop cancels the subscription and reports whether this call did so.
// Nil handles and repeated calls are no-ops.
func (h *WatchHandle) Stop() bool {
	if h == nil || !h.stopped.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	// Wait out a delivery in progress.
	h.mu.Lock()
	h.mu.Unlock()
	return true
}

func (h *WatchHandle) deliver(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return
	}
	fn()
}

// Done is closed once the watch goroutine has exited.
func (h *WatchHandle) Done() <-chan struct{} { return h.done }
