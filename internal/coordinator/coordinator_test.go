package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-tracking/internal/location"
	"github.com/example/trip-tracking/internal/models"
)

// fanoutProvider delivers every emitted fix to each live Watch call, so a
// leaked subscription shows up as a duplicate push.
type fanoutProvider struct {
	mu      sync.Mutex
	next    int
	watches map[int]func(location.Fix)
}

func newFanoutProvider() *fanoutProvider {
	return &fanoutProvider{watches: make(map[int]func(location.Fix))}
}

func (f *fanoutProvider) CurrentPosition(context.Context, location.Options) (location.Fix, error) {
	return location.Fix{Timestamp: time.Now()}, nil
}

func (f *fanoutProvider) Watch(ctx context.Context, _ location.Options, onFix func(location.Fix), _ func(error)) error {
	f.mu.Lock()
	id := f.next
	f.next++
	f.watches[id] = onFix
	f.mu.Unlock()
	<-ctx.Done()
	f.mu.Lock()
	delete(f.watches, id)
	f.mu.Unlock()
	return nil
}

func (f *fanoutProvider) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

func (f *fanoutProvider) subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *fanoutProvider) emit(fix location.Fix) {
	f.mu.Lock()
	subs := make([]func(location.Fix), 0, len(f.watches))
	for _, fn := range f.watches {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(fix)
	}
}

type countingPusher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPusher) UpdatePosition(context.Context, models.TripKind, string, string, models.LiveLocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *countingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func setup(t *testing.T, cfg Config) (*Coordinator, *fanoutProvider, *countingPusher, context.CancelFunc) {
	t.Helper()
	prov := newFanoutProvider()
	pusher := &countingPusher{}
	pipe := location.NewPipeline(prov, location.NewStaticPermissions(location.PermissionGranted), pusher, nil)
	c := New(pipe, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, prov, pusher, cancel
}

func waitEvent(t *testing.T, c *Coordinator, typ MessageType) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-c.Events():
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func noEvent(t *testing.T, c *Coordinator, typ MessageType, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case m := <-c.Events():
			if m.Type == typ {
				t.Fatalf("unexpected %s event", typ)
			}
		case <-deadline:
			return
		}
	}
}

func TestStartPushesAndNotifies(t *testing.T) {
	c, prov, pusher, _ := setup(t, DefaultConfig())
	require.NoError(t, c.Post(context.Background(), StartTracking(models.KindRide, "trip-1", 0, "tok")))
	require.Eventually(t, func() bool { return prov.active() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateTracking, c.State())

	prov.emit(location.Fix{Latitude: 25.2, Longitude: 55.3, Timestamp: time.Now()})
	m := waitEvent(t, c, MsgLocationUpdated)
	assert.Equal(t, "trip-1", m.TripID)
	require.NotNil(t, m.Sample)
	assert.Equal(t, models.OriginBackground, m.Sample.Origin)
	assert.Equal(t, 1, pusher.count())
}

func TestRestartKeepsSingleSubscription(t *testing.T) {
	c, prov, pusher, _ := setup(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, c.Post(ctx, StartTracking(models.KindRide, "trip-1", 0, "tok")))
	require.NoError(t, c.Post(ctx, StartTracking(models.KindRide, "trip-1", 0, "tok")))

	require.Eventually(t, func() bool {
		return prov.subscribed() == 2 && prov.active() == 1
	}, time.Second, 5*time.Millisecond)
	prov.emit(location.Fix{Latitude: 1, Longitude: 1, Timestamp: time.Now()})

	waitEvent(t, c, MsgLocationUpdated)
	noEvent(t, c, MsgLocationUpdated, 100*time.Millisecond)
	assert.Equal(t, 1, pusher.count())
}

func TestStopAcknowledgesAndHaltsPushes(t *testing.T) {
	c, prov, pusher, _ := setup(t, DefaultConfig())
	require.NoError(t, c.Post(context.Background(), StartTracking(models.KindDelivery, "d-1", 0, "tok")))
	require.Eventually(t, func() bool { return prov.active() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.RequestStop(context.Background(), 2*time.Second))
	assert.Equal(t, StateIdle, c.State())
	require.Eventually(t, func() bool { return prov.active() == 0 }, time.Second, 5*time.Millisecond)

	prov.emit(location.Fix{Latitude: 1, Longitude: 1, Timestamp: time.Now()})
	noEvent(t, c, MsgLocationUpdated, 50*time.Millisecond)
	assert.Equal(t, 0, pusher.count())

	// Stopping when idle still acknowledges.
	require.NoError(t, c.RequestStop(context.Background(), 2*time.Second))
}

func TestStopTimesOutWhenUnresponsive(t *testing.T) {
	pipe := location.NewPipeline(newFanoutProvider(), location.NewStaticPermissions(location.PermissionGranted), &countingPusher{}, nil)
	c := New(pipe, DefaultConfig(), nil) // never run

	start := time.Now()
	err := c.RequestStop(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStopTimesOutWhenInboxFull(t *testing.T) {
	pipe := location.NewPipeline(newFanoutProvider(), location.NewStaticPermissions(location.PermissionGranted), &countingPusher{}, nil)
	c := New(pipe, Config{InboxSize: 1}, nil)
	require.NoError(t, c.Post(context.Background(), Ping()))

	err := c.RequestStop(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrStopTimeout)
}

func TestPushFailureNotifiesError(t *testing.T) {
	c, prov, pusher, _ := setup(t, DefaultConfig())
	pusher.mu.Lock()
	pusher.err = errors.New("503")
	pusher.mu.Unlock()

	require.NoError(t, c.Post(context.Background(), StartTracking(models.KindRide, "trip-1", 0, "tok")))
	require.Eventually(t, func() bool { return prov.active() == 1 }, time.Second, 5*time.Millisecond)
	prov.emit(location.Fix{Latitude: 1, Longitude: 1, Timestamp: time.Now()})

	m := waitEvent(t, c, MsgLocationUpdateError)
	assert.Contains(t, m.Error, "503")
	assert.Equal(t, "trip-1", m.TripID)
}

func TestIntervalThrottlesPushes(t *testing.T) {
	c, prov, pusher, _ := setup(t, DefaultConfig())
	require.NoError(t, c.Post(context.Background(), StartTracking(models.KindRide, "trip-1", time.Minute, "tok")))
	require.Eventually(t, func() bool { return prov.active() == 1 }, time.Second, 5*time.Millisecond)

	now := time.Now()
	prov.emit(location.Fix{Latitude: 1, Timestamp: now})
	prov.emit(location.Fix{Latitude: 2, Timestamp: now.Add(time.Second)})
	waitEvent(t, c, MsgLocationUpdated)
	noEvent(t, c, MsgLocationUpdated, 50*time.Millisecond)
	assert.Equal(t, 1, pusher.count())
}

func TestIdleTermination(t *testing.T) {
	c, prov, _, _ := setup(t, Config{IdleTimeout: 40 * time.Millisecond})
	require.NoError(t, c.Post(context.Background(), StartTracking(models.KindRide, "trip-1", 0, "tok")))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not self-terminate")
	}
	assert.Equal(t, StateTerminated, c.State())
	require.Eventually(t, func() bool { return prov.active() == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Post(context.Background(), Ping()), ErrTerminated)
	assert.ErrorIs(t, c.RequestStop(context.Background(), time.Second), ErrTerminated)
}

func TestMessagesResetIdleTimer(t *testing.T) {
	c, _, _, _ := setup(t, Config{IdleTimeout: 150 * time.Millisecond})
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, c.Post(context.Background(), Ping()))
		time.Sleep(30 * time.Millisecond)
	}
	select {
	case <-c.Done():
		t.Fatal("terminated despite regular messages")
	default:
	}
}

func TestRunTwiceRejected(t *testing.T) {
	c, _, _, _ := setup(t, DefaultConfig())
	require.Eventually(t, func() bool { return c.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)
}
