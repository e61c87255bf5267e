package location

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrTimeout             = errors.New("location request timed out")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrNetwork             = errors.New("position push failed")
)

// Options mirror the knobs a device position API exposes.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// Fix is a raw device reading before it becomes a PositionSample.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Timestamp time.Time
}

// Provider is the device position source. Watch blocks, invoking onFix for
// each reading in acquisition order, until ctx is done.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (Fix, error)
	Watch(ctx context.Context, opts Options, onFix func(Fix), onErr func(error)) error
}

type PermissionState int

const (
	PermissionPrompt PermissionState = iota
	PermissionGranted
	PermissionDenied
)

func (s PermissionState) String() string {
	switch s {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "prompt"
	}
}

// Permissions is the device's location capability. It is observed, not
// owned: callers poll State or subscribe with OnChange.
type Permissions interface {
	State(ctx context.Context) PermissionState
	OnChange(fn func(PermissionState)) (cancel func())
}

// StaticPermissions is a settable Permissions for CLIs and tests.
type StaticPermissions struct {
	mu    sync.Mutex
	state PermissionState
	next  int
	subs  map[int]func(PermissionState)
}

func NewStaticPermissions(state PermissionState) *StaticPermissions {
	return &StaticPermissions{state: state, subs: make(map[int]func(PermissionState))}
}

func (p *StaticPermissions) State(context.Context) PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *StaticPermissions) OnChange(fn func(PermissionState)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Set changes the state and notifies subscribers when it differs.
func (p *StaticPermissions) Set(state PermissionState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	subs := make([]func(PermissionState), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}
