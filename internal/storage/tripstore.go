package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/trip-tracking/internal/models"
)

var (
	ErrNotFound = errors.New("trip not found")
	ErrExists   = errors.New("trip already exists")
	ErrTerminal = errors.New("trip already in a terminal status")
)

// TripStore defines persistence operations for tracked trips.
type TripStore interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	// UpdateStatus refuses to move a trip out of a terminal status.
	UpdateStatus(ctx context.Context, id string, status models.TripStatus) (*models.Trip, error)
	// UpdateLiveLocation keeps the sample with the latest capturedAt and
	// reports whether loc was applied.
	UpdateLiveLocation(ctx context.Context, id string, loc models.LiveLocation) (bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrExists
	}
	cp := *t
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status models.TripStatus) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, ErrTerminal
	}
	t.Status = status
	t.UpdatedAt = m.now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateLiveLocation(_ context.Context, id string, loc models.LiveLocation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.LiveLocation != nil && loc.CapturedAt.Before(t.LiveLocation.CapturedAt) {
		return false, nil
	}
	l := loc
	t.LiveLocation = &l
	t.UpdatedAt = m.now()
	return true, nil
}
