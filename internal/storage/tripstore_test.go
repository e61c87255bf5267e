package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-tracking/internal/models"
)

func seed(t *testing.T, m *MemoryStore, status models.TripStatus) {
	t.Helper()
	require.NoError(t, m.Create(context.Background(), &models.Trip{ID: "r-1", Kind: models.KindRide, Status: status, OTPCode: "1234"}))
}

func TestMemoryStoreCreateGet(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, models.StatusPickingUp)
	assert.ErrorIs(t, m.Create(context.Background(), &models.Trip{ID: "r-1"}), ErrExists)

	got, err := m.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPickingUp, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	got.Status = models.StatusCancelled
	again, _ := m.Get(context.Background(), "r-1")
	assert.Equal(t, models.StatusPickingUp, again.Status, "Get returns a copy")

	_, err = m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTerminalStatusIsFinal(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, models.StatusInProgress)

	tr, err := m.UpdateStatus(context.Background(), "r-1", models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tr.Status)

	_, err = m.UpdateStatus(context.Background(), "r-1", models.StatusInProgress)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestMemoryStoreLiveLocationLastWriteWins(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, models.StatusPickingUp)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	ok, err := m.UpdateLiveLocation(ctx, "r-1", models.LiveLocation{Latitude: 2, CapturedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.UpdateLiveLocation(ctx, "r-1", models.LiveLocation{Latitude: 1, CapturedAt: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := m.Get(ctx, "r-1")
	assert.Equal(t, 2.0, got.LiveLocation.Latitude)

	_, err = m.UpdateLiveLocation(ctx, "nope", models.LiveLocation{})
	assert.ErrorIs(t, err, ErrNotFound)
}
