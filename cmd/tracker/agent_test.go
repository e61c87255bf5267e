package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/geo"
	httpapi "github.com/example/trip-tracking/internal/http"
	"github.com/example/trip-tracking/internal/location"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/storage"
	"github.com/example/trip-tracking/internal/tracking"
)

func TestAgentAdvancesRideThroughBackend(t *testing.T) {
	store := storage.NewMemoryStore()
	pickup := models.Coord{Lat: 25.2048, Lon: 55.2708}
	dropoff := geo.Offset(pickup, 2000, 45)
	require.NoError(t, store.Create(context.Background(), &models.Trip{
		ID: "r-1", Kind: models.KindRide, Status: models.StatusPickingUp, OTPCode: "1234", Pickup: &pickup, Dropoff: &dropoff,
	}))
	srv := httptest.NewServer(httpapi.NewServer(httpapi.Deps{Store: store, Tokens: auth.NewTokenService("s", time.Hour)}))
	defer srv.Close()

	cfg := config.AgentConfig{
		BaseURL:           srv.URL,
		HTTPTimeout:       time.Second,
		AuthCachePath:     filepath.Join(t.TempDir(), "auth.db"),
		RideAuthTTL:       2 * time.Hour,
		DeliveryAuthTTL:   2 * time.Hour,
		InitialFixTimeout: time.Second,
		WatchFixTimeout:   5 * time.Second,
		WatchMaxAge:       10 * time.Second,
		StopAckTimeout:    time.Second,
		IdleTimeout:       time.Minute,
		KeepAliveInterval: 10 * time.Second,
	}
	route := []models.Coord{geo.Offset(pickup, 500, 0), geo.Offset(pickup, 10, 0), geo.Offset(dropoff, 5, 0)}
	provider, err := location.NewSimulatedProvider(route, 20*time.Millisecond, 5)
	require.NoError(t, err)

	statuses := make(chan models.TripStatus, 8)
	a, err := newAgent(cfg, provider, tracking.Hooks{OnStatus: func(s models.TripStatus) { statuses <- s }}, logging.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.run(ctx, tracking.StartRequest{Kind: models.KindRide, TripID: "r-1", Code: "1234", Background: true})
	}()

	waitStatus := func(want models.TripStatus) {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case s := <-statuses:
				if s == want {
					return
				}
			case <-timeout:
				t.Fatalf("status %s never confirmed", want)
			}
		}
	}
	waitStatus(models.StatusInProgress)
	waitStatus(models.StatusCompleted)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, a.session.Sharing())

	tr, err := store.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tr.Status)
	require.NotNil(t, tr.LiveLocation)

	// The authorization survives in the on-disk cache for the next run.
	cached, ok, err := a.cache.Get(context.Background(), "r-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1234", cached.Code)
}

func TestParseKind(t *testing.T) {
	k, err := parseKind(" Delivery ")
	require.NoError(t, err)
	assert.Equal(t, models.KindDelivery, k)
	_, err = parseKind("boat")
	assert.Error(t, err)
}

func TestServeMetricsExposesAgentCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr, err := serveMetrics(ctx, "127.0.0.1:0", logging.Nop())
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "trip_tracking_agent_stop_ack_timeouts_total")
	assert.Contains(t, string(body), "trip_tracking_agent_push_latency_seconds")

	cancel()
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			r.Body.Close()
		}
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
