package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-tracking/internal/api"
	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/dispatch"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
	"github.com/example/trip-tracking/internal/otp"
	"github.com/example/trip-tracking/internal/storage"
)

type capture struct {
	mu        sync.Mutex
	positions []ingest.PositionEvent
	statuses  []ingest.StatusEvent
	events    []dispatch.Event
}

func (c *capture) PublishPosition(_ context.Context, ev ingest.PositionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = append(c.positions, ev)
	return nil
}

func (c *capture) PublishStatus(_ context.Context, ev ingest.StatusEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, ev)
	return nil
}

func (c *capture) Notify(_ context.Context, ev dispatch.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

type harness struct {
	srv    *httptest.Server
	store  *storage.MemoryStore
	tokens *auth.TokenService
	cap    *capture
	client *api.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	tokens := auth.NewTokenService("test-secret", time.Hour)
	c := &capture{}
	s := NewServer(Deps{Store: store, Tokens: tokens, Positions: c, Statuses: c, Notifier: c})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	pickup := models.Coord{Lat: 25.2048, Lon: 55.2708}
	require.NoError(t, store.Create(context.Background(), &models.Trip{ID: "r-1", Kind: models.KindRide, Status: models.StatusPickingUp, OTPCode: "1234", Pickup: &pickup}))
	require.NoError(t, store.Create(context.Background(), &models.Trip{ID: "d-1", Kind: models.KindDelivery, Status: models.StatusPending, OTPCode: "9999"}))
	return &harness{srv: srv, store: store, tokens: tokens, cap: c, client: api.NewClient(srv.URL, time.Second)}
}

func TestVerifyOTPIssuesScopedToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.client.VerifyOTP(ctx, models.KindRide, "r-1", "1234")
	require.NoError(t, err)
	_, err = h.tokens.Authorize("Bearer "+token, models.KindRide, "r-1")
	require.NoError(t, err)

	_, err = h.client.VerifyOTP(ctx, models.KindRide, "r-1", "0000")
	assert.ErrorIs(t, err, otp.ErrInvalidCode)

	// Delivery ids are not reachable through the ride endpoints.
	_, err = h.client.VerifyOTP(ctx, models.KindRide, "d-1", "9999")
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestPositionUpdateRequiresToken(t *testing.T) {
	h := newHarness(t)
	err := h.client.UpdatePosition(context.Background(), models.KindRide, "r-1", "", models.LiveLocation{CapturedAt: time.Now()})
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)

	other, _ := h.tokens.Issue(models.KindDelivery, "d-1")
	err = h.client.UpdatePosition(context.Background(), models.KindRide, "r-1", other, models.LiveLocation{CapturedAt: time.Now()})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
}

func TestPositionUpdateLastWriteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token, _ := h.tokens.Issue(models.KindRide, "r-1")
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, h.client.UpdatePosition(ctx, models.KindRide, "r-1", token, models.LiveLocation{Latitude: 25.2, Longitude: 55.2, CapturedAt: t0}))
	require.NoError(t, h.client.UpdatePosition(ctx, models.KindRide, "r-1", token, models.LiveLocation{Latitude: 1, Longitude: 1, CapturedAt: t0.Add(-time.Minute)}))

	d, err := h.client.TripDetails(ctx, models.KindRide, "r-1", token)
	require.NoError(t, err)
	require.NotNil(t, d.Driver.LiveLocation)
	assert.Equal(t, 25.2, d.Driver.LiveLocation.Latitude)

	h.cap.mu.Lock()
	defer h.cap.mu.Unlock()
	require.Len(t, h.cap.positions, 1, "stale sample is not republished")
	assert.Equal(t, "r-1", h.cap.positions[0].TripID)
	require.Len(t, h.cap.events, 1)
	assert.Equal(t, dispatch.EventLocationUpdated, h.cap.events[0].Type)
}

func TestPositionUpdateRejectsBadCoordinates(t *testing.T) {
	h := newHarness(t)
	token, _ := h.tokens.Issue(models.KindDelivery, "d-1")
	err := h.client.UpdatePosition(context.Background(), models.KindDelivery, "d-1", token, models.LiveLocation{Latitude: 91, CapturedAt: time.Now()})
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.Code)
}

func TestStatusUpdateLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token, _ := h.tokens.Issue(models.KindRide, "r-1")

	_, err := h.client.UpdateStatus(ctx, "r-1", token, "TELEPORTED")
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.Code)
	assert.ElementsMatch(t, models.AllowedStatuses(), serr.Allowed)

	got, err := h.client.UpdateStatus(ctx, "r-1", token, models.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got)

	got, err = h.client.UpdateStatus(ctx, "r-1", token, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got)

	_, err = h.client.UpdateStatus(ctx, "r-1", token, models.StatusInProgress)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusConflict, serr.Code)

	h.cap.mu.Lock()
	defer h.cap.mu.Unlock()
	require.Len(t, h.cap.statuses, 2)
	assert.Equal(t, models.StatusPickingUp, h.cap.statuses[0].Previous)
	assert.Equal(t, models.StatusCompleted, h.cap.statuses[1].Status)
}

func TestCreateTripAndDetails(t *testing.T) {
	h := newHarness(t)
	body := `{"kind":"ride","otpCode":"4321","pickupLocation":"25.1,55.1","dropoffLocation":{"latitude":25.3,"longitude":55.3}}`
	resp, err := http.Post(h.srv.URL+"/internal/trips", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var created struct {
		ID      string            `json:"id"`
		Status  models.TripStatus `json:"status"`
		OTPCode string            `json:"otpCode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, models.StatusPickingUp, created.Status)

	token, err := h.client.VerifyOTP(context.Background(), models.KindRide, created.ID, "4321")
	require.NoError(t, err)
	d, err := h.client.TripDetails(context.Background(), models.KindRide, created.ID, token)
	require.NoError(t, err)
	wp, err := d.Waypoints()
	require.NoError(t, err)
	require.NotNil(t, wp.Dropoff)
	assert.Equal(t, 25.3, wp.Dropoff.Lat)
}

func TestCreateTripRejectsBadWaypoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.srv.URL+"/internal/trips", "application/json",
		bytes.NewBufferString(`{"kind":"ride","otpCode":"1","pickupLocation":"nowhere"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboardReceivesLiveUpdates(t *testing.T) {
	h := newHarness(t)
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/trips/r-1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	token, _ := h.tokens.Issue(models.KindRide, "r-1")
	// The subscription registers after the handshake completes.
	require.Eventually(t, func() bool { return subscriberCount(h, "r-1") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.client.UpdatePosition(context.Background(), models.KindRide, "r-1", token,
		models.LiveLocation{Latitude: 25.2, Longitude: 55.27, CapturedAt: time.Now()}))

	var ev dispatch.Event
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, dispatch.EventLocationUpdated, ev.Type)
	require.NotNil(t, ev.LiveLocation)
	assert.Equal(t, 25.2, ev.LiveLocation.Latitude)
}

func subscriberCount(h *harness, trip string) int {
	return h.srv.Config.Handler.(*Server).WSReg.Count(trip)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestMetricsCarryTripKind(t *testing.T) {
	h := newHarness(t)
	route := "/api/v1/{kind}/{id}/position"
	delivery := observability.HTTPRequestsTotal.WithLabelValues(http.MethodPatch, route, string(models.KindDelivery), "200")
	before := testutil.ToFloat64(delivery)

	token, _ := h.tokens.Issue(models.KindDelivery, "d-1")
	require.NoError(t, h.client.UpdatePosition(context.Background(), models.KindDelivery, "d-1", token,
		models.LiveLocation{Latitude: 25.1, Longitude: 55.1, CapturedAt: time.Now()}))

	assert.Equal(t, before+1, testutil.ToFloat64(delivery))
}

func TestRequestIDEchoedAndPanicsRecovered(t *testing.T) {
	h := newHarness(t)
	s := h.srv.Config.Handler.(*Server)
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/boom", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
}
