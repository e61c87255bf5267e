package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-tracking/internal/auth"
	"github.com/example/trip-tracking/internal/dispatch"
	"github.com/example/trip-tracking/internal/geo"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
	"github.com/example/trip-tracking/internal/storage"
)

// Deps are the collaborators of the HTTP API. Positions, Statuses and
// Notifier may be nil.
type Deps struct {
	Store     storage.TripStore
	Live      geo.Store
	Tokens    *auth.TokenService
	Positions ingest.PositionPublisher
	Statuses  ingest.StatusPublisher
	Notifier  dispatch.Notifier
	WSReg     *dispatch.WSRegistry
	Logger    *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Live == nil {
		d.Live = geo.NewIndex()
	}
	if d.WSReg == nil {
		d.WSReg = dispatch.NewWSRegistry()
	}
	s := &Server{Deps: d, logger: d.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

const kindPattern = "{kind:rides|deliveries}"

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/"+kindPattern+"/{id}/otp/verify", s.handleVerifyOTP).Methods("POST")
	s.mux.HandleFunc("/api/v1/"+kindPattern+"/{id}/position", s.handlePosition).Methods("PATCH")
	s.mux.HandleFunc("/api/v1/rides/{id}/status", s.handleStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/"+kindPattern+"/{id}", s.handleTripDetails).Methods("GET")
	s.mux.HandleFunc("/internal/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/trips/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func kindFromPath(r *http.Request) models.TripKind {
	if mux.Vars(r)["kind"] == "deliveries" {
		return models.KindDelivery
	}
	return models.KindRide
}

// loadTrip fetches the trip named in the path and checks it is of kind.
func (s *Server) loadTrip(w http.ResponseWriter, r *http.Request, kind models.TripKind) (*models.Trip, bool) {
	id := mux.Vars(r)["id"]
	t, err := s.Store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && t.Kind != kind) {
		writeError(w, http.StatusNotFound, "trip not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("trip_load_failed", "trip_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return t, true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, kind models.TripKind) bool {
	id := mux.Vars(r)["id"]
	if _, err := s.Tokens.Authorize(r.Header.Get("Authorization"), kind, id); err != nil {
		s.logger.Warn("tracking_token_rejected", "trip_id", id, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid or missing tracking token")
		return false
	}
	return true
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	var req models.OTPVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.OTPVerifyResponse{Error: "malformed request body"})
		return
	}
	t, ok := s.loadTrip(w, r, kind)
	if !ok {
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		observability.OTPVerificationsTotal.WithLabelValues(string(kind), "missing").Inc()
		writeJSON(w, http.StatusUnprocessableEntity, models.OTPVerifyResponse{Error: "code is required"})
		return
	}
	if code != t.OTPCode {
		observability.OTPVerificationsTotal.WithLabelValues(string(kind), "invalid").Inc()
		writeJSON(w, http.StatusUnauthorized, models.OTPVerifyResponse{Error: "invalid code"})
		return
	}
	token, err := s.Tokens.Issue(kind, t.ID)
	if err != nil {
		s.logger.Error("tracking_token_issue_failed", "trip_id", t.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.OTPVerifyResponse{Error: "internal error"})
		return
	}
	observability.OTPVerificationsTotal.WithLabelValues(string(kind), "ok").Inc()
	writeJSON(w, http.StatusOK, models.OTPVerifyResponse{Success: true, TripOrDeliveryID: t.ID, Token: token})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, kind) {
		return
	}
	var req models.PositionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.PositionUpdateResponse{Error: "malformed request body"})
		return
	}
	if req.ID != "" && req.ID != id {
		writeJSON(w, http.StatusBadRequest, models.PositionUpdateResponse{Error: "body id does not match path"})
		return
	}
	loc := req.LiveLocation
	if err := validateLocation(loc); err != nil {
		observability.PositionUpdatesTotal.WithLabelValues(string(kind), "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, models.PositionUpdateResponse{Error: err.Error()})
		return
	}

	applied, err := s.Store.UpdateLiveLocation(r.Context(), id, loc)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.PositionUpdateResponse{Error: "trip not found"})
		return
	}
	if err != nil {
		s.logger.Error("live_location_store_failed", "trip_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.PositionUpdateResponse{Error: "internal error"})
		return
	}
	if !applied {
		observability.PositionUpdatesTotal.WithLabelValues(string(kind), "stale").Inc()
		writeJSON(w, http.StatusOK, models.PositionUpdateResponse{Success: true, Applied: false})
		return
	}

	if _, err := s.Live.Upsert(r.Context(), id, loc); err != nil {
		s.logger.Warn("live_index_update_failed", "trip_id", id, "error", err)
	}
	if s.Positions != nil {
		ev := ingest.PositionEvent{TripID: id, Kind: kind, LiveLocation: loc, ReceivedAt: time.Now().UTC()}
		if err := s.Positions.PublishPosition(r.Context(), ev); err != nil {
			s.logger.Warn("position_publish_failed", "trip_id", id, "error", err)
		}
	}
	s.notify(r, dispatch.Event{Type: dispatch.EventLocationUpdated, TripID: id, Kind: kind, LiveLocation: &loc})

	observability.PositionUpdatesTotal.WithLabelValues(string(kind), "applied").Inc()
	writeJSON(w, http.StatusOK, models.PositionUpdateResponse{Success: true, Applied: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, models.KindRide) {
		return
	}
	var req models.StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.StatusUpdateResponse{Error: "malformed request body"})
		return
	}
	if req.TripID != "" && req.TripID != id {
		writeJSON(w, http.StatusBadRequest, models.StatusUpdateResponse{Error: "body tripId does not match path"})
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, models.StatusUpdateResponse{
			Error:   "unknown status " + string(req.Status),
			Allowed: models.AllowedStatuses(),
		})
		return
	}

	prev, ok := s.loadTrip(w, r, models.KindRide)
	if !ok {
		return
	}
	t, err := s.Store.UpdateStatus(r.Context(), id, req.Status)
	switch {
	case errors.Is(err, storage.ErrTerminal):
		writeJSON(w, http.StatusConflict, models.StatusUpdateResponse{Error: "trip is already " + string(prev.Status)})
		return
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.StatusUpdateResponse{Error: "trip not found"})
		return
	case err != nil:
		s.logger.Error("status_update_failed", "trip_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.StatusUpdateResponse{Error: "internal error"})
		return
	}

	if t.Status != prev.Status {
		observability.StatusChangesTotal.WithLabelValues(string(t.Status)).Inc()
		s.logger.Info("trip_status_changed", "trip_id", id, "from", prev.Status, "to", t.Status)
		if s.Statuses != nil {
			ev := ingest.StatusEvent{TripID: id, Kind: t.Kind, Previous: prev.Status, Status: t.Status, ChangedAt: t.UpdatedAt}
			if err := s.Statuses.PublishStatus(r.Context(), ev); err != nil {
				s.logger.Warn("status_publish_failed", "trip_id", id, "error", err)
			}
		}
		s.notify(r, dispatch.Event{Type: dispatch.EventStatusChanged, TripID: id, Kind: t.Kind, Status: t.Status})
	}
	details := t.Details()
	writeJSON(w, http.StatusOK, models.StatusUpdateResponse{Success: true, Trip: &details})
}

func (s *Server) handleTripDetails(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	if !s.authorize(w, r, kind) {
		return
	}
	t, ok := s.loadTrip(w, r, kind)
	if !ok {
		return
	}
	if live, found, err := s.Live.Get(r.Context(), t.ID); err != nil {
		s.logger.Warn("live_index_read_failed", "trip_id", t.ID, "error", err)
	} else if found && (t.LiveLocation == nil || live.CapturedAt.After(t.LiveLocation.CapturedAt)) {
		t.LiveLocation = &live
	}
	writeJSON(w, http.StatusOK, t.Details())
}

type createTripRequest struct {
	ID              string            `json:"id"`
	Kind            models.TripKind   `json:"kind"`
	Status          models.TripStatus `json:"status"`
	OTPCode         string            `json:"otpCode"`
	PickupLocation  json.RawMessage   `json:"pickupLocation"`
	DropoffLocation json.RawMessage   `json:"dropoffLocation"`
}

type createTripResponse struct {
	models.TripDetails
	OTPCode string `json:"otpCode"`
}

// handleCreateTrip seeds a trip record for local runs and tests.
func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be ride or delivery")
		return
	}
	if req.Status == "" {
		req.Status = models.StatusPickingUp
		if req.Kind == models.KindDelivery {
			req.Status = models.StatusPending
		}
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, models.StatusUpdateResponse{Error: "unknown status " + string(req.Status), Allowed: models.AllowedStatuses()})
		return
	}
	if strings.TrimSpace(req.OTPCode) == "" {
		writeError(w, http.StatusBadRequest, "otpCode is required")
		return
	}
	pickup, err := models.ParseWaypoint(req.PickupLocation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "pickupLocation: "+err.Error())
		return
	}
	dropoff, err := models.ParseWaypoint(req.DropoffLocation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dropoffLocation: "+err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	t := &models.Trip{ID: req.ID, Kind: req.Kind, Status: req.Status, OTPCode: strings.TrimSpace(req.OTPCode), Pickup: pickup, Dropoff: dropoff}
	if err := s.Store.Create(r.Context(), t); err != nil {
		if errors.Is(err, storage.ErrExists) {
			writeError(w, http.StatusConflict, "trip already exists")
			return
		}
		s.logger.Error("trip_create_failed", "trip_id", t.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("trip_created", "trip_id", t.ID, "kind", t.Kind, "status", t.Status)
	writeJSON(w, http.StatusCreated, createTripResponse{TripDetails: t.Details(), OTPCode: t.OTPCode})
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes a dashboard to one trip's live feed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "trip_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	go func() {
		defer s.WSReg.Remove(id, sess)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) notify(r *http.Request, ev dispatch.Event) {
	n := dispatch.Fanout{s.WSReg, s.Notifier}
	if err := n.Notify(r.Context(), ev); err != nil {
		s.logger.Warn("notify_failed", "trip_id", ev.TripID, "type", ev.Type, "error", err)
	}
}

func validateLocation(l models.LiveLocation) error {
	switch {
	case l.Latitude < -90 || l.Latitude > 90:
		return errors.New("latitude out of range")
	case l.Longitude < -180 || l.Longitude > 180:
		return errors.New("longitude out of range")
	case l.Accuracy != nil && *l.Accuracy < 0:
		return errors.New("accuracy must be non-negative")
	case l.CapturedAt.IsZero():
		return errors.New("capturedAt is required")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
