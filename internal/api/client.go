package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/otp"
)

// StatusError is a non-2xx answer from the tracking backend.
type StatusError struct {
	Op      string
	Code    int
	Message string
	Allowed []models.TripStatus
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Code, e.Message)
}

// Client talks to the trip-tracking endpoints over JSON.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

func collection(kind models.TripKind) (string, error) {
	switch kind {
	case models.KindRide:
		return "rides", nil
	case models.KindDelivery:
		return "deliveries", nil
	}
	return "", fmt.Errorf("unknown trip kind %q", kind)
}

func (c *Client) endpoint(kind models.TripKind, id string, suffix ...string) (string, error) {
	coll, err := collection(kind)
	if err != nil {
		return "", err
	}
	parts := append([]string{c.BaseURL, "api", "v1", coll, url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/"), nil
}

// VerifyOTP exchanges a code for a tracking token. Rejections of the code
// itself come back as otp.ErrInvalidCode.
func (c *Client) VerifyOTP(ctx context.Context, kind models.TripKind, tripID, code string) (string, error) {
	u, err := c.endpoint(kind, tripID, "otp", "verify")
	if err != nil {
		return "", err
	}
	var out models.OTPVerifyResponse
	status, err := c.do(ctx, http.MethodPost, u, "", models.OTPVerifyRequest{Code: code}, &out)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", otp.ErrInvalidCode, out.Error)
	case status >= 300:
		return "", &StatusError{Op: "verify otp", Code: status, Message: out.Error}
	case !out.Success:
		return "", fmt.Errorf("%w: %s", otp.ErrInvalidCode, out.Error)
	}
	return out.Token, nil
}

// UpdatePosition implements location.Pusher.
func (c *Client) UpdatePosition(ctx context.Context, kind models.TripKind, id, token string, loc models.LiveLocation) error {
	u, err := c.endpoint(kind, id, "position")
	if err != nil {
		return err
	}
	var out models.PositionUpdateResponse
	status, err := c.do(ctx, http.MethodPatch, u, token, models.PositionUpdateRequest{ID: id, LiveLocation: loc}, &out)
	if err != nil {
		return err
	}
	if status >= 300 || !out.Success {
		return &StatusError{Op: "update position", Code: status, Message: out.Error}
	}
	return nil
}

// UpdateStatus implements geofence.StatusUpdater. It returns the status the
// server recorded, which may differ from the one proposed.
func (c *Client) UpdateStatus(ctx context.Context, tripID, token string, next models.TripStatus) (models.TripStatus, error) {
	u, err := c.endpoint(models.KindRide, tripID, "status")
	if err != nil {
		return "", err
	}
	var out models.StatusUpdateResponse
	status, err := c.do(ctx, http.MethodPut, u, token, models.StatusUpdateRequest{TripID: tripID, Status: next}, &out)
	if err != nil {
		return "", err
	}
	if status >= 300 || !out.Success {
		return "", &StatusError{Op: "update status", Code: status, Message: out.Error, Allowed: out.Allowed}
	}
	if out.Trip == nil || out.Trip.Status == "" {
		return next, nil
	}
	return out.Trip.Status, nil
}

// TripDetails fetches the current trip record.
func (c *Client) TripDetails(ctx context.Context, kind models.TripKind, id, token string) (models.TripDetails, error) {
	u, err := c.endpoint(kind, id)
	if err != nil {
		return models.TripDetails{}, err
	}
	var out models.TripDetails
	status, err := c.do(ctx, http.MethodGet, u, token, nil, &out)
	if err != nil {
		return models.TripDetails{}, err
	}
	if status >= 300 {
		return models.TripDetails{}, &StatusError{Op: "trip details", Code: status}
	}
	return out, nil
}

// do sends one JSON request and decodes the body into out whatever the
// status; error bodies share the success shape.
func (c *Client) do(ctx context.Context, method, u, token string, in, out any) (int, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 300 {
			// Non-JSON error pages are reported by status alone.
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, u, err)
	}
	return resp.StatusCode, nil
}
