package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
)

// ErrCodeRequired means no usable authorization exists and the user must be
// prompted for a code.
var ErrCodeRequired = errors.New("verification code required")

// ErrInvalidCode is returned by Verifier implementations when the server
// rejects the code itself.
var ErrInvalidCode = errors.New("invalid verification code")

type Reason string

const (
	ReasonInvalidCode Reason = "invalid_code"
	ReasonNetwork     Reason = "network_error"
)

type VerificationError struct {
	Reason Reason
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("otp verification failed (%s): %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Verifier calls the kind-scoped verification endpoint and returns the
// tracking token the server issued.
type Verifier interface {
	VerifyOTP(ctx context.Context, kind models.TripKind, tripID, code string) (token string, err error)
}

// Cache persists authorizations keyed by trip id.
type Cache interface {
	Get(ctx context.Context, tripID string) (models.TrackingAuthorization, bool, error)
	Put(ctx context.Context, auth models.TrackingAuthorization) error
	Delete(ctx context.Context, tripID string) error
}

// Policy holds the per-kind reuse window for cached authorizations.
type Policy struct {
	TTL map[models.TripKind]time.Duration
}

func DefaultPolicy() Policy {
	return Policy{TTL: map[models.TripKind]time.Duration{
		models.KindRide:     2 * time.Hour,
		models.KindDelivery: 2 * time.Hour,
	}}
}

func (p Policy) ttl(kind models.TripKind) time.Duration { return p.TTL[kind] }

type Gate struct {
	verifier Verifier
	cache    Cache
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

func NewGate(verifier Verifier, cache Cache, policy Policy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gate{verifier: verifier, cache: cache, policy: policy, logger: logger, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Verify authorizes tripID with code. A cached, unexpired authorization for
// the same code short-circuits the network call; the server remains the
// authority on whether the code is still good.
func (g *Gate) Verify(ctx context.Context, kind models.TripKind, tripID, code string) (models.TrackingAuthorization, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.TrackingAuthorization{}, ErrCodeRequired
	}
	if auth, ok := g.cached(ctx, kind, tripID); ok && auth.Code == code {
		g.logger.Debug("otp_cached_authorization_reused", "trip_id", tripID, "kind", kind)
		return auth, nil
	}
	return g.verify(ctx, kind, tripID, code)
}

// Resume is the page-load path. A code supplied with the link wins over the
// cache and is verified against the server straight away.
func (g *Gate) Resume(ctx context.Context, kind models.TripKind, tripID, urlCode string) (models.TrackingAuthorization, error) {
	if code := strings.TrimSpace(urlCode); code != "" {
		return g.verify(ctx, kind, tripID, code)
	}
	if auth, ok := g.cached(ctx, kind, tripID); ok {
		return auth, nil
	}
	return models.TrackingAuthorization{}, ErrCodeRequired
}

// Invalidate discards any cached authorization, e.g. before re-prompting.
func (g *Gate) Invalidate(ctx context.Context, tripID string) error {
	return g.cache.Delete(ctx, tripID)
}

func (g *Gate) verify(ctx context.Context, kind models.TripKind, tripID, code string) (models.TrackingAuthorization, error) {
	token, err := g.verifier.VerifyOTP(ctx, kind, tripID, code)
	if err != nil {
		reason := ReasonNetwork
		if errors.Is(err, ErrInvalidCode) {
			reason = ReasonInvalidCode
		}
		g.logger.Warn("otp_verification_failed", "trip_id", tripID, "kind", kind, "reason", reason, "error", err)
		return models.TrackingAuthorization{}, &VerificationError{Reason: reason, Err: err}
	}

	auth := models.TrackingAuthorization{TripID: tripID, Kind: kind, Code: code, Token: token, IssuedAt: g.now()}
	if err := g.cache.Put(ctx, auth); err != nil {
		g.logger.Warn("otp_cache_write_failed", "trip_id", tripID, "error", err)
	}
	g.logger.Info("otp_verified", "trip_id", tripID, "kind", kind)
	return auth, nil
}

// cached returns a reusable authorization, discarding an expired one.
func (g *Gate) cached(ctx context.Context, kind models.TripKind, tripID string) (models.TrackingAuthorization, bool) {
	auth, ok, err := g.cache.Get(ctx, tripID)
	if err != nil {
		g.logger.Warn("otp_cache_read_failed", "trip_id", tripID, "error", err)
		return models.TrackingAuthorization{}, false
	}
	if !ok {
		return models.TrackingAuthorization{}, false
	}
	if auth.Kind != kind || auth.Expired(g.now(), g.policy.ttl(kind)) {
		if err := g.cache.Delete(ctx, tripID); err != nil {
			g.logger.Warn("otp_cache_delete_failed", "trip_id", tripID, "error", err)
		}
		return models.TrackingAuthorization{}, false
	}
	return auth, true
}
