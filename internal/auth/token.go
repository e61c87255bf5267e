package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/trip-tracking/internal/models"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrTripMismatch = errors.New("token not issued for this trip")
)

// Claims scope a tracking token to one trip or delivery.
type Claims struct {
	TripID string          `json:"trip_id"`
	Kind   models.TripKind `json:"kind"`
	jwt.RegisteredClaims
}

// TokenService issues and checks the tokens handed out on OTP verification.
type TokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

func (s *TokenService) Issue(kind models.TripKind, tripID string) (string, error) {
	now := s.now()
	claims := &Claims{
		TripID: tripID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tripID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "trip-tracking",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *TokenService) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Authorize validates a "Bearer ..." header value against a trip.
func (s *TokenService) Authorize(header string, kind models.TripKind, tripID string) (*Claims, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.Validate(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if claims.TripID != tripID || (kind != "" && claims.Kind != kind) {
		return nil, ErrTripMismatch
	}
	return claims, nil
}
