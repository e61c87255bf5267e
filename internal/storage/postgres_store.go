package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-tracking/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	now := time.Now().UTC()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	pLat, pLon := coordArgs(t.Pickup)
	dLat, dLon := coordArgs(t.Dropoff)
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, kind, status, otp_code, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.Kind, t.Status, t.OTPCode, pLat, pLon, dLat, dLon, created, now)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

const selectTrip = `SELECT id, kind, status, otp_code, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	live_lat, live_lon, live_accuracy, live_captured_at, created_at, updated_at FROM trips WHERE id = $1`

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, selectTrip, id))
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.TripStatus) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM trips WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if models.TripStatus(current).Terminal() {
		return nil, ErrTerminal
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trips SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now().UTC(), id); err != nil {
		return nil, err
	}
	t, err := scanTrip(tx.QueryRowContext(ctx, selectTrip, id))
	if err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

func (p *PostgresStore) UpdateLiveLocation(ctx context.Context, id string, loc models.LiveLocation) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET live_lat=$1, live_lon=$2, live_accuracy=$3, live_captured_at=$4, updated_at=$5
		WHERE id=$6 AND (live_captured_at IS NULL OR live_captured_at <= $4)`,
		loc.Latitude, loc.Longitude, nullFloat(loc.Accuracy), loc.CapturedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trips WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                         models.Trip
		kind, status              string
		pLat, pLon, dLat, dLon    sql.NullFloat64
		liveLat, liveLon, liveAcc sql.NullFloat64
		liveAt                    sql.NullTime
	)
	err := row.Scan(&t.ID, &kind, &status, &t.OTPCode, &pLat, &pLon, &dLat, &dLon,
		&liveLat, &liveLon, &liveAcc, &liveAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trip: %w", err)
	}
	t.Kind = models.TripKind(kind)
	t.Status = models.TripStatus(status)
	t.Pickup = coordFrom(pLat, pLon)
	t.Dropoff = coordFrom(dLat, dLon)
	if liveLat.Valid && liveLon.Valid && liveAt.Valid {
		t.LiveLocation = &models.LiveLocation{Latitude: liveLat.Float64, Longitude: liveLon.Float64, CapturedAt: liveAt.Time}
		if liveAcc.Valid {
			acc := liveAcc.Float64
			t.LiveLocation.Accuracy = &acc
		}
	}
	return &t, nil
}

func coordArgs(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func coordFrom(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
