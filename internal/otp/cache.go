package otp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/trip-tracking/internal/models"
)

type MemoryCache struct {
	mu    sync.RWMutex
	auths map[string]models.TrackingAuthorization
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{auths: make(map[string]models.TrackingAuthorization)}
}

func (m *MemoryCache) Get(_ context.Context, tripID string) (models.TrackingAuthorization, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[tripID]
	return a, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, a models.TrackingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auths[a.TripID] = a
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.auths, tripID)
	return nil
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tracking_authorizations (
	trip_id   TEXT PRIMARY KEY,
	kind      TEXT NOT NULL,
	code      TEXT NOT NULL,
	token     TEXT NOT NULL DEFAULT '',
	issued_at TEXT NOT NULL
)`

// SQLiteCache keeps authorizations on the device across restarts.
type SQLiteCache struct {
	db *sql.DB
}

func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open auth cache: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping auth cache: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create auth cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Get(ctx context.Context, tripID string) (models.TrackingAuthorization, bool, error) {
	var a models.TrackingAuthorization
	var kind, issued string
	err := c.db.QueryRowContext(ctx,
		`SELECT trip_id, kind, code, token, issued_at FROM tracking_authorizations WHERE trip_id = ?`, tripID).
		Scan(&a.TripID, &kind, &a.Code, &a.Token, &issued)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrackingAuthorization{}, false, nil
	}
	if err != nil {
		return models.TrackingAuthorization{}, false, err
	}
	a.Kind = models.TripKind(kind)
	if a.IssuedAt, err = time.Parse(time.RFC3339Nano, issued); err != nil {
		return models.TrackingAuthorization{}, false, fmt.Errorf("corrupt issued_at for %s: %w", tripID, err)
	}
	return a, true, nil
}

func (c *SQLiteCache) Put(ctx context.Context, a models.TrackingAuthorization) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO tracking_authorizations (trip_id, kind, code, token, issued_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(trip_id) DO UPDATE SET kind = excluded.kind, code = excluded.code, token = excluded.token, issued_at = excluded.issued_at`,
		a.TripID, string(a.Kind), a.Code, a.Token, a.IssuedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (c *SQLiteCache) Delete(ctx context.Context, tripID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM tracking_authorizations WHERE trip_id = ?`, tripID)
	return err
}

func (c *SQLiteCache) Close() error { return c.db.Close() }
