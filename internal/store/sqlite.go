package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS visitors (
		visitor_id TEXT PRIMARY KEY,
		consent TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS funnel_sessions (
		id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		step_cursor INTEGER NOT NULL DEFAULT 0,
		started INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(visitor_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_funnel_sessions_updated ON funnel_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS funnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		visitor_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_funnel_events_created ON funnel_events(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write with the write lock held and SQLite conflicts retried.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, op, retryAttempts, retryBase, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// GetVisitor retrieves a visitor by id.
func (s *SQLiteStore) GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error) {
	query := `
		SELECT visitor_id, consent, last_seen_at, created_at, updated_at
		FROM visitors WHERE visitor_id = ?`

	var v domain.Visitor
	var consent string
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(
		&v.VisitorID, &consent, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan visitor row: %w", err)
	}

	c, err := domain.ParseConsent(consent)
	if err != nil {
		slog.Warn("Ignoring invalid stored consent", "visitor_id", visitorID, "consent", consent)
		c = domain.ConsentUnset
	}
	v.Consent = c
	v.LastSeenAt = time.Unix(lastSeen, 0)
	v.CreatedAt = time.Unix(createdAt, 0)
	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// UpsertVisitor creates a visitor record or refreshes last_seen_at.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, v *domain.Visitor) error {
	query := `
	INSERT INTO visitors (visitor_id, consent, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert visitor", query,
		v.VisitorID, string(v.Consent),
		v.LastSeenAt.Unix(), v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
	)
	return err
}

// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error {
	query := `UPDATE visitors SET last_seen_at = ?, updated_at = ? WHERE visitor_id = ?`
	result, err := s.exec(ctx, "update last_seen", query, lastSeen.Unix(), time.Now().Unix(), visitorID)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "visitor_id", visitorID)
	}
	return nil
}

// SetConsent stores the visitor's consent decision, creating the visitor if needed.
func (s *SQLiteStore) SetConsent(ctx context.Context, visitorID string, consent domain.Consent) error {
	now := time.Now().Unix()
	query := `
	INSERT INTO visitors (visitor_id, consent, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		consent = excluded.consent,
		updated_at = excluded.updated_at`
	_, err := s.exec(ctx, "set consent", query, visitorID, string(consent), now, now, now)
	return err
}

// GetFunnelSession retrieves the progress of one visitor tab.
func (s *SQLiteStore) GetFunnelSession(ctx context.Context, visitorID, sessionID string) (*domain.FunnelSession, error) {
	query := `
		SELECT id, visitor_id, session_id, branch, state, step_cursor, started, created_at, updated_at
		FROM funnel_sessions WHERE visitor_id = ? AND session_id = ?`

	var fs domain.FunnelSession
	var branch string
	var started int
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, visitorID, sessionID).Scan(
		&fs.ID, &fs.VisitorID, &fs.SessionID, &branch, &fs.State,
		&fs.Cursor, &started, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan funnel session: %w", err)
	}

	fs.Branch = domain.Branch(branch)
	fs.Started = started != 0
	fs.CreatedAt = time.Unix(createdAt, 0)
	fs.UpdatedAt = time.Unix(updatedAt, 0)
	return &fs, nil
}

// UpsertFunnelSession creates or updates the progress of one visitor tab.
// A missing ID is filled with a new UUID.
func (s *SQLiteStore) UpsertFunnelSession(ctx context.Context, fs *domain.FunnelSession) error {
	if fs.ID == "" {
		fs.ID = uuid.NewString()
	}
	now := time.Now()
	if fs.CreatedAt.IsZero() {
		fs.CreatedAt = now
	}
	fs.UpdatedAt = now

	query := `
	INSERT INTO funnel_sessions (id, visitor_id, session_id, branch, state, step_cursor, started, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id, session_id) DO UPDATE SET
		branch = excluded.branch,
		state = excluded.state,
		step_cursor = excluded.step_cursor,
		started = excluded.started,
		updated_at = excluded.updated_at`

	started := 0
	if fs.Started {
		started = 1
	}
	_, err := s.exec(ctx, "upsert funnel session", query,
		fs.ID, fs.VisitorID, fs.SessionID, string(fs.Branch), fs.State,
		fs.Cursor, started, fs.CreatedAt.Unix(), fs.UpdatedAt.Unix(),
	)
	return err
}

// CleanupFunnelSessions removes funnel sessions not updated within ttl.
func (s *SQLiteStore) CleanupFunnelSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.exec(ctx, "cleanup funnel sessions", `DELETE FROM funnel_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RecordEvent appends an analytics event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e *domain.FunnelEvent) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := `INSERT INTO funnel_events (visitor_id, session_id, name, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.exec(ctx, "record event", query, e.VisitorID, e.SessionID, e.Name, createdAt.Unix())
	return err
}

// CountEvents returns the number of recorded events per name.
func (s *SQLiteStore) CountEvents(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, COUNT(*) FROM funnel_events GROUP BY name`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event count rows", "error", closeErr)
		}
	}()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}
	return counts, nil
}

// CleanupEvents removes events older than retention.
func (s *SQLiteStore) CleanupEvents(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.exec(ctx, "cleanup events", `DELETE FROM funnel_events WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
