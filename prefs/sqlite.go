package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists preferences in a single-file SQLite database
// using the pure-Go driver.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	shown  bool
	loaded bool
}

// NewSQLiteStore opens (and migrates) the preference database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("prefs: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: pinging database: %w", err)
	}

	// WAL allows concurrent reads while a write is in flight.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: setting WAL mode: %w", err)
	}

	const migration = `
CREATE TABLE IF NOT EXISTS prefs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: running migration: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NotificationsShown reports the shown marker, served from cache after
// the first read.
func (s *SQLiteStore) NotificationsShown(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.loaded {
		shown := s.shown
		s.mu.Unlock()
		return shown, nil
	}
	s.mu.Unlock()

	return s.RefreshNotificationsShown(ctx)
}

// RefreshNotificationsShown re-reads the shown marker from the
// database.
func (s *SQLiteStore) RefreshNotificationsShown(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM prefs WHERE key = ?", notificationsShownKey,
	).Scan(&value)

	shown := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Never recorded: not shown.
	case err != nil:
		return false, fmt.Errorf("prefs: reading %s: %w", notificationsShownKey, err)
	default:
		shown = value == "true"
	}

	s.mu.Lock()
	s.shown = shown
	s.loaded = true
	s.mu.Unlock()

	return shown, nil
}

// MarkNotificationsShown records that the dialog has been shown.
func (s *SQLiteStore) MarkNotificationsShown(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO prefs (key, value) VALUES (?, 'true') ON CONFLICT(key) DO UPDATE SET value = 'true'",
		notificationsShownKey,
	)
	if err != nil {
		return fmt.Errorf("prefs: writing %s: %w", notificationsShownKey, err)
	}

	s.mu.Lock()
	s.shown = true
	s.loaded = true
	s.mu.Unlock()

	return nil
}
