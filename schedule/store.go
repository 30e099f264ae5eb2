package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrReservationNotFound is returned when cancelling a reservation that
// does not exist.
var ErrReservationNotFound = errors.New("reservation not found")

// Reservation statuses. A reservation starts out confirmed; waitlisting
// is decided by the conference backend and mirrored here.
const (
	StatusReserved   = "reserved"
	StatusWaitlisted = "waitlisted"
)

// Reservation is the attendee's claim on a seat for a session.
type Reservation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists the attendee's stars and reservations in a single-file
// SQLite database using the pure-Go driver.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the agenda database at path. Use
// ":memory:" for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("schedule store: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule store: pinging database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule store: setting WAL mode: %w", err)
	}

	const migration = `
CREATE TABLE IF NOT EXISTS stars (
	session_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule store: running migration: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Star marks a session as starred. Starring twice is a no-op.
func (s *Store) Star(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stars (session_id) VALUES (?)", sessionID)
	if err != nil {
		return fmt.Errorf("schedule store: starring %s: %w", sessionID, err)
	}
	return nil
}

// Unstar removes a session's star. Unstarring an unstarred session is a
// no-op.
func (s *Store) Unstar(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM stars WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("schedule store: unstarring %s: %w", sessionID, err)
	}
	return nil
}

// IsStarred reports whether a session is starred.
func (s *Store) IsStarred(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM stars WHERE session_id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("schedule store: checking star %s: %w", sessionID, err)
	}
	return true, nil
}

// Starred returns the ids of all starred sessions.
func (s *Store) Starred(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM stars ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("schedule store: listing stars: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("schedule store: scanning star: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateReservation records a reservation for a session. Reserving an
// already-reserved session returns the existing reservation.
func (s *Store) CreateReservation(ctx context.Context, sessionID string) (*Reservation, error) {
	if existing, err := s.GetReservation(ctx, sessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusReserved,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO reservations (id, session_id, status, created_at) VALUES (?, ?, ?, ?)",
		r.ID, r.SessionID, r.Status, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("schedule store: reserving %s: %w", sessionID, err)
	}
	return r, nil
}

// GetReservation returns the reservation for a session.
// Returns ErrReservationNotFound if none exists.
func (s *Store) GetReservation(ctx context.Context, sessionID string) (*Reservation, error) {
	var r Reservation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, session_id, status, created_at FROM reservations WHERE session_id = ?",
		sessionID).Scan(&r.ID, &r.SessionID, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("schedule store: reading reservation %s: %w", sessionID, err)
	}
	return &r, nil
}

// CancelReservation removes the reservation for a session.
// Returns ErrReservationNotFound if none exists.
func (s *Store) CancelReservation(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM reservations WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("schedule store: cancelling reservation %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule store: cancelling reservation %s: %w", sessionID, err)
	}
	if affected == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// Reservations returns all reservations.
func (s *Store) Reservations(ctx context.Context) ([]*Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, status, created_at FROM reservations ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("schedule store: listing reservations: %w", err)
	}
	defer rows.Close()

	var result []*Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("schedule store: scanning reservation: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
