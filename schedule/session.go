// Package schedule manages the conference session catalog and the
// attendee's personal agenda: starred sessions and reservations.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for schedule operations.
var (
	// ErrSessionNotFound is returned when the session does not exist
	// in the catalog.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotSignedIn is returned when an operation requires a
	// signed-in user.
	ErrNotSignedIn = errors.New("sign-in required")

	// ErrReservationsUnavailable is returned when reservations are not
	// available to the current user (flag off or not a registered
	// attendee).
	ErrReservationsUnavailable = errors.New("reservations unavailable")
)

// Session is one scheduled talk or event in the conference catalog.
type Session struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Room     string    `json:"room,omitempty"`
	Track    string    `json:"track,omitempty"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
	Tags     []string  `json:"tags,omitempty"`
}

// Validate checks the fields a catalog entry must carry.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("session %s: title is required", s.ID)
	}
	if !s.EndsAt.After(s.StartsAt) {
		return fmt.Errorf("session %s: end time must be after start time", s.ID)
	}
	return nil
}

// Catalog provides read access to the conference session catalog.
type Catalog interface {
	// GetSession retrieves a session by id.
	// Returns ErrSessionNotFound if the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns the full catalog in start order.
	ListSessions(ctx context.Context) ([]*Session, error)
}
