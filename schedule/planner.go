package schedule

import (
	"context"
	"fmt"
	"sort"

	"github.com/penpan85/iosched/identity"
)

// Gate exposes the slice of sign-in state that schedule operations are
// conditioned on.
type Gate interface {
	// CurrentUser returns the current attendee, or nil when signed out.
	CurrentUser() *identity.UserInfo
	// ReservationsOpen reports whether the reservation surface is
	// currently enabled.
	ReservationsOpen() bool
}

// AgendaItem is a session the attendee has starred or reserved.
type AgendaItem struct {
	Session     *Session     `json:"session"`
	Starred     bool         `json:"starred"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

// Planner manages the attendee's personal agenda: stars and seat
// reservations against the session catalog. Reservation operations are
// gated on the composed sign-in state.
type Planner struct {
	catalog Catalog
	store   *Store
	gate    Gate
}

// NewPlanner returns a planner over the given catalog and store. The
// gate decides whether reservation operations are allowed.
func NewPlanner(catalog Catalog, store *Store, gate Gate) *Planner {
	return &Planner{
		catalog: catalog,
		store:   store,
		gate:    gate,
	}
}

// Star marks a session as part of the attendee's agenda. The session
// must exist in the catalog and the attendee must be signed in.
func (p *Planner) Star(ctx context.Context, sessionID string) error {
	user := p.gate.CurrentUser()
	if user == nil || !user.SignedIn {
		return ErrNotSignedIn
	}
	if _, err := p.catalog.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return p.store.Star(ctx, sessionID)
}

// Unstar removes a session from the attendee's agenda.
func (p *Planner) Unstar(ctx context.Context, sessionID string) error {
	user := p.gate.CurrentUser()
	if user == nil || !user.SignedIn {
		return ErrNotSignedIn
	}
	return p.store.Unstar(ctx, sessionID)
}

// Reserve claims a seat for a session. The attendee must be signed in
// and registered, and reservations must be open.
func (p *Planner) Reserve(ctx context.Context, sessionID string) (*Reservation, error) {
	if err := p.checkReservationAccess(); err != nil {
		return nil, err
	}
	if _, err := p.catalog.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return p.store.CreateReservation(ctx, sessionID)
}

// CancelReservation releases a previously reserved seat. Subject to the
// same gating as Reserve.
func (p *Planner) CancelReservation(ctx context.Context, sessionID string) error {
	if err := p.checkReservationAccess(); err != nil {
		return err
	}
	return p.store.CancelReservation(ctx, sessionID)
}

func (p *Planner) checkReservationAccess() error {
	user := p.gate.CurrentUser()
	if user == nil || !user.SignedIn {
		return ErrNotSignedIn
	}
	if !user.Registered || !p.gate.ReservationsOpen() {
		return ErrReservationsUnavailable
	}
	return nil
}

// Agenda returns the attendee's starred and reserved sessions in start
// order. Sessions no longer present in the catalog are skipped.
func (p *Planner) Agenda(ctx context.Context) ([]*AgendaItem, error) {
	starred, err := p.store.Starred(ctx)
	if err != nil {
		return nil, err
	}
	reservations, err := p.store.Reservations(ctx)
	if err != nil {
		return nil, err
	}

	items := make(map[string]*AgendaItem)
	for _, id := range starred {
		session, err := p.catalog.GetSession(ctx, id)
		if err != nil {
			continue
		}
		items[id] = &AgendaItem{Session: session, Starred: true}
	}
	for _, r := range reservations {
		item, ok := items[r.SessionID]
		if !ok {
			session, err := p.catalog.GetSession(ctx, r.SessionID)
			if err != nil {
				continue
			}
			item = &AgendaItem{Session: session}
			items[r.SessionID] = item
		}
		item.Reservation = r
	}

	result := make([]*AgendaItem, 0, len(items))
	for _, item := range items {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Session, result[j].Session
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

// Describe renders a one-line summary of an agenda item, used by the
// debug surface.
func (i *AgendaItem) Describe() string {
	marker := " "
	if i.Starred {
		marker = "*"
	}
	if i.Reservation != nil {
		marker += "R"
	}
	return fmt.Sprintf("%s %s (%s, %s)", marker, i.Session.Title,
		i.Session.Room, i.Session.StartsAt.Format("Mon 15:04"))
}
