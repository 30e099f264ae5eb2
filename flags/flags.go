// Package flags resolves remotely configured feature flags. Flags are
// resolved once at startup, before the sign-in composer is built; they
// do not change for the lifetime of the process.
package flags

import "context"

// Flags holds the feature flags the companion engine understands, one
// named field per flag.
type Flags struct {
	// ReservationEnabled gates session reservations.
	ReservationEnabled bool `json:"reservationEnabled"`

	// FeedEnabled gates the conference feed surface.
	FeedEnabled bool `json:"feedEnabled"`

	// MapEnabled gates the venue map surface.
	MapEnabled bool `json:"mapEnabled"`
}

// Defaults returns the flag values used when a provider has no value
// for a flag. Reservations stay off until the backend turns them on.
func Defaults() Flags {
	return Flags{
		ReservationEnabled: false,
		FeedEnabled:        true,
		MapEnabled:         true,
	}
}

// Provider resolves the current flag values.
type Provider interface {
	Flags(ctx context.Context) (Flags, error)
}

// StaticProvider returns fixed flag values.
type StaticProvider struct {
	flags Flags
}

// NewStaticProvider creates a provider returning f.
func NewStaticProvider(f Flags) *StaticProvider {
	return &StaticProvider{flags: f}
}

func (p *StaticProvider) Flags(context.Context) (Flags, error) {
	return p.flags, nil
}
