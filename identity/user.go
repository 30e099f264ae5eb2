// Package identity provides authenticated-user types and the sources
// that feed authentication state into the companion engine.
package identity

import (
	"context"
	"errors"
)

// Sentinel errors for identity operations.
var (
	// ErrInvalidCredentials is returned when credentials fail verification.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserNotFound is returned when the user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidToken is returned when a user-info token cannot be
	// parsed or its signature does not verify.
	ErrInvalidToken = errors.New("invalid user token")
)

// UserInfo is an immutable snapshot of the authenticated user, produced
// by the identity provider on every auth change.
type UserInfo struct {
	// ID is the provider-assigned unique user id.
	ID string `json:"id"`
	// DisplayName is the user's display name, if any.
	DisplayName string `json:"displayName,omitempty"`
	// PhotoURL references the user's display photo, if any.
	PhotoURL string `json:"photoUrl,omitempty"`
	// SignedIn reports whether the user is currently signed in.
	SignedIn bool `json:"signedIn"`
	// Registered reports whether the user is a registered attendee.
	Registered bool `json:"registered"`
}

// Result is one emission from the identity provider feed. A nil User
// with a nil Err means the user is signed out.
type Result struct {
	User *UserInfo
	Err  error
}

// Unsubscribe detaches a feed subscription and releases its resources.
type Unsubscribe func()

// Source is a subscribe-only stream of authentication results.
type Source interface {
	// Subscribe delivers results to fn until the returned Unsubscribe
	// is called or ctx is cancelled. Implementations never invoke fn
	// concurrently for a single subscription.
	Subscribe(ctx context.Context, fn func(Result)) (Unsubscribe, error)
}
