// Package prefs stores per-device user preferences for the companion
// engine. Reads are cached; Refresh forces a re-read from the backing
// storage. Errors propagate to the caller unmodified — consumers decide
// their own recovery policy.
package prefs

import "context"

// notificationsShownKey is the storage key for the "notifications
// preference dialog has been shown" marker.
const notificationsShownKey = "notifications_pref_shown"

// Store exposes the preference state the sign-in composer depends on.
type Store interface {
	// NotificationsShown reports whether the notifications-preference
	// dialog has already been shown, served from cache when available.
	NotificationsShown(ctx context.Context) (bool, error)

	// RefreshNotificationsShown re-reads the shown marker from the
	// backing storage, updating the cache.
	RefreshNotificationsShown(ctx context.Context) (bool, error)

	// MarkNotificationsShown records that the dialog has been shown.
	MarkNotificationsShown(ctx context.Context) error
}
