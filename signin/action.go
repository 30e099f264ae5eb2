// Package signin composes the identity-provider feed, preference state,
// and feature flags into the always-current sign-in state the app's
// surfaces observe, plus a one-shot navigation action stream.
package signin

// Action is a one-shot navigation action. Actions are delivered through
// a single-slot mailbox: at most one is pending, and a newer action
// overwrites an unconsumed one.
type Action int

const (
	// ActionRequestSignIn asks the UI to launch the sign-in flow.
	ActionRequestSignIn Action = iota

	// ActionRequestSignOut asks the UI to launch the sign-out flow.
	ActionRequestSignOut

	// ActionShowNotificationsPrefDialog asks the UI to show the
	// notifications-preference dialog.
	ActionShowNotificationsPrefDialog
)

func (a Action) String() string {
	switch a {
	case ActionRequestSignIn:
		return "request_sign_in"
	case ActionRequestSignOut:
		return "request_sign_out"
	case ActionShowNotificationsPrefDialog:
		return "show_notifications_pref_dialog"
	default:
		return "unknown"
	}
}
