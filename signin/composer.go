package signin

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/penpan85/iosched/identity"
	"github.com/penpan85/iosched/prefs"
	"github.com/penpan85/iosched/stream"
)

// Logger is an interface for logging during state composition.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// defaultLogger wraps the standard log package.
type defaultLogger struct{}

func (l *defaultLogger) Info(msg string, args ...any) {
	log.Printf("INFO: "+msg, args...)
}

func (l *defaultLogger) Warn(msg string, args ...any) {
	log.Printf("WARN: "+msg, args...)
}

func (l *defaultLogger) Debug(msg string, args ...any) {
	log.Printf("DEBUG: "+msg, args...)
}

// DefaultUpstreamGracePeriod is how long the shared identity-feed
// subscription survives after the last derived-state subscriber leaves.
const DefaultUpstreamGracePeriod = 5 * time.Second

// Config holds the flags and tuning the composer is constructed with.
// Flags are resolved once, before construction; they do not change for
// the composer's lifetime.
type Config struct {
	// ReservationEnabled is the reservation feature flag.
	ReservationEnabled bool

	// UpstreamGracePeriod overrides DefaultUpstreamGracePeriod.
	UpstreamGracePeriod time.Duration
}

// Composer merges the identity-provider feed with preference and flag
// state into a small set of always-current observable values and a
// one-shot navigation action stream.
//
// The upstream feed subscription is shared by all derived values: it
// starts when the first subscriber arrives on any of them and stops a
// grace period after the last one leaves. All state mutation is
// serialized through that single feed, so consumers always observe
// isSignedIn and isRegistered as projections of the same userInfo.
type Composer struct {
	source identity.Source
	store  prefs.Store
	config Config
	logger Logger

	userInfo         *stream.Value[*identity.UserInfo]
	isSignedIn       *stream.Value[bool]
	isRegistered     *stream.Value[bool]
	showReservations *stream.Value[bool]
	actions          *stream.Mailbox[Action]

	upstream *stream.RefCount

	mu    sync.Mutex
	unsub identity.Unsubscribe

	ctx    context.Context
	cancel context.CancelFunc
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithLogger sets a custom logger for the composer.
func WithLogger(l Logger) ComposerOption {
	return func(c *Composer) {
		c.logger = l
	}
}

// NewComposer creates a Composer over the given feed, preference store,
// and resolved flags.
func NewComposer(source identity.Source, store prefs.Store, config Config, opts ...ComposerOption) *Composer {
	if config.UpstreamGracePeriod <= 0 {
		config.UpstreamGracePeriod = DefaultUpstreamGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Composer{
		source:  source,
		store:   store,
		config:  config,
		logger:  &defaultLogger{},
		actions: stream.NewMailbox[Action](),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.upstream = stream.NewRefCount(c.startUpstream, c.stopUpstream, config.UpstreamGracePeriod)

	c.userInfo = stream.NewValue[*identity.UserInfo](nil,
		stream.WithActivation[*identity.UserInfo](c.upstream.Acquire, c.upstream.Release))
	c.isSignedIn = stream.NewValue(false,
		stream.WithActivation[bool](c.upstream.Acquire, c.upstream.Release))
	c.isRegistered = stream.NewValue(false,
		stream.WithActivation[bool](c.upstream.Acquire, c.upstream.Release))
	c.showReservations = stream.NewValue(false,
		stream.WithActivation[bool](c.upstream.Acquire, c.upstream.Release))

	return c
}

// Close cancels the composer's scope and tears down the upstream
// subscription immediately.
func (c *Composer) Close() {
	c.cancel()
	c.stopUpstream()
}

// UserInfo is the current-value stream of the latest authentication
// snapshot (nil while signed out).
func (c *Composer) UserInfo() *stream.Value[*identity.UserInfo] { return c.userInfo }

// IsSignedIn is the current-value stream of the signed-in projection.
func (c *Composer) IsSignedIn() *stream.Value[bool] { return c.isSignedIn }

// IsRegistered is the current-value stream of the registered-attendee
// projection.
func (c *Composer) IsRegistered() *stream.Value[bool] { return c.isRegistered }

// ShowReservations is the current-value stream of reservation-surface
// visibility: (registered OR NOT signed in) AND reservationEnabled.
func (c *Composer) ShowReservations() *stream.Value[bool] { return c.showReservations }

// Actions is the one-shot navigation action mailbox.
func (c *Composer) Actions() *stream.Mailbox[Action] { return c.actions }

// CurrentUser returns the latest authentication snapshot without
// subscribing.
func (c *Composer) CurrentUser() *identity.UserInfo { return c.userInfo.Get() }

// ReservationsOpen reports the current showReservations value without
// subscribing.
func (c *Composer) ReservationsOpen() bool { return c.showReservations.Get() }

// RequestSignIn refreshes the notifications-preference shown marker and
// enqueues the sign-in navigation action. A refresh failure is returned
// to the caller, but the action is enqueued regardless: sign-in must
// not depend on preference-storage health.
func (c *Composer) RequestSignIn(ctx context.Context) error {
	_, err := c.store.RefreshNotificationsShown(ctx)
	c.actions.TryPut(ActionRequestSignIn)
	if err != nil {
		return fmt.Errorf("refreshing notifications preference: %w", err)
	}
	return nil
}

// RequestSignOut enqueues the sign-out navigation action. Never blocks.
func (c *Composer) RequestSignOut() {
	c.actions.TryPut(ActionRequestSignOut)
}

// startUpstream subscribes to the identity feed. Invoked by the shared
// RefCount when the first derived-state subscriber arrives.
func (c *Composer) startUpstream() {
	unsub, err := c.source.Subscribe(c.ctx, c.onResult)
	if err != nil {
		c.logger.Warn("subscribing to identity feed: %v", err)
		return
	}

	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
}

// stopUpstream releases the identity feed subscription. Invoked by the
// shared RefCount after the teardown grace period.
func (c *Composer) stopUpstream() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// onResult handles one feed emission. Feed errors are logged and the
// previously published values are retained; they never reach consumers
// as errors.
func (c *Composer) onResult(res identity.Result) {
	if res.Err != nil {
		c.logger.Warn("auth state update failed: %v", res.Err)
		return
	}

	user := res.User
	signedIn := user != nil && user.SignedIn
	registered := user != nil && user.Registered

	c.userInfo.Set(user)
	c.isSignedIn.Set(signedIn)
	c.isRegistered.Set(registered)
	c.showReservations.Set((registered || !signedIn) && c.config.ReservationEnabled)

	// The dialog check reads the preference store, so it runs off the
	// feed callback and never delays state publication.
	if signedIn {
		go c.maybeShowNotificationsDialog()
	}
}

// maybeShowNotificationsDialog enqueues the notifications-preference
// dialog action if the dialog has not been shown yet. Runs once per
// signed-in userInfo change.
func (c *Composer) maybeShowNotificationsDialog() {
	shown, err := c.store.NotificationsShown(c.ctx)
	if err != nil {
		c.logger.Warn("reading notifications preference: %v", err)
		return
	}
	if !shown {
		c.actions.TryPut(ActionShowNotificationsPrefDialog)
	}
}
