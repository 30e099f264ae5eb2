package signin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/penpan85/iosched/identity"
	"github.com/penpan85/iosched/prefs"
)

// testLogger captures log messages for testing.
type testLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *testLogger) Info(msg string, args ...any)  {}
func (l *testLogger) Debug(msg string, args ...any) {}
func (l *testLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, msg)
}

func (l *testLogger) warningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warnings)
}

func newTestComposer(t *testing.T, store prefs.Store, reservationEnabled bool) (*Composer, *identity.LocalSource) {
	t.Helper()

	src, err := identity.NewLocalSource(identity.LocalSourceConfig{})
	if err != nil {
		t.Fatalf("NewLocalSource() error = %v", err)
	}

	c := NewComposer(src, store, Config{
		ReservationEnabled:  reservationEnabled,
		UpstreamGracePeriod: 10 * time.Millisecond,
	}, WithLogger(&testLogger{}))
	t.Cleanup(c.Close)

	return c, src
}

// subscribeAll activates the composer's upstream subscription for the
// duration of the test.
func subscribeAll(t *testing.T, c *Composer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	<-c.UserInfo().Subscribe(ctx)
}

func signedInUser(registered bool) identity.Result {
	return identity.Result{User: &identity.UserInfo{
		ID:         "user-1",
		SignedIn:   true,
		Registered: registered,
	}}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestComposer_SignedInTracksUserInfo(t *testing.T) {
	c, src := newTestComposer(t, prefs.NewMemoryStore(), true)
	subscribeAll(t, c)

	if c.IsSignedIn().Get() {
		t.Error("IsSignedIn = true before any sign-in")
	}

	src.Emit(signedInUser(false))
	if !c.IsSignedIn().Get() {
		t.Error("IsSignedIn = false after signed-in emission")
	}
	if c.IsRegistered().Get() {
		t.Error("IsRegistered = true for an unregistered user")
	}

	src.SignOut()
	if c.IsSignedIn().Get() {
		t.Error("IsSignedIn = true after sign-out")
	}
	if c.CurrentUser() != nil {
		t.Errorf("CurrentUser() = %+v after sign-out, want nil", c.CurrentUser())
	}
}

func TestComposer_ShowReservationsTable(t *testing.T) {
	cases := []struct {
		name       string
		signedIn   bool
		registered bool
		flag       bool
		want       bool
	}{
		{"registered signed-in, flag on", true, true, true, true},
		{"unregistered signed-in, flag on", true, false, true, false},
		{"signed-out, flag on", false, false, true, true},
		{"registered signed-in, flag off", true, true, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, src := newTestComposer(t, prefs.NewMemoryStore(), tc.flag)
			subscribeAll(t, c)

			if tc.signedIn {
				src.Emit(signedInUser(tc.registered))
			} else {
				src.SignOut()
			}

			if got := c.ShowReservations().Get(); got != tc.want {
				t.Errorf("ShowReservations = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestComposer_UpstreamErrorRetainsLastValue(t *testing.T) {
	logger := &testLogger{}
	src, err := identity.NewLocalSource(identity.LocalSourceConfig{})
	if err != nil {
		t.Fatalf("NewLocalSource() error = %v", err)
	}
	c := NewComposer(src, prefs.NewMemoryStore(), Config{
		ReservationEnabled:  true,
		UpstreamGracePeriod: 10 * time.Millisecond,
	}, WithLogger(logger))
	t.Cleanup(c.Close)
	subscribeAll(t, c)

	src.Emit(signedInUser(true))
	if !c.IsSignedIn().Get() {
		t.Fatal("IsSignedIn = false after signed-in emission")
	}

	src.Emit(identity.Result{Err: errors.New("provider unavailable")})

	// The error is logged; the last-known state stays published.
	if !c.IsSignedIn().Get() {
		t.Error("IsSignedIn flipped on a feed error, want last value retained")
	}
	if user := c.CurrentUser(); user == nil || user.ID != "user-1" {
		t.Errorf("CurrentUser() = %+v after feed error, want retained user-1", user)
	}
	if logger.warningCount() == 0 {
		t.Error("feed error was not logged")
	}
}

func TestComposer_LateSubscriberSeesLatest(t *testing.T) {
	c, src := newTestComposer(t, prefs.NewMemoryStore(), true)
	subscribeAll(t, c)

	src.Emit(signedInUser(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	select {
	case got := <-c.IsSignedIn().Subscribe(ctx):
		if !got {
			t.Error("late subscriber got false, want latest value true")
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber did not receive a value")
	}
}

func TestComposer_ActionOverwrite(t *testing.T) {
	c, _ := newTestComposer(t, prefs.NewMemoryStore(), true)

	// Two actions with no consumption in between: only the most
	// recent is observed.
	if err := c.RequestSignIn(context.Background()); err != nil {
		t.Fatalf("RequestSignIn() error = %v", err)
	}
	c.RequestSignOut()

	action, ok := c.Actions().TryTake()
	if !ok || action != ActionRequestSignOut {
		t.Errorf("pending action = (%v, %v), want (request_sign_out, true)", action, ok)
	}
	if _, ok := c.Actions().TryTake(); ok {
		t.Error("mailbox held a second action; want at most one")
	}
}

func TestComposer_RequestSignInRefreshesPrefs(t *testing.T) {
	store := prefs.NewMemoryStore()
	c, _ := newTestComposer(t, store, true)

	if err := c.RequestSignIn(context.Background()); err != nil {
		t.Fatalf("RequestSignIn() error = %v", err)
	}

	if store.Refreshes != 1 {
		t.Errorf("store refreshes = %d, want 1", store.Refreshes)
	}
	if action, ok := c.Actions().TryTake(); !ok || action != ActionRequestSignIn {
		t.Errorf("pending action = (%v, %v), want (request_sign_in, true)", action, ok)
	}
}

func TestComposer_RequestSignInPrefFailureStillEnqueues(t *testing.T) {
	store := prefs.NewMemoryStore()
	store.Err = errors.New("storage offline")
	c, _ := newTestComposer(t, store, true)

	err := c.RequestSignIn(context.Background())
	if err == nil {
		t.Error("RequestSignIn() with a failing store returned nil error")
	}

	// Sign-in must not depend on preference-storage health.
	if action, ok := c.Actions().TryTake(); !ok || action != ActionRequestSignIn {
		t.Errorf("pending action = (%v, %v), want (request_sign_in, true)", action, ok)
	}
}

func TestComposer_NotificationsDialogShownOnce(t *testing.T) {
	store := prefs.NewMemoryStore()
	c, src := newTestComposer(t, store, true)
	subscribeAll(t, c)

	src.Emit(signedInUser(true))

	waitFor(t, func() bool {
		action, ok := c.Actions().TryTake()
		return ok && action == ActionShowNotificationsPrefDialog
	}, "dialog action was not enqueued for a signed-in user with the pref unset")
}

func TestComposer_NoDialogWhenAlreadyShown(t *testing.T) {
	store := prefs.NewMemoryStore()
	if err := store.MarkNotificationsShown(context.Background()); err != nil {
		t.Fatalf("MarkNotificationsShown() error = %v", err)
	}
	c, src := newTestComposer(t, store, true)
	subscribeAll(t, c)

	src.Emit(signedInUser(true))

	time.Sleep(50 * time.Millisecond)
	if action, ok := c.Actions().TryTake(); ok {
		t.Errorf("unexpected pending action %v; dialog pref was already shown", action)
	}
}

func TestComposer_NoDialogOnSignOut(t *testing.T) {
	store := prefs.NewMemoryStore()
	c, src := newTestComposer(t, store, true)
	subscribeAll(t, c)

	src.SignOut()

	time.Sleep(50 * time.Millisecond)
	if action, ok := c.Actions().TryTake(); ok {
		t.Errorf("unexpected pending action %v for a signed-out emission", action)
	}
}

// fakeSource counts subscriptions to verify the shared upstream
// lifecycle.
type fakeSource struct {
	mu     sync.Mutex
	subs   int
	unsubs int
}

func (s *fakeSource) Subscribe(_ context.Context, _ func(identity.Result)) (identity.Unsubscribe, error) {
	s.mu.Lock()
	s.subs++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.unsubs++
			s.mu.Unlock()
		})
	}, nil
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs, s.unsubs
}

func TestComposer_UpstreamSharedAndTornDownAfterGrace(t *testing.T) {
	src := &fakeSource{}
	c := NewComposer(src, prefs.NewMemoryStore(), Config{
		UpstreamGracePeriod: 20 * time.Millisecond,
	}, WithLogger(&testLogger{}))
	t.Cleanup(c.Close)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())

	// Subscribers on two different derived values share one upstream
	// subscription.
	<-c.UserInfo().Subscribe(ctx1)
	<-c.ShowReservations().Subscribe(ctx2)

	if subs, _ := src.counts(); subs != 1 {
		t.Fatalf("upstream subscriptions = %d, want 1 (shared)", subs)
	}

	cancel1()
	cancel2()

	// Teardown happens only after the grace period.
	waitFor(t, func() bool {
		_, unsubs := src.counts()
		return unsubs == 1
	}, "upstream subscription was not torn down after the grace period")

	// A new subscriber restarts the upstream.
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	<-c.IsSignedIn().Subscribe(ctx3)

	waitFor(t, func() bool {
		subs, _ := src.counts()
		return subs == 2
	}, "upstream subscription was not restarted for a new subscriber")
}

func TestComposer_ResubscribeWithinGraceKeepsUpstream(t *testing.T) {
	src := &fakeSource{}
	c := NewComposer(src, prefs.NewMemoryStore(), Config{
		UpstreamGracePeriod: 100 * time.Millisecond,
	}, WithLogger(&testLogger{}))
	t.Cleanup(c.Close)

	ctx1, cancel1 := context.WithCancel(context.Background())
	<-c.UserInfo().Subscribe(ctx1)
	cancel1()

	// Resubscribe within the grace window: no teardown, no restart.
	time.Sleep(10 * time.Millisecond)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	<-c.UserInfo().Subscribe(ctx2)

	time.Sleep(150 * time.Millisecond)

	subs, unsubs := src.counts()
	if subs != 1 || unsubs != 0 {
		t.Errorf("upstream (subs, unsubs) = (%d, %d), want (1, 0)", subs, unsubs)
	}
}
