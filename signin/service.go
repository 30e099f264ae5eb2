package signin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/penpan85/iosched/identity"
)

// NATS subjects the bridge service uses.
const (
	// StateSubject carries a StateSnapshot on every derived-state change.
	StateSubject = "iosched.signin.state"

	// GetSubject serves request/reply snapshots of the current state.
	GetSubject = "iosched.signin.get"

	// SignInSubject receives sign-in requests from UI surfaces.
	SignInSubject = "iosched.signin.request"

	// SignOutSubject receives sign-out requests from UI surfaces.
	SignOutSubject = "iosched.signout.request"

	// ActionsSubject carries one-shot navigation actions.
	ActionsSubject = "iosched.signin.actions"

	// CredentialsSubject receives local (dev mode) credential sign-ins.
	CredentialsSubject = "iosched.signin.credentials"
)

// StateSnapshot is the wire form of the composed sign-in state.
type StateSnapshot struct {
	User             *identity.UserInfo `json:"user,omitempty"`
	IsSignedIn       bool               `json:"isSignedIn"`
	IsRegistered     bool               `json:"isRegistered"`
	ShowReservations bool               `json:"showReservations"`
}

// serviceReply is the wire form of request/reply acknowledgements.
type serviceReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// credentialsRequest is the wire form of a dev-mode sign-in.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ServiceConfig holds configuration for the bridge service.
type ServiceConfig struct {
	// NatsURL is the NATS server URL.
	NatsURL string

	// NatsCredentials is the path to the credentials file for
	// connecting to NATS. Mutually exclusive with NatsNkey.
	NatsCredentials string

	// NatsNkey is the path to the nkey seed file for NATS
	// authentication. Mutually exclusive with NatsCredentials.
	NatsNkey string
}

// Service bridges the composer to NATS: it publishes derived-state
// updates and navigation actions, and serves the sign-in/sign-out
// operations to UI surfaces. While the service runs it holds a
// subscription on every derived value, keeping the upstream feed alive.
type Service struct {
	composer *Composer
	config   ServiceConfig
	local    *identity.LocalSource

	nc     *nats.Conn
	subs   []*nats.Subscription
	logger Logger

	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets a custom logger for the service.
func WithServiceLogger(l Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithLocalSignIn enables the dev-mode credentials subject, routing
// sign-ins to the given local source.
func WithLocalSignIn(src *identity.LocalSource) ServiceOption {
	return func(s *Service) {
		s.local = src
	}
}

// NewService creates a bridge Service over the composer.
func NewService(composer *Composer, config ServiceConfig, opts ...ServiceOption) (*Service, error) {
	if composer == nil {
		return nil, errors.New("composer is required")
	}
	if config.NatsCredentials != "" && config.NatsNkey != "" {
		return nil, errors.New("NatsCredentials and NatsNkey are mutually exclusive")
	}
	if config.NatsURL == "" {
		config.NatsURL = nats.DefaultURL
	}
	if os.Getenv("NATS_URL") != "" {
		config.NatsURL = os.Getenv("NATS_URL")
	}

	s := &Service{
		composer: composer,
		config:   config,
		logger:   &defaultLogger{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start connects to NATS and serves until Stop is called or the context
// is cancelled.
func (s *Service) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("iosched-signin-bridge"),
	}
	if s.config.NatsCredentials != "" {
		opts = append(opts, nats.UserCredentials(s.config.NatsCredentials))
	} else if s.config.NatsNkey != "" {
		opt, err := nats.NkeyOptionFromSeed(s.config.NatsNkey)
		if err != nil {
			return fmt.Errorf("loading nkey from %s: %w", s.config.NatsNkey, err)
		}
		opts = append(opts, opt)
	}

	nc, err := nats.Connect(s.config.NatsURL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	s.nc = nc

	if err := s.subscribe(); err != nil {
		nc.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(2)
	go s.publishStateLoop(runCtx)
	go s.publishActionsLoop(runCtx)

	s.logger.Info("sign-in bridge started on %s", s.config.NatsURL)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case <-s.done:
		s.logger.Info("stop requested, shutting down")
	}

	cancel()
	return s.shutdown()
}

// Stop signals the service to shut down gracefully.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// shutdown performs graceful shutdown.
func (s *Service) shutdown() error {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("error draining subscription: %v", err)
		}
	}

	s.wg.Wait()

	if s.nc != nil {
		s.nc.Close()
	}

	s.logger.Info("sign-in bridge stopped")
	return nil
}

func (s *Service) subscribe() error {
	handlers := map[string]nats.MsgHandler{
		GetSubject:     s.handleGet,
		SignInSubject:  s.handleSignIn,
		SignOutSubject: s.handleSignOut,
	}
	if s.local != nil {
		handlers[CredentialsSubject] = s.handleCredentials
	}

	for subject, handler := range handlers {
		sub, err := s.nc.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// snapshot assembles the current derived state.
func (s *Service) snapshot() StateSnapshot {
	return StateSnapshot{
		User:             s.composer.UserInfo().Get(),
		IsSignedIn:       s.composer.IsSignedIn().Get(),
		IsRegistered:     s.composer.IsRegistered().Get(),
		ShowReservations: s.composer.ShowReservations().Get(),
	}
}

// publishStateLoop publishes a snapshot whenever any derived value
// changes. Its subscriptions also hold the composer's upstream feed
// open for the lifetime of the service.
func (s *Service) publishStateLoop(ctx context.Context) {
	defer s.wg.Done()

	userCh := s.composer.UserInfo().Subscribe(ctx)
	signedInCh := s.composer.IsSignedIn().Subscribe(ctx)
	registeredCh := s.composer.IsRegistered().Subscribe(ctx)
	reservationsCh := s.composer.ShowReservations().Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-userCh:
		case <-signedInCh:
		case <-registeredCh:
		case <-reservationsCh:
		}
		s.publishState()
	}
}

func (s *Service) publishState() {
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		s.logger.Warn("encoding state snapshot: %v", err)
		return
	}
	if err := s.nc.Publish(StateSubject, data); err != nil {
		s.logger.Warn("publishing state snapshot: %v", err)
	}
}

// publishActionsLoop pumps the navigation action mailbox to NATS.
func (s *Service) publishActionsLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		action, err := s.composer.Actions().Take(ctx)
		if err != nil {
			return
		}
		if err := s.nc.Publish(ActionsSubject, []byte(action.String())); err != nil {
			s.logger.Warn("publishing action %s: %v", action, err)
		}
	}
}

func (s *Service) handleGet(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	data, err := json.Marshal(s.snapshot())
	if err != nil {
		s.logger.Warn("encoding state snapshot: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("responding to get: %v", err)
	}
}

func (s *Service) handleSignIn(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	err := s.composer.RequestSignIn(context.Background())
	if err != nil {
		s.logger.Warn("sign-in request: %v", err)
	}
	s.respond(msg, err)
}

func (s *Service) handleSignOut(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.composer.RequestSignOut()
	s.respond(msg, nil)
}

// handleCredentials verifies dev-mode credentials against the local
// source, which emits the resulting auth state into the feed.
func (s *Service) handleCredentials(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	var req credentialsRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, fmt.Errorf("parsing credentials: %w", err))
		return
	}

	err := s.local.SignIn(context.Background(), req.Username, req.Password)
	if err != nil {
		s.logger.Warn("local sign-in for %q failed: %v", req.Username, err)
	}
	s.respond(msg, err)
}

// respond sends an acknowledgement when the request carries a reply
// subject.
func (s *Service) respond(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}

	reply := serviceReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}

	data, mErr := json.Marshal(reply)
	if mErr != nil {
		s.logger.Warn("encoding reply: %v", mErr)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("sending reply: %v", err)
	}
}
