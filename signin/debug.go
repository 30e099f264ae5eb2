package signin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/penpan85/iosched/flags"
)

// DebugSubject is the NATS subject for debug requests.
const DebugSubject = "iosched.debug"

// debugReport is the wire form of a debug reply.
type debugReport struct {
	State StateSnapshot `json:"state"`
	Flags flags.Flags   `json:"flags"`
}

// DebugService answers debug requests with the current composed state
// and the resolved feature flags. It is meant for operators poking at a
// running companion process, not for UI surfaces.
type DebugService struct {
	composer *Composer
	flags    flags.Flags
	config   ServiceConfig

	nc     *nats.Conn
	sub    *nats.Subscription
	logger Logger

	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// DebugOption configures a DebugService.
type DebugOption func(*DebugService)

// WithDebugLogger sets a custom logger for the debug service.
func WithDebugLogger(l Logger) DebugOption {
	return func(s *DebugService) {
		s.logger = l
	}
}

// NewDebugService creates a DebugService.
func NewDebugService(composer *Composer, resolved flags.Flags, config ServiceConfig, opts ...DebugOption) (*DebugService, error) {
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

	s := &DebugService{
		composer: composer,
		flags:    resolved,
		config:   config,
		logger:   &defaultLogger{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start connects to NATS and answers debug requests until Stop is
// called or the context is cancelled.
func (s *DebugService) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("iosched-debug"),
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

	sub, err := nc.Subscribe(DebugSubject, s.handleRequest)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", DebugSubject, err)
	}
	s.sub = sub

	s.logger.Info("debug service started, listening on %s", DebugSubject)

	select {
	case <-ctx.Done():
	case <-s.done:
	}

	return s.shutdown()
}

// Stop signals the service to shut down gracefully.
func (s *DebugService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *DebugService) shutdown() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn("error draining subscription: %v", err)
		}
	}

	s.wg.Wait()

	if s.nc != nil {
		s.nc.Close()
	}

	s.logger.Info("debug service stopped")
	return nil
}

func (s *DebugService) handleRequest(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	report := debugReport{
		State: StateSnapshot{
			User:             s.composer.UserInfo().Get(),
			IsSignedIn:       s.composer.IsSignedIn().Get(),
			IsRegistered:     s.composer.IsRegistered().Get(),
			ShowReservations: s.composer.ShowReservations().Get(),
		},
		Flags: s.flags,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.Warn("encoding debug report: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("responding to debug request: %v", err)
	}
}
