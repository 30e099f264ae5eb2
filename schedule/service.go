package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS subjects the schedule service uses.
const (
	// SessionsSubject serves the full catalog in start order.
	SessionsSubject = "iosched.schedule.sessions"

	// SessionGetSubject serves a single session by id.
	SessionGetSubject = "iosched.schedule.get"

	// StarSubject receives star requests from UI surfaces.
	StarSubject = "iosched.schedule.star"

	// UnstarSubject receives unstar requests.
	UnstarSubject = "iosched.schedule.unstar"

	// ReserveSubject receives reservation requests.
	ReserveSubject = "iosched.schedule.reserve"

	// CancelSubject receives reservation cancellations.
	CancelSubject = "iosched.schedule.cancel"

	// AgendaSubject serves the attendee's agenda.
	AgendaSubject = "iosched.schedule.agenda"
)

// Logger is the minimal logging interface the schedule service needs.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Info(format string, args ...any) {
	log.Printf("INFO: "+format, args...)
}

func (l *defaultLogger) Warn(format string, args ...any) {
	log.Printf("WARN: "+format, args...)
}

// sessionRequest is the wire form of per-session operations.
type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// sessionReply is the wire form of operation acknowledgements. Reserve
// echoes the reservation back to the caller.
type sessionReply struct {
	OK          bool         `json:"ok"`
	Error       string       `json:"error,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

// ServiceConfig holds configuration for the schedule service.
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

// Service exposes the catalog and planner over NATS request/reply
// subjects.
type Service struct {
	catalog Catalog
	planner *Planner
	config  ServiceConfig

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

// NewService creates a schedule Service over the catalog and planner.
func NewService(catalog Catalog, planner *Planner, config ServiceConfig, opts ...ServiceOption) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if planner == nil {
		return nil, errors.New("planner is required")
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
		catalog: catalog,
		planner: planner,
		config:  config,
		logger:  &defaultLogger{},
		done:    make(chan struct{}),
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
		nats.Name("iosched-schedule"),
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

	s.logger.Info("schedule service started on %s", s.config.NatsURL)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case <-s.done:
		s.logger.Info("stop requested, shutting down")
	}

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

	s.logger.Info("schedule service stopped")
	return nil
}

func (s *Service) subscribe() error {
	handlers := map[string]nats.MsgHandler{
		SessionsSubject:   s.handleSessions,
		SessionGetSubject: s.handleGet,
		StarSubject:       s.handleStar,
		UnstarSubject:     s.handleUnstar,
		ReserveSubject:    s.handleReserve,
		CancelSubject:     s.handleCancel,
		AgendaSubject:     s.handleAgenda,
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

func (s *Service) handleSessions(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	sessions, err := s.catalog.ListSessions(context.Background())
	if err != nil {
		s.logger.Warn("listing sessions: %v", err)
		s.respond(msg, nil, err)
		return
	}
	s.respondJSON(msg, sessions)
}

func (s *Service) handleGet(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	req, err := parseSessionRequest(msg.Data)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}

	session, err := s.catalog.GetSession(context.Background(), req.SessionID)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respondJSON(msg, session)
}

func (s *Service) handleStar(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	req, err := parseSessionRequest(msg.Data)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, nil, s.planner.Star(context.Background(), req.SessionID))
}

func (s *Service) handleUnstar(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	req, err := parseSessionRequest(msg.Data)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, nil, s.planner.Unstar(context.Background(), req.SessionID))
}

func (s *Service) handleReserve(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	req, err := parseSessionRequest(msg.Data)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}

	reservation, err := s.planner.Reserve(context.Background(), req.SessionID)
	if err != nil {
		s.logger.Warn("reserving %s: %v", req.SessionID, err)
	}
	s.respond(msg, reservation, err)
}

func (s *Service) handleCancel(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	req, err := parseSessionRequest(msg.Data)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, nil, s.planner.CancelReservation(context.Background(), req.SessionID))
}

func (s *Service) handleAgenda(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	agenda, err := s.planner.Agenda(context.Background())
	if err != nil {
		s.logger.Warn("assembling agenda: %v", err)
		s.respond(msg, nil, err)
		return
	}
	s.respondJSON(msg, agenda)
}

func parseSessionRequest(data []byte) (sessionRequest, error) {
	var req sessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parsing request: %w", err)
	}
	if req.SessionID == "" {
		return req, errors.New("sessionId is required")
	}
	return req, nil
}

// respond sends an acknowledgement when the request carries a reply
// subject.
func (s *Service) respond(msg *nats.Msg, reservation *Reservation, err error) {
	if msg.Reply == "" {
		return
	}

	reply := sessionReply{OK: err == nil, Reservation: reservation}
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

func (s *Service) respondJSON(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encoding reply: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("sending reply: %v", err)
	}
}
