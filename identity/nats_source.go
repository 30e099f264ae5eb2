package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// AuthStateSubject is the default NATS subject carrying auth-state
// updates from the identity provider.
const AuthStateSubject = "iosched.auth.state"

// NatsSourceConfig holds configuration for NatsSource.
type NatsSourceConfig struct {
	// NatsURL is the NATS server URL.
	NatsURL string `json:"natsUrl"`

	// NatsCredentials is the path to the credentials file for
	// connecting to NATS. Mutually exclusive with NatsNkey.
	NatsCredentials string `json:"natsCredentials,omitempty"`

	// NatsNkey is the path to the nkey seed file for NATS
	// authentication. Mutually exclusive with NatsCredentials.
	NatsNkey string `json:"natsNkey,omitempty"`

	// Subject is the subject to subscribe to. Default: AuthStateSubject.
	Subject string `json:"subject,omitempty"`

	// Token configures verification of the signed user-info tokens
	// carried by the feed.
	Token TokenVerifierConfig `json:"token"`

	// XKeySeed is the service's curve key seed. When set, feed
	// payloads are expected to be sealed to this key and are decrypted
	// before verification.
	XKeySeed string `json:"xkeySeed,omitempty"`
}

// NatsSource subscribes to the identity provider's auth-state subject.
// Each message carries a signed user-info token; an empty payload means
// the user signed out. Verification failures are delivered as error
// results, never as a terminated subscription.
type NatsSource struct {
	config       NatsSourceConfig
	verifier     *TokenVerifier
	curveKeyPair nkeys.KeyPair
}

// NewNatsSource creates a NatsSource from the given configuration.
func NewNatsSource(cfg NatsSourceConfig) (*NatsSource, error) {
	hasCredentials := cfg.NatsCredentials != ""
	hasNkey := cfg.NatsNkey != ""
	if hasCredentials && hasNkey {
		return nil, errors.New("NatsCredentials and NatsNkey are mutually exclusive")
	}
	if cfg.Subject == "" {
		cfg.Subject = AuthStateSubject
	}
	if cfg.NatsURL == "" {
		cfg.NatsURL = nats.DefaultURL
	}
	if os.Getenv("NATS_URL") != "" {
		cfg.NatsURL = os.Getenv("NATS_URL")
	}

	verifier, err := NewTokenVerifier(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("configuring token verifier: %w", err)
	}

	s := &NatsSource{
		config:   cfg,
		verifier: verifier,
	}

	if cfg.XKeySeed != "" {
		kp, err := nkeys.FromSeed([]byte(cfg.XKeySeed))
		if err != nil {
			return nil, fmt.Errorf("parsing xkey seed: %w", err)
		}
		s.curveKeyPair = kp
	}

	return s, nil
}

// Subscribe connects to NATS and delivers auth results to fn until the
// returned Unsubscribe is called or ctx is cancelled. Message callbacks
// for a single subscription are dispatched sequentially, so fn is never
// invoked concurrently.
func (s *NatsSource) Subscribe(ctx context.Context, fn func(Result)) (Unsubscribe, error) {
	opts := []nats.Option{
		nats.Name("iosched-auth-feed"),
	}
	if s.config.NatsCredentials != "" {
		opts = append(opts, nats.UserCredentials(s.config.NatsCredentials))
	} else if s.config.NatsNkey != "" {
		opt, err := nats.NkeyOptionFromSeed(s.config.NatsNkey)
		if err != nil {
			return nil, fmt.Errorf("loading nkey from %s: %w", s.config.NatsNkey, err)
		}
		opts = append(opts, opt)
	}

	nc, err := nats.Connect(s.config.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	sub, err := nc.Subscribe(s.config.Subject, func(msg *nats.Msg) {
		fn(s.decodeMessage(msg))
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", s.config.Subject, err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Drain()
			nc.Close()
		})
	}

	stop := context.AfterFunc(ctx, unsubscribe)

	return func() {
		stop()
		unsubscribe()
	}, nil
}

// decodeMessage turns one feed message into a Result.
func (s *NatsSource) decodeMessage(msg *nats.Msg) Result {
	data := msg.Data

	if s.curveKeyPair != nil && len(data) > 0 {
		senderXKey := msg.Header.Get("Iosched-Provider-Xkey")
		decrypted, err := s.curveKeyPair.Open(data, senderXKey)
		if err != nil {
			return Result{Err: fmt.Errorf("decrypting auth update: %w", err)}
		}
		data = decrypted
	}

	// Empty payload: the user signed out.
	if len(data) == 0 {
		return Result{}
	}

	user, err := s.verifier.Verify(string(data))
	if err != nil {
		return Result{Err: err}
	}
	return Result{User: user}
}
