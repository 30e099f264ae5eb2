package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/penpan85/iosched/stream"
)

const (
	// sessionKeyPrefix is the KV key prefix for catalog sessions.
	sessionKeyPrefix = "session"

	// defaultCacheTTL is the default cache time-to-live.
	defaultCacheTTL = 30 * time.Second
)

// sessionStore is the slice of the KV bucket API the catalog uses.
type sessionStore interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	WatchAll(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
	ListKeysFiltered(ctx context.Context, filters ...string) (jetstream.KeyLister, error)
}

// NatsCatalogConfig holds configuration for NatsCatalog.
type NatsCatalogConfig struct {
	// Bucket is the name of the NATS KV bucket holding the catalog.
	Bucket string `json:"bucket"`

	// NatsURL is the NATS server URL (e.g., "nats://localhost:4222").
	NatsURL string `json:"natsUrl"`

	// NatsCredentials is the path to NATS credentials file.
	// Mutually exclusive with NatsNkey.
	NatsCredentials string `json:"natsCredentials,omitempty"`

	// NatsNkey is the path to the nkey seed file for NATS
	// authentication. Mutually exclusive with NatsCredentials.
	NatsNkey string `json:"natsNkey,omitempty"`

	// CacheTTL is how long cached entries remain valid, as a duration
	// string (e.g., "30s", "1m"). Default: "30s".
	CacheTTL string `json:"cacheTtl,omitempty"`
}

// GetCacheTTL returns the cache TTL as a time.Duration, defaulting to 30s.
func (c *NatsCatalogConfig) GetCacheTTL() time.Duration {
	if c.CacheTTL == "" {
		return defaultCacheTTL
	}
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil || d <= 0 {
		return defaultCacheTTL
	}
	return d
}

// NatsCatalog implements Catalog using a NATS KV bucket, with a TTL
// cache invalidated by a bucket watcher so backend catalog edits show
// up promptly.
type NatsCatalog struct {
	nc      *nats.Conn
	kv      sessionStore
	cache   *stream.Cache[*Session]
	done    chan struct{}
	backoff time.Duration

	// mu guards watcher, which the watch loop swaps on reconnect.
	mu      sync.Mutex
	watcher jetstream.KeyWatcher
}

// NewNatsCatalog creates a NatsCatalog from the given configuration.
// The KV bucket must already exist.
func NewNatsCatalog(cfg NatsCatalogConfig) (*NatsCatalog, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("nats catalog: bucket is required")
	}
	if cfg.NatsURL == "" {
		cfg.NatsURL = nats.DefaultURL
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NatsURL = url
	}
	if cfg.NatsCredentials != "" && cfg.NatsNkey != "" {
		return nil, fmt.Errorf("nats catalog: natsCredentials and natsNkey are mutually exclusive")
	}

	opts := []nats.Option{
		nats.Name("iosched-catalog"),
	}
	if cfg.NatsCredentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.NatsCredentials))
	} else if cfg.NatsNkey != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NatsNkey)
		if err != nil {
			return nil, fmt.Errorf("nats catalog: loading nkey from %s: %w", cfg.NatsNkey, err)
		}
		opts = append(opts, opt)
	}

	nc, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats catalog: connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats catalog: creating jetstream context: %w", err)
	}

	kv, err := js.KeyValue(context.Background(), cfg.Bucket)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats catalog: opening bucket %q: %w", cfg.Bucket, err)
	}

	c := &NatsCatalog{
		nc:    nc,
		kv:    kv,
		cache: stream.NewCache[*Session](cfg.GetCacheTTL()),
		done:  make(chan struct{}),
	}

	if err := c.startWatcher(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats catalog: starting watcher: %w", err)
	}

	return c, nil
}

// Stop stops the KV watcher, closes the NATS connection, and clears the
// cache.
func (c *NatsCatalog) Stop() error {
	close(c.done)
	if w := c.currentWatcher(); w != nil {
		_ = w.Stop()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	c.cache.Clear()
	return nil
}

// GetSession retrieves a session by id from the KV bucket.
func (c *NatsCatalog) GetSession(ctx context.Context, id string) (*Session, error) {
	key := sessionKey(id)

	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("fetching session %s: %w", key, err)
	}

	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", key, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating session %s: %w", key, err)
	}

	c.cache.Put(key, &s)
	return &s, nil
}

// ListSessions returns all catalog sessions in start order.
func (c *NatsCatalog) ListSessions(ctx context.Context) ([]*Session, error) {
	lister, err := c.kv.ListKeysFiltered(ctx, sessionKeyPrefix+".>")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing session keys: %w", err)
	}

	var result []*Session
	for key := range lister.Keys() {
		id, ok := parseSessionKey(key)
		if !ok {
			continue
		}
		s, err := c.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartsAt.Equal(result[j].StartsAt) {
			return result[i].StartsAt.Before(result[j].StartsAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (c *NatsCatalog) currentWatcher() jetstream.KeyWatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watcher
}

func (c *NatsCatalog) setWatcher(w jetstream.KeyWatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watcher = w
}

// startWatcher creates a KV watcher on the entire bucket for cache
// invalidation.
func (c *NatsCatalog) startWatcher() error {
	watcher, err := c.kv.WatchAll(context.Background(), jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	c.setWatcher(watcher)

	go c.watchLoop()
	return nil
}

// watchLoop processes watcher updates and invalidates cache entries.
func (c *NatsCatalog) watchLoop() {
	backoff := c.backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	minBackoff := backoff
	const maxBackoff = 30 * time.Second

	for {
		updates := c.currentWatcher().Updates()
		for {
			select {
			case <-c.done:
				return
			case entry, ok := <-updates:
				if !ok {
					goto reconnect
				}
				if entry != nil {
					c.cache.Invalidate(entry.Key())
				}
			}
		}

	reconnect:
		// Re-establish the watcher with exponential backoff.
		for {
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}

			watcher, err := c.kv.WatchAll(context.Background(), jetstream.UpdatesOnly())
			if err != nil {
				log.Printf("nats catalog: watcher reconnect failed: %v", err)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			c.setWatcher(watcher)
			backoff = minBackoff
			break
		}
	}
}

// sessionKey builds the KV key for a session.
func sessionKey(id string) string {
	return sessionKeyPrefix + "." + id
}

// parseSessionKey extracts the session id from a KV key.
// Returns ("", false) if the key does not match the expected pattern.
func parseSessionKey(key string) (string, bool) {
	// Expected format: session.<id>
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] != sessionKeyPrefix || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
