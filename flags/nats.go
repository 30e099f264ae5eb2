package flags

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/penpan85/iosched/stream"
)

// KV keys holding flag values ("true"/"false").
const (
	kvKeyReservationEnabled = "flag.reservation_enabled"
	kvKeyFeedEnabled        = "flag.feed_enabled"
	kvKeyMapEnabled         = "flag.map_enabled"
)

// defaultFlagCacheTTL is the default cache time-to-live.
const defaultFlagCacheTTL = 30 * time.Second

// flagStore is the slice of the KV bucket API the provider uses.
type flagStore interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	WatchAll(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// NatsProviderConfig holds configuration for NatsProvider.
type NatsProviderConfig struct {
	// Bucket is the name of the NATS KV bucket holding flag keys.
	Bucket string `json:"bucket"`

	// NatsURL is the NATS server URL (e.g., "nats://localhost:4222").
	NatsURL string `json:"natsUrl"`

	// NatsCredentials is the path to NATS credentials file.
	// Mutually exclusive with NatsNkey.
	NatsCredentials string `json:"natsCredentials,omitempty"`

	// NatsNkey is the path to the nkey seed file for NATS
	// authentication. Mutually exclusive with NatsCredentials.
	NatsNkey string `json:"natsNkey,omitempty"`

	// CacheTTL is how long cached flag values remain valid, as a
	// duration string (e.g., "30s", "1m"). Default: "30s".
	CacheTTL string `json:"cacheTtl,omitempty"`
}

// GetCacheTTL returns the cache TTL as a time.Duration, defaulting to 30s.
func (c *NatsProviderConfig) GetCacheTTL() time.Duration {
	if c.CacheTTL == "" {
		return defaultFlagCacheTTL
	}
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil || d <= 0 {
		return defaultFlagCacheTTL
	}
	return d
}

// NatsProvider implements Provider using a NATS KV bucket. Keys missing
// from the bucket resolve to their default values. Resolved values are
// held in a TTL cache which a bucket watcher invalidates, so KV edits
// are honored on the next resolve.
type NatsProvider struct {
	nc      *nats.Conn
	kv      flagStore
	cache   *stream.Cache[bool]
	done    chan struct{}
	backoff time.Duration

	// mu guards watcher, which the watch loop swaps on reconnect.
	mu      sync.Mutex
	watcher jetstream.KeyWatcher
}

// NewNatsProvider creates a NatsProvider from the given configuration.
// The KV bucket must already exist.
func NewNatsProvider(cfg NatsProviderConfig) (*NatsProvider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("nats flag provider: bucket is required")
	}
	if cfg.NatsURL == "" {
		cfg.NatsURL = nats.DefaultURL
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NatsURL = url
	}
	if cfg.NatsCredentials != "" && cfg.NatsNkey != "" {
		return nil, fmt.Errorf("nats flag provider: natsCredentials and natsNkey are mutually exclusive")
	}

	opts := []nats.Option{
		nats.Name("iosched-flag-provider"),
	}
	if cfg.NatsCredentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.NatsCredentials))
	} else if cfg.NatsNkey != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NatsNkey)
		if err != nil {
			return nil, fmt.Errorf("nats flag provider: loading nkey from %s: %w", cfg.NatsNkey, err)
		}
		opts = append(opts, opt)
	}

	nc, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats flag provider: connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flag provider: creating jetstream context: %w", err)
	}

	kv, err := js.KeyValue(context.Background(), cfg.Bucket)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flag provider: opening bucket %q: %w", cfg.Bucket, err)
	}

	p := &NatsProvider{
		nc:    nc,
		kv:    kv,
		cache: stream.NewCache[bool](cfg.GetCacheTTL()),
		done:  make(chan struct{}),
	}

	if err := p.startWatcher(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flag provider: starting watcher: %w", err)
	}

	return p, nil
}

// Stop stops the KV watcher, closes the NATS connection, and clears the
// cache.
func (p *NatsProvider) Stop() error {
	close(p.done)
	if w := p.currentWatcher(); w != nil {
		_ = w.Stop()
	}
	if p.nc != nil {
		p.nc.Close()
	}
	p.cache.Clear()
	return nil
}

// Flags resolves the flag keys, served from cache when live. Missing
// keys resolve to their defaults; any other read error fails the
// resolve.
func (p *NatsProvider) Flags(ctx context.Context) (Flags, error) {
	f := Defaults()

	for key, target := range map[string]*bool{
		kvKeyReservationEnabled: &f.ReservationEnabled,
		kvKeyFeedEnabled:        &f.FeedEnabled,
		kvKeyMapEnabled:         &f.MapEnabled,
	} {
		value, err := p.resolve(ctx, key, *target)
		if err != nil {
			return Flags{}, err
		}
		*target = value
	}

	return f, nil
}

// resolve returns the flag value for key, reading through the cache. A
// key absent from the bucket resolves (and caches) as def; the watcher
// invalidates it when the key is later created.
func (p *NatsProvider) resolve(ctx context.Context, key string, def bool) (bool, error) {
	if cached, ok := p.cache.Get(key); ok {
		return cached, nil
	}

	value := def
	entry, err := p.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		// Keep the default.
	case err != nil:
		return false, fmt.Errorf("fetching flag %s: %w", key, err)
	default:
		value = string(entry.Value()) == "true"
	}

	p.cache.Put(key, value)
	return value, nil
}

func (p *NatsProvider) currentWatcher() jetstream.KeyWatcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watcher
}

func (p *NatsProvider) setWatcher(w jetstream.KeyWatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watcher = w
}

// startWatcher creates a KV watcher on the entire bucket for cache
// invalidation.
func (p *NatsProvider) startWatcher() error {
	watcher, err := p.kv.WatchAll(context.Background(), jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	p.setWatcher(watcher)

	go p.watchLoop()
	return nil
}

// watchLoop processes watcher updates and invalidates cache entries.
func (p *NatsProvider) watchLoop() {
	backoff := p.backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	minBackoff := backoff
	maxBackoff := 30 * time.Second

	for {
		updates := p.currentWatcher().Updates()
		for {
			select {
			case <-p.done:
				return
			case entry, ok := <-updates:
				if !ok {
					goto reconnect
				}
				if entry != nil {
					p.cache.Invalidate(entry.Key())
				}
			}
		}

	reconnect:
		// Re-establish the watcher with exponential backoff.
		for {
			select {
			case <-p.done:
				return
			case <-time.After(backoff):
			}

			watcher, err := p.kv.WatchAll(context.Background(), jetstream.UpdatesOnly())
			if err != nil {
				log.Printf("nats flag provider: watcher reconnect failed: %v", err)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			p.setWatcher(watcher)
			backoff = minBackoff
			break
		}
	}
}
