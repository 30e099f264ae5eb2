// Package config loads and validates the service configuration and
// builds the configured providers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/penpan85/iosched/flags"
	"github.com/penpan85/iosched/identity"
	"github.com/penpan85/iosched/prefs"
	"github.com/penpan85/iosched/schedule"
	"github.com/penpan85/iosched/signin"
)

// Config holds the complete configuration for the iosched service.
type Config struct {
	// Feed configures the identity-provider auth-state source.
	Feed FeedConfig `json:"feed"`

	// Prefs configures the preference store.
	Prefs PrefsConfig `json:"prefs"`

	// Flags configures the feature flag provider.
	Flags FlagsConfig `json:"flags"`

	// Schedule configures the session catalog and agenda store.
	Schedule ScheduleConfig `json:"schedule"`

	// Server configures the NATS bridge service.
	Server ServerConfig `json:"server"`
}

// FeedConfig configures the identity source.
type FeedConfig struct {
	// Type specifies the feed type: "nats" or "local".
	Type string `json:"type"`

	// Nats contains NATS feed configuration.
	Nats *identity.NatsSourceConfig `json:"nats,omitempty"`

	// Local contains local (dev-mode) feed configuration.
	Local *identity.LocalSourceConfig `json:"local,omitempty"`
}

// PrefsConfig configures the preference store.
type PrefsConfig struct {
	// Path is the path to the preferences SQLite database. Empty means
	// an in-memory store that does not survive restarts.
	Path string `json:"path" env:"IOSCHED_PREFS_PATH"`
}

// FlagsConfig configures the feature flag provider.
type FlagsConfig struct {
	// Type specifies the flag provider type: "static", "file" or
	// "nats". Defaults to "static".
	Type string `json:"type"`

	// Static contains fixed flag values, used when type is "static".
	// Nil means the built-in defaults.
	Static *flags.Flags `json:"static,omitempty"`

	// File contains file provider configuration.
	File *flags.FileProviderConfig `json:"file,omitempty"`

	// Nats contains NATS KV provider configuration.
	Nats *flags.NatsProviderConfig `json:"nats,omitempty"`
}

// ScheduleConfig configures the session catalog and the agenda store.
type ScheduleConfig struct {
	// Type specifies the catalog type: "file" or "nats".
	Type string `json:"type"`

	// File contains file catalog configuration.
	File *schedule.FileCatalogConfig `json:"file,omitempty"`

	// Nats contains NATS KV catalog configuration.
	Nats *schedule.NatsCatalogConfig `json:"nats,omitempty"`

	// StorePath is the path to the agenda SQLite database.
	StorePath string `json:"storePath" env:"IOSCHED_AGENDA_PATH"`
}

// ServerConfig configures the NATS bridge service.
type ServerConfig struct {
	// NatsURL is the NATS server URL.
	NatsURL string `json:"natsUrl" env:"NATS_URL"`

	// NatsCredentials is the path to the NATS credentials file.
	// Mutually exclusive with NatsNkey.
	NatsCredentials string `json:"natsCredentials,omitempty" env:"NATS_CREDS"`

	// NatsNkey is the path to the nkey seed file for NATS authentication.
	// Mutually exclusive with NatsCredentials.
	NatsNkey string `json:"natsNkey,omitempty" env:"NATS_NKEY"`

	// GracePeriod is how long the upstream feed subscription survives
	// after the last observer leaves, as a duration string (e.g.,
	// "5s"). Defaults to the composer's built-in grace period.
	GracePeriod string `json:"gracePeriod,omitempty"`
}

// GetGracePeriod returns the upstream grace period as a time.Duration,
// or the default if not set or unparsable.
func (c *ServerConfig) GetGracePeriod(defaultPeriod time.Duration) time.Duration {
	if c.GracePeriod == "" {
		return defaultPeriod
	}
	d, err := time.ParseDuration(c.GracePeriod)
	if err != nil {
		return defaultPeriod
	}
	return d
}

// ToServiceConfig converts the server configuration to the bridge
// service's configuration.
func (c *ServerConfig) ToServiceConfig() signin.ServiceConfig {
	return signin.ServiceConfig{
		NatsURL:         c.NatsURL,
		NatsCredentials: c.NatsCredentials,
		NatsNkey:        c.NatsNkey,
	}
}

// ToScheduleServiceConfig converts the server configuration to the
// schedule service's configuration.
func (c *ServerConfig) ToScheduleServiceConfig() schedule.ServiceConfig {
	return schedule.ServiceConfig{
		NatsURL:         c.NatsURL,
		NatsCredentials: c.NatsCredentials,
		NatsNkey:        c.NatsNkey,
	}
}

// LoadConfig reads and parses a configuration file, then applies
// environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return &config, nil
}

// Validate checks that the configuration is valid and complete.
func (c *Config) Validate() error {
	// Validate feed config
	switch c.Feed.Type {
	case "nats":
		if c.Feed.Nats == nil {
			return fmt.Errorf("feed.nats configuration is required when type is 'nats'")
		}
		if c.Feed.Nats.NatsURL == "" {
			return fmt.Errorf("feed.nats.natsUrl is required")
		}
		if c.Feed.Nats.Token.Issuer == "" {
			return fmt.Errorf("feed.nats.token.issuer is required")
		}
		if c.Feed.Nats.Token.PublicKey == "" {
			return fmt.Errorf("feed.nats.token.publicKey is required")
		}
		if c.Feed.Nats.NatsCredentials != "" && c.Feed.Nats.NatsNkey != "" {
			return fmt.Errorf("feed.nats.natsCredentials and feed.nats.natsNkey are mutually exclusive")
		}
	case "local":
		if c.Feed.Local == nil {
			return fmt.Errorf("feed.local configuration is required when type is 'local'")
		}
		if c.Feed.Local.UsersPath == "" {
			return fmt.Errorf("feed.local.usersPath is required")
		}
	case "":
		return fmt.Errorf("feed.type is required")
	default:
		return fmt.Errorf("unsupported feed type: %s", c.Feed.Type)
	}

	// Validate flags config
	if c.Flags.Type == "" {
		c.Flags.Type = "static" // default to static
	}
	switch c.Flags.Type {
	case "static":
		// Nil static block means built-in defaults.
	case "file":
		if c.Flags.File == nil {
			return fmt.Errorf("flags.file configuration is required when type is 'file'")
		}
		if c.Flags.File.Path == "" {
			return fmt.Errorf("flags.file.path is required")
		}
	case "nats":
		if c.Flags.Nats == nil {
			return fmt.Errorf("flags.nats configuration is required when type is 'nats'")
		}
		if c.Flags.Nats.Bucket == "" {
			return fmt.Errorf("flags.nats.bucket is required")
		}
		if c.Flags.Nats.NatsURL == "" {
			return fmt.Errorf("flags.nats.natsUrl is required")
		}
	default:
		return fmt.Errorf("unsupported flags provider type: %s", c.Flags.Type)
	}

	// Validate schedule config
	switch c.Schedule.Type {
	case "file":
		if c.Schedule.File == nil {
			return fmt.Errorf("schedule.file configuration is required when type is 'file'")
		}
		if c.Schedule.File.Path == "" {
			return fmt.Errorf("schedule.file.path is required")
		}
	case "nats":
		if c.Schedule.Nats == nil {
			return fmt.Errorf("schedule.nats configuration is required when type is 'nats'")
		}
		if c.Schedule.Nats.Bucket == "" {
			return fmt.Errorf("schedule.nats.bucket is required")
		}
		if c.Schedule.Nats.NatsURL == "" {
			return fmt.Errorf("schedule.nats.natsUrl is required")
		}
	case "":
		return fmt.Errorf("schedule.type is required")
	default:
		return fmt.Errorf("unsupported schedule catalog type: %s", c.Schedule.Type)
	}
	if c.Schedule.StorePath == "" {
		return fmt.Errorf("schedule.storePath is required")
	}

	// Validate server config
	if c.Server.NatsURL == "" {
		return fmt.Errorf("server.natsUrl is required")
	}
	if c.Server.NatsCredentials != "" && c.Server.NatsNkey != "" {
		return fmt.Errorf("server.natsCredentials and server.natsNkey are mutually exclusive")
	}

	return nil
}

// NewSource builds the configured identity source. When the feed type
// is "local" the returned *identity.LocalSource is also non-nil, so
// the caller can expose dev-mode credential sign-in.
func (c *Config) NewSource() (identity.Source, *identity.LocalSource, error) {
	switch c.Feed.Type {
	case "nats":
		source, err := identity.NewNatsSource(*c.Feed.Nats)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing nats feed: %w", err)
		}
		return source, nil, nil
	case "local":
		source, err := identity.NewLocalSource(*c.Feed.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing local feed: %w", err)
		}
		return source, source, nil
	default:
		return nil, nil, fmt.Errorf("unsupported feed type: %s", c.Feed.Type)
	}
}

// NewPrefsStore builds the configured preference store.
func (c *Config) NewPrefsStore() (prefs.Store, error) {
	if c.Prefs.Path == "" {
		return prefs.NewMemoryStore(), nil
	}
	store, err := prefs.NewSQLiteStore(c.Prefs.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing preference store: %w", err)
	}
	return store, nil
}

// NewFlagsProvider builds the configured feature flag provider.
func (c *Config) NewFlagsProvider() (flags.Provider, error) {
	switch c.Flags.Type {
	case "", "static":
		if c.Flags.Static == nil {
			return flags.NewStaticProvider(flags.Defaults()), nil
		}
		return flags.NewStaticProvider(*c.Flags.Static), nil
	case "file":
		provider, err := flags.NewFileProvider(*c.Flags.File)
		if err != nil {
			return nil, fmt.Errorf("initializing file flag provider: %w", err)
		}
		return provider, nil
	case "nats":
		provider, err := flags.NewNatsProvider(*c.Flags.Nats)
		if err != nil {
			return nil, fmt.Errorf("initializing nats flag provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unsupported flags provider type: %s", c.Flags.Type)
	}
}

// NewCatalog builds the configured session catalog. The returned stop
// function releases catalog resources; it may be nil.
func (c *Config) NewCatalog() (schedule.Catalog, func() error, error) {
	switch c.Schedule.Type {
	case "file":
		catalog, err := schedule.NewFileCatalog(*c.Schedule.File)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing file catalog: %w", err)
		}
		return catalog, nil, nil
	case "nats":
		catalog, err := schedule.NewNatsCatalog(*c.Schedule.Nats)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing nats catalog: %w", err)
		}
		return catalog, catalog.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported schedule catalog type: %s", c.Schedule.Type)
	}
}
