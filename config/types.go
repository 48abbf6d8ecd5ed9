package config

import (
	"fmt"
	"time"

	"github.com/grovetools/bithost/logging"
	"github.com/invopop/jsonschema"
)

// Duration is a time.Duration written as a Go duration string ("250ms",
// "5s") in YAML, TOML, and JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// JSONSchema describes Duration as a string for the reflector.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration string, e.g. 250ms or 5s",
	}
}

// Config is the host configuration loaded from bithost.yml or bithost.toml.
type Config struct {
	Version string `yaml:"version" toml:"version" json:"version" jsonschema:"description=Configuration version (e.g. '1.0')"`

	// Socket is the unix socket the HTTP API listens on.
	Socket string `yaml:"socket,omitempty" toml:"socket,omitempty" json:"socket,omitempty" jsonschema:"description=Unix socket path for the host API"`
	// PIDFile guards against two hosts sharing a socket.
	PIDFile string `yaml:"pid_file,omitempty" toml:"pid_file,omitempty" json:"pid_file,omitempty" jsonschema:"description=Path of the single-instance pid file"`

	Logging logging.Config `yaml:"logging,omitempty" toml:"logging,omitempty" json:"logging,omitempty" jsonschema:"description=Logging configuration"`
	Store   StoreConfig    `yaml:"store,omitempty" toml:"store,omitempty" json:"store,omitempty" jsonschema:"description=Defaults for every bit's state store"`
	Runners RunnersConfig  `yaml:"runners,omitempty" toml:"runners,omitempty" json:"runners,omitempty" jsonschema:"description=Defaults for background runners"`
	Server  ServerConfig   `yaml:"server,omitempty" toml:"server,omitempty" json:"server,omitempty" jsonschema:"description=HTTP API settings"`

	// Bits holds one free-form section per bit, keyed by bit name. A bit
	// runs when its section is present and does not set enabled: false.
	Bits map[string]map[string]interface{} `yaml:"bits,omitempty" toml:"bits,omitempty" json:"bits,omitempty" jsonschema:"description=Per-bit configuration sections keyed by bit name"`
}

// StoreConfig tunes state stores.
type StoreConfig struct {
	// MaxPending caps each watcher's queue; 0 means unbounded.
	MaxPending   int      `yaml:"max_pending,omitempty" toml:"max_pending,omitempty" json:"max_pending,omitempty" jsonschema:"minimum=0,description=Per-watcher snapshot queue cap (0 = unbounded)"`
	DrainTimeout Duration `yaml:"drain_timeout,omitempty" toml:"drain_timeout,omitempty" json:"drain_timeout,omitempty" jsonschema:"description=How long Close waits for queued mutations"`
}

// RunnersConfig tunes runner lifecycles.
type RunnersConfig struct {
	GracePeriod Duration `yaml:"grace_period,omitempty" toml:"grace_period,omitempty" json:"grace_period,omitempty" jsonschema:"description=How long Stop waits for a loop to exit"`
	MaxRestarts int      `yaml:"max_restarts,omitempty" toml:"max_restarts,omitempty" json:"max_restarts,omitempty" jsonschema:"minimum=0,description=Restarts allowed for a failing loop (0 = never restart)"`
}

// ServerConfig tunes the HTTP API.
type ServerConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"description=Serve the HTTP API (default: true)"`
	// ShutdownTimeout bounds graceful shutdown of open streams.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty" jsonschema:"description=Graceful shutdown bound for the HTTP server"`
}

// ServerEnabled reports whether the HTTP API should run.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Socket == "" {
		c.Socket = DefaultSocketPath()
	}
	if c.PIDFile == "" {
		c.PIDFile = DefaultPIDPath()
	}
	if c.Store.DrainTimeout == 0 {
		c.Store.DrainTimeout = Duration(5 * time.Second)
	}
	if c.Runners.GracePeriod == 0 {
		c.Runners.GracePeriod = Duration(5 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
}
