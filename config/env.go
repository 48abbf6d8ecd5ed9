package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/grovetools/bithost/errors"
)

// EnvOverrides lists the settings that can be overridden from the
// environment. Unset variables leave the file value alone.
type EnvOverrides struct {
	Socket        string   `env:"BITHOST_SOCKET"`
	PIDFile       string   `env:"BITHOST_PID_FILE"`
	LogFile       string   `env:"BITHOST_LOG_FILE"`
	LogFormat     string   `env:"BITHOST_LOG_FORMAT"`
	MaxPending    *int     `env:"BITHOST_STORE_MAX_PENDING"`
	DrainTimeout  Duration `env:"BITHOST_STORE_DRAIN_TIMEOUT"`
	GracePeriod   Duration `env:"BITHOST_RUNNER_GRACE_PERIOD"`
	ServerEnabled *bool    `env:"BITHOST_SERVER_ENABLED"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overlays BITHOST_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o EnvOverrides
	if err := ParseEnv(&o); err != nil {
		return wrapEnvErr(err)
	}
	c.applyOverrides(o)
	return nil
}

// applyEnvFrom is ApplyEnv over an explicit environment, for tests.
func (c *Config) applyEnvFrom(environ map[string]string) error {
	var o EnvOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return wrapEnvErr(fmt.Errorf("parse env: %w", err))
	}
	c.applyOverrides(o)
	return nil
}

func (c *Config) applyOverrides(o EnvOverrides) {
	if o.Socket != "" {
		c.Socket = o.Socket
	}
	if o.PIDFile != "" {
		c.PIDFile = o.PIDFile
	}
	if o.LogFile != "" {
		c.Logging.File.Enabled = true
		c.Logging.File.Path = o.LogFile
	}
	if o.LogFormat != "" {
		c.Logging.Format.Preset = o.LogFormat
	}
	if o.MaxPending != nil {
		c.Store.MaxPending = *o.MaxPending
	}
	if o.DrainTimeout != 0 {
		c.Store.DrainTimeout = o.DrainTimeout
	}
	if o.GracePeriod != 0 {
		c.Runners.GracePeriod = o.GracePeriod
	}
	if o.ServerEnabled != nil {
		enabled := *o.ServerEnabled
		c.Server.Enabled = &enabled
	}
}

func wrapEnvErr(err error) error {
	return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid BITHOST_* environment override")
}
