package config

import (
	"fmt"
	"regexp"

	"github.com/grovetools/bithost/errors"
)

var bitNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// maxSocketPath is the portable limit on sun_path (macOS allows 104 bytes
// including the terminator).
const maxSocketPath = 103

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return errors.New(errors.ErrCodeConfigValidation,
			fmt.Sprintf("unsupported configuration version '%s'", c.Version)).
			WithDetail("version", c.Version)
	}

	if len(c.Socket) > maxSocketPath {
		return errors.New(errors.ErrCodeConfigValidation, "socket path is too long for a unix socket").
			WithDetail("socket", c.Socket).
			WithDetail("max", maxSocketPath)
	}

	if c.Store.MaxPending < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "store.max_pending cannot be negative")
	}
	if c.Store.DrainTimeout < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "store.drain_timeout cannot be negative")
	}
	if c.Runners.GracePeriod < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "runners.grace_period cannot be negative")
	}
	if c.Runners.MaxRestarts < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "runners.max_restarts cannot be negative")
	}

	for name, section := range c.Bits {
		if !bitNameRegex.MatchString(name) {
			return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("invalid bit name '%s'", name)).
				WithDetail("bit", name)
		}
		if v, ok := section["enabled"]; ok {
			if _, isBool := v.(bool); !isBool {
				return errors.New(errors.ErrCodeConfigValidation,
					fmt.Sprintf("bits.%s.enabled must be a boolean", name)).
					WithDetail("bit", name)
			}
		}
	}

	return nil
}
