package config

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// BitEnabled reports whether a section exists for name and does not set
// enabled: false.
func (c *Config) BitEnabled(name string) bool {
	section, ok := c.Bits[name]
	if !ok {
		return false
	}
	if enabled, ok := section["enabled"].(bool); ok {
		return enabled
	}
	return true
}

// EnabledBits returns the names of enabled bits, sorted.
func (c *Config) EnabledBits() []string {
	var names []string
	for name := range c.Bits {
		if c.BitEnabled(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DecodeBit decodes a bit's configuration section into the provided target
// struct. The target must be a pointer. A missing section leaves target
// unchanged, so callers can pre-populate defaults.
//
// Example:
//
//	var cfg vitals.Config
//	err := hostCfg.DecodeBit("vitals", &cfg)
func (c *Config) DecodeBit(name string, target interface{}) error {
	section, ok := c.Bits[name]
	if !ok {
		return nil
	}

	// Decode using yaml tags so bit structs share the names used in the
	// file. Durations may be written as "5s".
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(section); err != nil {
		return fmt.Errorf("failed to decode config for bit '%s': %w", name, err)
	}

	return nil
}
