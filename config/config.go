package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/pkg/paths"
	"github.com/grovetools/bithost/util/pathutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Format identifies a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// configNames are searched in order in each directory.
var configNames = []string{
	"bithost.yml",
	"bithost.yaml",
	"bithost.toml",
	".bithost.yml",
	".bithost.yaml",
}

// Default returns a configuration with defaults and environment overrides
// applied, for hosts started without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// Load reads and parses a bithost configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	cfg, err := LoadFromBytes(data, FormatFor(path))
	if err != nil {
		if hostErr, ok := err.(*errors.HostError); ok {
			return nil, hostErr.WithDetail("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFrom finds the configuration file starting at startDir and loads it.
func LoadFrom(startDir string, logger *logrus.Entry) (*Config, error) {
	path, err := FindConfigFile(startDir)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithField("path", path).Debug("Loading configuration")
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if logger != nil && logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		if data, err := yaml.Marshal(cfg); err == nil {
			logger.Debugf("Effective configuration:\n%s", string(data))
		}
	}
	return cfg, nil
}

// LoadFromBytes parses, schema-validates, applies environment overrides
// and defaults, then validates the result.
func LoadFromBytes(data []byte, format Format) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	// Validate the raw document so unknown keys are reported rather than
	// silently dropped by the typed decode.
	var raw map[string]interface{}
	var cfg Config
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(expanded, &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
		if err := ValidateSchema(raw); err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode TOML configuration")
		}
	default:
		if err := yaml.Unmarshal(expanded, &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
		}
		if err := ValidateSchema(raw); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode YAML configuration")
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandPaths resolves ~ and environment variables in the host's own paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Socket, &c.PIDFile} {
		expanded, err := pathutil.Expand(*p)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to expand path").
				WithDetail("path", *p)
		}
		*p = expanded
	}
	return nil
}

// FormatFor picks the parser from a file name's extension.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// FindConfigFile searches for a bithost configuration file with the following precedence:
// 1. startDir up to the filesystem root
// 2. The user config directory (~/.config/bithost/)
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if configDir := paths.ConfigDir(); configDir != "" {
		for _, name := range configNames {
			path := filepath.Join(configDir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}

	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

// DefaultSocketPath is the socket used when the config sets none.
func DefaultSocketPath() string { return paths.SocketPath() }

// DefaultPIDPath is the pid file used when the config sets none.
func DefaultPIDPath() string { return paths.PidFilePath() }

// expandEnvVars replaces ${VAR} with environment variable values
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		// Handle default values: ${VAR:-default}
		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}
