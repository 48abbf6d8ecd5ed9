package cli

import (
	"os"

	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds common options for bithost commands
type CommandOptions struct {
	ConfigFile string
	Socket     string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a new command with the standard flags
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to bithost.yml or bithost.toml")
	cmd.PersistentFlags().String("socket", "", "Host API socket (overrides config)")

	return cmd
}

// GetOptions extracts common options from a command
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	socket, _ := cmd.Flags().GetString("socket")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Socket:     socket,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// LoadConfig loads the configuration named by --config, or the one found
// from the working directory. With no file anywhere the defaults apply.
func LoadConfig(opts CommandOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigFile != "" {
		cfg, err = config.Load(opts.ConfigFile)
	} else {
		cwd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, wdErr
		}
		cfg, err = config.LoadFrom(cwd, nil)
		if errors.Is(err, errors.ErrCodeConfigNotFound) {
			cfg, err = config.Default()
		}
	}
	if err != nil {
		return nil, err
	}
	if opts.Socket != "" {
		cfg.Socket = opts.Socket
	}
	return cfg, nil
}

// GetLogger builds the command's logger from the logging config, raised to
// debug by --verbose and switched to JSON by --json.
func GetLogger(opts CommandOptions, cfg logging.Config, component string) *logrus.Entry {
	if opts.Verbose {
		cfg.Level = "debug"
	}
	if opts.JSONOutput {
		cfg.Format.Preset = "json"
	}
	return logging.New(cfg, component)
}
