package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/bithost/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput represents the XDG-compliant paths used by bithost.
type PathsOutput struct {
	ConfigDir  string `json:"config_dir"`
	StateDir   string `json:"state_dir"`
	RuntimeDir string `json:"runtime_dir"`
	Socket     string `json:"socket"`
	PIDFile    string `json:"pid_file"`
	LogFile    string `json:"log_file"`
}

// NewPathsCmd prints the default locations bithost reads and writes.
func NewPathsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the XDG-compliant paths used by bithost",
		Long: `Print the XDG-compliant paths used by bithost as JSON.

BITHOST_HOME moves every path under one directory, which is handy for tests
and for running more than one host side by side.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir:  paths.ConfigDir(),
				StateDir:   paths.StateDir(),
				RuntimeDir: paths.RuntimeDir(),
				Socket:     paths.SocketPath(),
				PIDFile:    paths.PidFilePath(),
				LogFile:    paths.LogFilePath(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}

	return cmd
}
