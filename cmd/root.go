// Package cmd holds the bithost command tree.
package cmd

import (
	"github.com/grovetools/bithost/cli"
	"github.com/grovetools/bithost/pkg/client"
	"github.com/grovetools/bithost/pkg/profiling"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the bithost command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand("bithost", "Host for small live-state plug-in modules")
	root.Long = `bithost runs independently developed bits side by side in one process.
Each bit keeps a small piece of live state that clients read over a Unix
socket, either as a snapshot or as a stream.

Examples:
  # Run the host in the foreground
  bithost start
  # Follow one bit's state
  bithost watch vitals`

	root.AddCommand(
		NewStartCmd(),
		NewStopCmd(),
		NewStatusCmd(),
		NewBitsCmd(),
		NewWatchCmd(),
		NewReloadCmd(),
		NewConfigCmd(),
		NewPathsCmd(),
		cli.NewVersionCommand("bithost"),
	)
	profiling.NewCobraProfiler().Attach(root)
	cli.ApplyStyledHelpRecursive(root)
	return root
}

// newClient resolves the socket from --socket, then the config.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	opts := cli.GetOptions(cmd)
	cfg, err := cli.LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Socket), nil
}
