package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grovetools/bithost/cli"
	"github.com/grovetools/bithost/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewBitsCmd lists the loaded bits, or prints one bit's snapshot.
func NewBitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bits [name]",
		Short: "List loaded bits or show one bit's state",
		Long: `List the bits loaded by the running host. With a name, print that bit's
current snapshot as JSON.

Examples:
  bithost bits
  bithost bits vitals`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if len(args) == 1 {
				var snapshot json.RawMessage
				if err := c.Snapshot(cmd.Context(), args[0], &snapshot); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snapshot)
			}

			names, err := c.Bits(cmd.Context())
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// NewWatchCmd follows one bit's state until interrupted.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <name>",
		Short: "Stream a bit's state, one JSON document per change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ch, err := c.Stream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for snapshot := range ch {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(snapshot)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// NewReloadCmd asks the running host to re-read its configuration.
func NewReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the running host's configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			names, err := c.Reload(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reloaded; %d bit(s) loaded\n", len(names))
			return nil
		},
	}
}

// NewConfigCmd groups the configuration helpers.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect bithost configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration after file loading, environment overrides and
defaults. With --running, print the configuration of the running host instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			running, _ := cmd.Flags().GetBool("running")
			var cfg *config.Config
			if running {
				c, err := newClient(cmd)
				if err != nil {
					return err
				}
				defer c.Close()
				cfg = &config.Config{}
				if err := c.Config(cmd.Context(), cfg); err != nil {
					return err
				}
			} else {
				loaded, err := cli.LoadConfig(cli.GetOptions(cmd))
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cli.GetOptions(cmd).JSONOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
	show.Flags().Bool("running", false, "Ask the running host for its configuration")

	cmd.AddCommand(show, cli.NewSchemaCommand(config.GenerateSchema))
	return cmd
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
