package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/bithost/cli"
	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/internal/bits"
	"github.com/grovetools/bithost/internal/host"
	"github.com/grovetools/bithost/internal/pidfile"
	"github.com/grovetools/bithost/pkg/client"
	"github.com/grovetools/bithost/pkg/paths"
	"github.com/spf13/cobra"
)

// NewStartCmd runs the host in the foreground.
func NewStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the host",
		Long:  "Start the host in foreground mode. SIGINT or SIGTERM stops it; SIGHUP reloads the configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			cfg, err := cli.LoadConfig(opts)
			if err != nil {
				return err
			}
			logger := cli.GetLogger(opts, cfg.Logging, "bithost")

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("failed to create state directories: %w", err)
			}

			// 1. Acquire Lock
			if err := pidfile.Acquire(cfg.PIDFile); err != nil {
				return err
			}
			defer func() {
				if err := pidfile.Release(cfg.PIDFile); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			// 2. Wire the host
			hostOpts := []host.Option{host.WithLoader(func() (*config.Config, error) {
				return cli.LoadConfig(opts)
			})}
			if watch, _ := cmd.Flags().GetBool("watch-config"); watch {
				if path := configPath(opts); path != "" {
					hostOpts = append(hostOpts, host.WithConfigWatch(path))
				} else {
					logger.Warn("No configuration file to watch")
				}
			}
			h := host.New(cfg, bits.Builtin(), logger, hostOpts...)

			// 3. Handle Signals
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						logger.Info("Received SIGHUP; reloading")
						if err := h.Reload(ctx); err != nil {
							logger.WithError(err).Error("Reload failed")
						}
					}
				}
			}()

			// 4. Run until a stop signal
			logger.WithField("pid", os.Getpid()).WithField("socket", cfg.Socket).Info("Starting host")
			if err := h.Run(ctx); err != nil {
				return fmt.Errorf("host error: %w", err)
			}
			logger.Info("Host stopped")
			return nil
		},
	}
	cmd.Flags().Bool("watch-config", false, "Reload when the configuration file changes")
	return cmd
}

// configPath names the file LoadConfig reads, or "" when the defaults apply.
func configPath(opts cli.CommandOptions) string {
	if opts.ConfigFile != "" {
		return opts.ConfigFile
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	path, err := config.FindConfigFile(cwd)
	if err != nil {
		return ""
	}
	return path
}

// NewStopCmd signals a running host to stop.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cli.GetOptions(cmd))
			if err != nil {
				return err
			}

			running, pid, err := pidfile.IsRunning(cfg.PIDFile)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Host is not running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

// NewStatusCmd reports whether a host is running and answering.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check host status",
		Long:  "Check host status. Exits non-zero when the host is stopped, which is useful for scripts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cli.GetOptions(cmd))
			if err != nil {
				return err
			}
			running, pid, err := pidfile.IsRunning(cfg.PIDFile)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
				return errStopped
			}

			responding := "not responding"
			c := client.New(cfg.Socket)
			defer c.Close()
			if health, err := c.Health(cmd.Context()); err == nil {
				responding = "responding, " + health.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Running (PID: %d)\nSocket: %s (%s)\n", pid, cfg.Socket, responding)
			return nil
		},
	}
}

// errStopped makes status exit non-zero without printing an error.
var errStopped = &silentError{msg: "host is stopped"}

type silentError struct{ msg string }

func (e *silentError) Error() string { return e.msg }

// IsSilent reports whether err should only set the exit code.
func IsSilent(err error) bool {
	_, ok := err.(*silentError)
	return ok
}
