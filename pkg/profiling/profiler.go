// Package profiling adds CPU and heap profile flags to a cobra command.
package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/spf13/cobra"
)

// CobraProfiler holds the profile flags and the open CPU profile.
type CobraProfiler struct {
	cpuProfileFile *os.File
	cpuProfilePath string
	memProfilePath string
}

// NewCobraProfiler creates a profiler with no profiles requested.
func NewCobraProfiler() *CobraProfiler {
	return &CobraProfiler{}
}

// AddFlags adds --cpu-profile and --mem-profile to cmd and its children.
func (p *CobraProfiler) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&p.cpuProfilePath, "cpu-profile", "", "Write a CPU profile to file")
	cmd.PersistentFlags().StringVar(&p.memProfilePath, "mem-profile", "", "Write a heap profile to file on exit")
}

// Attach installs the profiler as cmd's persistent pre and post hooks.
func (p *CobraProfiler) Attach(cmd *cobra.Command) {
	p.AddFlags(cmd)
	cmd.PersistentPreRunE = p.PreRun
	cmd.PersistentPostRunE = p.PostRun
}

// PreRun starts CPU profiling when requested.
func (p *CobraProfiler) PreRun(cmd *cobra.Command, args []string) error {
	if p.cpuProfilePath == "" {
		return nil
	}
	f, err := os.Create(p.cpuProfilePath)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("could not start CPU profile: %w", err)
	}
	p.cpuProfileFile = f
	return nil
}

// PostRun stops the CPU profile and writes the heap profile.
func (p *CobraProfiler) PostRun(cmd *cobra.Command, args []string) error {
	if p.cpuProfileFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuProfileFile.Close(); err != nil {
			return fmt.Errorf("could not close CPU profile: %w", err)
		}
		p.cpuProfileFile = nil
		fmt.Fprintf(cmd.ErrOrStderr(), "CPU profile written to %s\n", p.cpuProfilePath)
	}

	if p.memProfilePath != "" {
		f, err := os.Create(p.memProfilePath)
		if err != nil {
			return fmt.Errorf("could not create memory profile: %w", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("could not write memory profile: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Memory profile written to %s\n", p.memProfilePath)
	}
	return nil
}
