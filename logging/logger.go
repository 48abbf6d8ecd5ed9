// Package logging builds the logrus loggers used throughout the host.
//
// Loggers are constructed once by the composition root and passed down to
// every component; there is no process-wide registry.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/grovetools/bithost/util/pathutil"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// New creates a logger for the given component from cfg. Environment
// variables BITHOST_LOG_LEVEL and BITHOST_LOG_CALLER override the config.
func New(cfg Config, component string) *logrus.Entry {
	logger := logrus.New()

	levelStr := "info"
	if env := os.Getenv("BITHOST_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("BITHOST_LOG_CALLER") == "true" || cfg.ReportCaller {
		logger.SetReportCaller(true)
	}

	logger.SetFormatter(formatterFor(cfg.Format, cfg.File.Enabled))

	var writers []io.Writer

	if cfg.File.Enabled && cfg.File.Path != "" {
		path, err := pathutil.Expand(cfg.File.Path)
		if err != nil {
			path = cfg.File.Path
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			logger.Warnf("Failed to create log directory %s: %v", filepath.Dir(path), err)
		} else if file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			logger.Warnf("Failed to open log file %s: %v", path, err)
		} else {
			writers = append(writers, file)
		}
	}

	if shouldLogToStderr(cfg.Format.Stderr, level, len(writers) > 0) {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	return logger.WithField("component", component)
}

// NewDiscard returns a logger that drops everything. Useful in tests and for
// library callers that don't care about diagnostics.
func NewDiscard(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", component)
}

// Component derives a child logger for a sub-component sharing the parent's
// sinks and level.
func Component(parent *logrus.Entry, component string) *logrus.Entry {
	if parent == nil {
		return NewDiscard(component)
	}
	return parent.WithField("component", component)
}

func formatterFor(format FormatConfig, plain bool) logrus.Formatter {
	switch format.Preset {
	case "json":
		return &logrus.JSONFormatter{}
	case "simple":
		return &TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}, Plain: true}
	default:
		return &TextFormatter{Config: format, Plain: plain}
	}
}

// shouldLogToStderr resolves the stderr mode. In "auto" mode the host logs
// to stderr unless a file sink is configured and stderr is an interactive
// terminal at a non-debug level.
func shouldLogToStderr(mode string, level logrus.Level, hasFile bool) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if !hasFile || level >= logrus.DebugLevel {
		return true
	}
	interactive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return !interactive
}

