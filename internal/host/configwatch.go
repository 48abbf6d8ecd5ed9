package host

import (
	"context"
	"path/filepath"

	"github.com/grovetools/bithost/logging"
	"github.com/grovetools/bithost/pkg/fswatch"
)

// WithConfigWatch makes Run reload the host whenever the file at path is
// written or replaced.
func WithConfigWatch(path string) Option {
	return func(h *Host) { h.watchPath = path }
}

// watchConfig reloads on every change to the watched configuration file
// until ctx is done. A reload that fails keeps the running configuration.
func (h *Host) watchConfig(ctx context.Context) error {
	logger := logging.Component(h.logger, "config-watch")
	scanner, err := fswatch.New(filepath.Dir(h.watchPath), logger,
		fswatch.WithPatterns([]string{filepath.Base(h.watchPath)}))
	if err != nil {
		logger.WithError(err).Warn("Cannot watch configuration; reload with SIGHUP instead")
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- scanner.Run(ctx) }()

	for change := range scanner.Changes() {
		if change.Kind == fswatch.Deleted {
			continue
		}
		logger.WithField("file", change.Path).Info("Configuration changed; reloading")
		if err := h.Reload(ctx); err != nil {
			logger.WithError(err).Error("Reload failed; keeping the running configuration")
		}
	}
	return <-errCh
}
