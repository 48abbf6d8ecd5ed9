// Package host wires the bus, scheduler, runner registry and bits into one
// running process and serves them over the HTTP API.
package host

import (
	"context"
	"sort"
	"sync"

	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/internal/server"
	"github.com/grovetools/bithost/logging"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/grovetools/bithost/pkg/runner"
	"github.com/grovetools/bithost/pkg/scheduler"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Loader re-reads configuration on reload.
type Loader func() (*config.Config, error)

// Option configures a Host.
type Option func(*Host)

// WithLoader sets how Reload obtains the new configuration. Without one,
// Reload re-applies the current configuration.
func WithLoader(load Loader) Option {
	return func(h *Host) { h.loader = load }
}

type loadedBit struct {
	bit     Bit
	handles []*scheduler.Handle
}

// Host is the composition root of a running bithost.
type Host struct {
	logger    *logrus.Entry
	factories map[string]Factory
	loader    Loader
	watchPath string

	bus    *bus.Bus
	sched  *scheduler.Scheduler
	reg    *runner.Registry
	server *server.Server

	mu      sync.RWMutex
	cfg     *config.Config
	bits    map[string]*loadedBit
	started bool
	closed  bool
}

// New creates a host for cfg. Bits are created by Start.
func New(cfg *config.Config, factories map[string]Factory, logger *logrus.Entry, opts ...Option) *Host {
	if logger == nil {
		logger = logging.NewDiscard("host")
	}
	h := &Host{
		logger:    logger,
		factories: factories,
		bus:       bus.New(logging.Component(logger, "bus")),
		sched:     scheduler.New(logging.Component(logger, "scheduler")),
		reg:       runner.NewRegistry(logging.Component(logger, "runner")),
		cfg:       cfg,
		bits:      make(map[string]*loadedBit),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.loader == nil {
		h.loader = func() (*config.Config, error) {
			h.mu.RLock()
			defer h.mu.RUnlock()
			return h.cfg, nil
		}
	}
	h.server = server.New(h, logging.Component(logger, "server"))
	return h
}

// Bus returns the host's message bus.
func (h *Host) Bus() *bus.Bus { return h.bus }

// Registry returns the host's runner registry.
func (h *Host) Registry() *runner.Registry { return h.reg }

// Scheduler returns the host's periodic task scheduler.
func (h *Host) Scheduler() *scheduler.Scheduler { return h.sched }

// Start creates and configures every enabled bit, then starts their
// runners. A new bit that fails to configure is logged and left out.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.New(errors.ErrCodeInternal, "host is closed")
	}
	if h.started {
		return nil
	}
	h.started = true
	return h.apply(ctx, h.cfg)
}

// Reload obtains a fresh configuration and re-applies it: every runner is
// stopped, bits no longer enabled are closed, new bits are created, and all
// bits are configured again before the runners start. Bit state survives a
// reload. A configuration that fails to load leaves the host untouched.
func (h *Host) Reload(ctx context.Context) error {
	cfg, err := h.loader()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New(errors.ErrCodeInternal, "host is closed")
	}
	h.logger.WithField("bits", cfg.EnabledBits()).Info("Reloading configuration")
	h.started = true
	return h.apply(ctx, cfg)
}

// apply installs cfg. Callers hold h.mu.
func (h *Host) apply(ctx context.Context, cfg *config.Config) error {
	for _, lb := range h.bits {
		for _, handle := range lb.handles {
			handle.Dispose()
		}
		lb.handles = nil
	}

	wanted := make(map[string]bool)
	for _, name := range cfg.EnabledBits() {
		if _, ok := h.factories[name]; !ok {
			h.logger.WithField("bit", name).Warn("No such bit; ignoring its config section")
			continue
		}
		wanted[name] = true
	}

	var closeErr error
	err := h.reg.Reconfigure(func(reg *runner.Registry) error {
		for name, lb := range h.bits {
			if wanted[name] {
				continue
			}
			closeErr = multierr.Append(closeErr, lb.bit.Close(ctx))
			delete(h.bits, name)
			h.logger.WithField("bit", name).Info("Bit removed")
		}

		for _, name := range sortedKeys(wanted) {
			lb, existing := h.bits[name]
			if !existing {
				bit, err := h.factories[name](h.depsFor(name, cfg))
				if err != nil {
					h.logger.WithError(err).WithField("bit", name).Error("Failed to create bit")
					continue
				}
				lb = &loadedBit{bit: bit}
			}

			env := h.envFor(name, cfg)
			if err := lb.bit.Configure(env); err != nil {
				h.logger.WithError(err).WithField("bit", name).Error("Failed to configure bit")
				for _, handle := range env.handles {
					handle.Dispose()
				}
				h.dropRunners(name)
				// A bit that was already loaded keeps its state but stays idle.
				if !existing {
					closeErr = multierr.Append(closeErr, lb.bit.Close(ctx))
				}
				continue
			}
			lb.handles = env.handles
			h.bits[name] = lb
		}
		return nil
	})

	h.cfg = cfg
	h.logger.WithField("bits", len(h.bits)).Debug("Configuration applied")
	return multierr.Append(err, closeErr)
}

// dropRunners forgets the runners a half-configured bit registered.
func (h *Host) dropRunners(owner string) {
	for _, name := range h.reg.Names() {
		if r, ok := h.reg.Get(name); ok && r.Owner() == owner {
			h.reg.Remove(name)
		}
	}
}

func (h *Host) depsFor(name string, cfg *config.Config) Deps {
	return Deps{
		Name:         name,
		Bus:          h.bus,
		Logger:       logging.Component(h.logger, name),
		MaxPending:   cfg.Store.MaxPending,
		DrainTimeout: cfg.Store.DrainTimeout.D(),
	}
}

func (h *Host) envFor(name string, cfg *config.Config) *Env {
	return &Env{
		name:        name,
		Bus:         h.bus,
		Logger:      logging.Component(h.logger, name),
		cfg:         cfg,
		sched:       h.sched,
		reg:         h.reg,
		grace:       cfg.Runners.GracePeriod.D(),
		maxRestarts: cfg.Runners.MaxRestarts,
	}
}

// Run starts the host, serves the API on the configured socket when the
// server is enabled, and blocks until ctx is done. It closes the host
// before returning.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	cfg := h.RunningConfig().(*config.Config)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.ServerEnabled() {
		g.Go(func() error {
			return h.server.ListenAndServe(cfg.Socket)
		})
	}
	if h.watchPath != "" {
		g.Go(func() error {
			return h.watchConfig(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Runners.GracePeriod.D()+cfg.Store.DrainTimeout.D())
	defer cancel()
	return multierr.Append(runErr, h.Close(closeCtx))
}

// Close stops the scheduler and every runner, then closes every bit. It is
// terminal; errors from each step are combined.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	err := h.sched.Stop(ctx)
	err = multierr.Append(err, h.reg.StopAll())
	h.reg.Clear()

	for _, name := range sortedKeys(h.bits) {
		err = multierr.Append(err, h.bits[name].bit.Close(ctx))
	}
	h.bits = make(map[string]*loadedBit)

	h.bus.Wait()
	h.bus.Clear()

	if err != nil {
		h.logger.WithError(err).Warn("Host closed with errors")
	} else {
		h.logger.Info("Host closed")
	}
	return err
}

// BitNames lists the loaded bits in name order.
func (h *Host) BitNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.bits)
}

// BitSnapshot returns the named bit's last committed state.
func (h *Host) BitSnapshot(name string) (any, error) {
	bit, err := h.bit(name)
	if err != nil {
		return nil, err
	}
	return bit.Snapshot(), nil
}

// BitWatch streams the named bit's state until ctx is done or the bit closes.
func (h *Host) BitWatch(ctx context.Context, name string) (<-chan any, error) {
	bit, err := h.bit(name)
	if err != nil {
		return nil, err
	}
	return bit.Watch(ctx), nil
}

// RunningConfig returns the configuration currently applied.
func (h *Host) RunningConfig() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Host) bit(name string) (Bit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lb, ok := h.bits[name]
	if !ok {
		return nil, errors.BitNotFound(name)
	}
	return lb.bit, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ server.Source = (*Host)(nil)
