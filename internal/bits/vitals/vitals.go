// Package vitals tracks whether a named process is running.
package vitals

import (
	"context"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/internal/host"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/grovetools/bithost/pkg/procwatch"
	"github.com/grovetools/bithost/pkg/store"
	"github.com/sirupsen/logrus"
)

// Name is the bit's config key.
const Name = "vitals"

// ProcessChanged carries every transition of the watched process.
var ProcessChanged = bus.NewTopic[procwatch.ProcessChange](Name, "process_changed")

// Config is the bits.vitals section.
type Config struct {
	Process  string        `yaml:"process"`
	Interval time.Duration `yaml:"interval"`
}

// State is the bit's snapshot.
type State struct {
	Process     string    `json:"process"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Transitions int       `json:"transitions"`
}

// Option configures the factory.
type Option func(*Bit)

// WithLookup replaces how the process is found.
func WithLookup(fn procwatch.Lookup) Option {
	return func(b *Bit) { b.lookup = fn }
}

// Bit publishes the presence of one process.
type Bit struct {
	bus    *bus.Bus
	logger *logrus.Entry
	store  *store.Store[State]
	lookup procwatch.Lookup
}

// NewFactory returns the host factory for the vitals bit.
func NewFactory(opts ...Option) host.Factory {
	return func(deps host.Deps) (host.Bit, error) {
		b := &Bit{
			bus:    deps.Bus,
			logger: deps.Logger,
			store:  store.New(Name, State{}, deps.Logger, host.StoreOptions[State](deps)...),
		}
		for _, opt := range opts {
			opt(b)
		}
		return b, nil
	}
}

func (b *Bit) Name() string { return Name }

// Configure starts a process hub for the configured process.
func (b *Bit) Configure(env *host.Env) error {
	cfg := Config{Interval: time.Second}
	if err := env.Decode(&cfg); err != nil {
		return err
	}
	if cfg.Process == "" {
		return errors.InvalidInput("bits.vitals.process", "must name a process")
	}

	// A new process name starts from a clean slate.
	if err := b.store.Update(func(s *State) error {
		if s.Process != cfg.Process {
			*s = State{Process: cfg.Process}
		}
		return nil
	}); err != nil {
		return err
	}

	var hubOpts []procwatch.Option
	if b.lookup != nil {
		hubOpts = append(hubOpts, procwatch.WithLookup(b.lookup))
	}

	return env.AddRunner("hub", func(ctx context.Context) error {
		hub := procwatch.New(cfg.Process, cfg.Interval, b.logger, hubOpts...)
		errCh := make(chan error, 1)
		go func() { errCh <- hub.Run(ctx) }()

		for change := range hub.Events() {
			b.record(ctx, change)
		}
		return <-errCh
	})
}

func (b *Bit) record(ctx context.Context, change procwatch.ProcessChange) {
	err := b.store.Update(func(s *State) error {
		running := change.Kind == procwatch.Started
		s.PID = change.PID
		// A restarted hub re-reports the current state.
		if !s.Since.IsZero() && s.Running == running {
			return nil
		}
		if !s.Since.IsZero() {
			s.Transitions++
		}
		s.Running = running
		s.Since = change.At
		return nil
	})
	if err != nil {
		b.logger.WithError(err).Debug("Dropped process change")
		return
	}
	ProcessChanged.Publish(ctx, b.bus, change, bus.WithSource(Name))
}

func (b *Bit) Snapshot() any { return b.store.Snapshot() }

func (b *Bit) Watch(ctx context.Context) <-chan any {
	return host.Forward(ctx, b.store.Watch(ctx))
}

func (b *Bit) Close(ctx context.Context) error {
	return b.store.Close(ctx)
}
