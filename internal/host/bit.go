package host

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/grovetools/bithost/pkg/runner"
	"github.com/grovetools/bithost/pkg/scheduler"
	"github.com/grovetools/bithost/pkg/store"
	"github.com/sirupsen/logrus"
)

// Bit is a plug-in module hosted by the process. A bit owns its state
// store for its whole lifetime; Configure may be called again on reload
// and must install its background work afresh through env.
type Bit interface {
	Name() string
	// Configure reads the bit's config section and registers its runners
	// and periodic tasks. Previously installed work has already been
	// stopped when Configure is called again.
	Configure(env *Env) error
	// Snapshot returns the bit's last committed state.
	Snapshot() any
	// Watch streams the bit's state, current snapshot first.
	Watch(ctx context.Context) <-chan any
	// Close releases the bit's store and bus subscriptions.
	Close(ctx context.Context) error
}

// Deps are the shared services handed to a bit when it is created.
type Deps struct {
	Name         string
	Bus          *bus.Bus
	Logger       *logrus.Entry
	MaxPending   int
	DrainTimeout time.Duration
}

// Factory creates a bit. Factories are keyed by the bit's config name.
type Factory func(deps Deps) (Bit, error)

// StoreOptions returns the store options implied by the host config.
func StoreOptions[S any](deps Deps) []store.Option[S] {
	return []store.Option[S]{
		store.WithMaxPending[S](deps.MaxPending),
		store.WithDrainTimeout[S](deps.DrainTimeout),
	}
}

// Forward adapts a typed store feed to the untyped feed the API serves.
func Forward[S any](ctx context.Context, in <-chan S) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Env is what a bit may touch while configuring itself. Everything it
// registers is owned by the bit and torn down by the host.
type Env struct {
	name        string
	Bus         *bus.Bus
	Logger      *logrus.Entry
	cfg         *config.Config
	sched       *scheduler.Scheduler
	reg         *runner.Registry
	grace       time.Duration
	maxRestarts int
	handles     []*scheduler.Handle
}

// Name returns the bit's name.
func (e *Env) Name() string { return e.name }

// Decode fills target from the bit's config section. Fields absent from the
// section keep their current values.
func (e *Env) Decode(target interface{}) error {
	return e.cfg.DecodeBit(e.name, target)
}

// SchedulePeriodic schedules a task named "<bit>/<name>".
func (e *Env) SchedulePeriodic(name string, interval time.Duration, action scheduler.Action, runImmediately bool) error {
	h, err := e.sched.SchedulePeriodic(e.name+"/"+name, interval, action, runImmediately)
	if err != nil {
		return err
	}
	e.handles = append(e.handles, h)
	return nil
}

// AddRunner registers a runner named "<bit>/<name>" owned by the bit. The
// host starts it once every bit has been configured. Failed loops restart
// with exponential backoff when the config allows restarts.
func (e *Env) AddRunner(name string, loop runner.Loop, opts ...runner.Option) error {
	base := []runner.Option{runner.WithGracePeriod(e.grace)}
	if e.maxRestarts > 0 {
		base = append(base, runner.WithRestart(backoff.NewExponentialBackOff(), e.maxRestarts))
	}
	r := runner.New(e.name+"/"+name, e.name, loop, e.Logger, append(base, opts...)...)
	return e.reg.Register(r)
}
