// Package runner provides cancellable background loops bound to an owning
// component, and a registry that manages their lifecycle as a group.
//
// Cancellation is cooperative. Stop cancels the loop's context and waits up
// to the grace period; a loop that ignores its context past that point is
// abandoned, not killed, and may still be running when Stop returns.
package runner

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// Loop is the body of a runner. It should block until ctx is done, handling
// its own transient errors. Returning a non-nil error ends the runner.
type Loop func(ctx context.Context) error

const defaultGracePeriod = 5 * time.Second

// Runner owns one background loop.
type Runner struct {
	name   string
	owner  string
	loop   Loop
	grace  time.Duration
	logger *logrus.Entry

	restart     backoff.BackOff
	maxRestarts int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	starts atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithGracePeriod sets how long Stop waits for the loop to exit.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithRestart restarts a loop that fails (returns an error or panics) after
// waiting per b. maxRestarts <= 0 means no limit. A loop that returns nil or
// exits because its context ended is never restarted.
func WithRestart(b backoff.BackOff, maxRestarts int) Option {
	return func(r *Runner) {
		r.restart = b
		r.maxRestarts = maxRestarts
	}
}

// New creates a stopped runner.
func New(name, owner string, loop Loop, logger *logrus.Entry, opts ...Option) *Runner {
	if loop == nil {
		panic("runner: nil loop")
	}
	if logger == nil {
		logger = logging.NewDiscard("runner")
	}
	r := &Runner{
		name:   name,
		owner:  owner,
		loop:   loop,
		grace:  defaultGracePeriod,
		logger: logger.WithFields(logrus.Fields{"runner": name, "owner": owner}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the runner's registry key.
func (r *Runner) Name() string { return r.name }

// Owner returns the component the runner belongs to.
func (r *Runner) Owner() string { return r.owner }

// Starts returns how many times a loop goroutine has been spawned, counting
// restarts.
func (r *Runner) Starts() int64 { return r.starts.Load() }

// Start spawns the loop under a fresh context. It is a no-op while the
// runner is already running.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil && !closed(r.done) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go r.run(ctx, done)
}

// Running reports whether the loop goroutine is alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil && !closed(r.done)
}

// Done returns a channel closed when the current loop exits. It is nil if
// the runner was never started.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Stop cancels the loop and waits up to the grace period for it to exit.
// If it does not, Stop gives up on it and returns a RUNNER_STOP_TIMEOUT
// error; the runner is considered stopped either way.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case <-done:
		r.logger.Debug("Runner stopped")
		return nil
	case <-timer.C:
		r.logger.WithField("grace", r.grace).Warn("Runner ignored cancellation; abandoning loop")
		return errors.RunnerStopTimeout(r.name, r.grace)
	}
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if r.restart != nil {
		r.restart.Reset()
	}
	restarts := 0

	for {
		r.starts.Add(1)
		r.logger.Debug("Runner loop starting")

		err := r.invoke(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		r.logger.WithError(err).Error("Runner loop failed")

		if r.restart == nil || (r.maxRestarts > 0 && restarts >= r.maxRestarts) {
			return
		}
		wait := r.restart.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		restarts++
		r.logger.WithFields(logrus.Fields{"attempt": restarts, "wait": wait}).Info("Restarting runner loop")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *Runner) invoke(ctx context.Context) (err error) {
	if recovered := panics.Try(func() { err = r.loop(ctx) }); recovered != nil {
		r.logger.Errorf("Runner loop panicked\n%s", recovered.Stack)
		return recovered.AsError()
	}
	if stderrors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
