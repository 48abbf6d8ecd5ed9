package runner

import (
	"context"
	"errors"
	"time"

	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// ErrIterationOverrun is returned by a Ticker loop whose step outlived its
// per-iteration timeout.
var ErrIterationOverrun = errors.New("runner: iteration overran its timeout")

// TickOption configures a Ticker loop.
type TickOption func(*tickConfig)

type tickConfig struct {
	immediate bool
	timeout   time.Duration
}

// Immediately runs the first step before the first tick.
func Immediately() TickOption {
	return func(c *tickConfig) { c.immediate = true }
}

// IterationTimeout bounds each step. A step that has not returned when its
// context expires is abandoned and the loop fails with ErrIterationOverrun,
// so that a restart policy can bring up a fresh loop.
func IterationTimeout(d time.Duration) TickOption {
	return func(c *tickConfig) { c.timeout = d }
}

// Ticker builds a Loop that calls step every interval. Step errors and
// panics are logged and the loop carries on.
func Ticker(interval time.Duration, step func(ctx context.Context) error, logger *logrus.Entry, opts ...TickOption) Loop {
	if logger == nil {
		logger = logging.NewDiscard("runner")
	}
	var cfg tickConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if cfg.immediate {
			if err := runStep(ctx, step, cfg.timeout, logger); err != nil {
				return err
			}
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := runStep(ctx, step, cfg.timeout, logger); err != nil {
					return err
				}
			}
		}
	}
}

// runStep only returns an error for overruns; ordinary step failures are
// logged here.
func runStep(ctx context.Context, step func(ctx context.Context) error, timeout time.Duration, logger *logrus.Entry) error {
	stepCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var err error
		if recovered := panics.Try(func() { err = step(stepCtx) }); recovered != nil {
			logger.Errorf("Step panicked\n%s", recovered.Stack)
			err = nil
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Step failed")
		}
		return nil
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled: wait for the step to notice, the runner's
			// grace period covers the rest.
			<-result
			return nil
		}
		logger.WithField("timeout", timeout).Error("Step overran its timeout")
		return ErrIterationOverrun
	}
}
