// Package store provides the per-component state container every bit owns.
//
// A Store holds exactly one value of type S. Mutations are submitted with
// Update and applied one at a time, in submission order, by a single worker
// goroutine owned by the store; no caller ever touches the state directly.
// Readers get clones through Snapshot or a live feed through Watch.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// Mutation changes the state in place. Returning an error discards the change.
type Mutation[S any] func(state *S) error

// Cloner produces an independent copy of a state value. The default is a
// plain value copy, which is only deep enough for states without maps,
// slices or pointers.
type Cloner[S any] func(S) S

const defaultDrainTimeout = 5 * time.Second

type pending[S any] struct {
	fn   Mutation[S]
	done chan error // nil for fire-and-forget updates
}

// Store is a single-writer state container with multi-subscriber broadcast.
type Store[S any] struct {
	name         string
	logger       *logrus.Entry
	clone        Cloner[S]
	drainTimeout time.Duration
	maxPending   int

	// mu guards everything below. It is never held while a mutation runs.
	mu        sync.RWMutex
	state     S
	version   uint64
	queue     []pending[S]
	closing   bool
	abandoned bool
	watchers  map[*watcher[S]]struct{}

	wake       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// Option configures a Store.
type Option[S any] func(*Store[S])

// WithCloner sets the function used to copy state out of the store.
func WithCloner[S any](clone Cloner[S]) Option[S] {
	return func(s *Store[S]) { s.clone = clone }
}

// WithDrainTimeout bounds how long Close waits for queued mutations when
// the caller's context has no deadline.
func WithDrainTimeout[S any](d time.Duration) Option[S] {
	return func(s *Store[S]) { s.drainTimeout = d }
}

// WithMaxPending caps each watcher's undelivered backlog. When a slow
// watcher exceeds it the oldest queued snapshot is dropped for that watcher
// only. Zero means unbounded.
func WithMaxPending[S any](n int) Option[S] {
	return func(s *Store[S]) { s.maxPending = n }
}

// New creates a store holding initial and starts its worker.
func New[S any](name string, initial S, logger *logrus.Entry, opts ...Option[S]) *Store[S] {
	if logger == nil {
		logger = logging.NewDiscard("store")
	}
	s := &Store[S]{
		name:         name,
		logger:       logger.WithField("store", name),
		clone:        func(v S) S { return v },
		drainTimeout: defaultDrainTimeout,
		state:        initial,
		watchers:     make(map[*watcher[S]]struct{}),
		wake:         make(chan struct{}, 1),
		workerDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = s.clone(initial)

	go s.run()
	return s
}

// Name returns the store's name.
func (s *Store[S]) Name() string { return s.name }

// Update enqueues fn and returns immediately. It fails only when the store
// has begun shutting down.
func (s *Store[S]) Update(fn Mutation[S]) error {
	return s.enqueue(fn, nil)
}

// UpdateSync enqueues fn and waits until it has been applied or skipped,
// returning the mutation's own error. Cancelling ctx stops the wait, not the
// mutation.
func (s *Store[S]) UpdateSync(ctx context.Context, fn Mutation[S]) error {
	done := make(chan error, 1)
	if err := s.enqueue(fn, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store[S]) enqueue(fn Mutation[S], done chan error) error {
	if fn == nil {
		return errors.InvalidInput("mutation", "must not be nil")
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errors.StoreClosed(s.name)
	}
	s.queue = append(s.queue, pending[S]{fn: fn, done: done})
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *Store[S]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the most recently committed state.
func (s *Store[S]) Snapshot() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clone(s.state)
}

// Version returns the number of mutations committed so far.
func (s *Store[S]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch returns a feed of snapshots. The first value is the state at the
// time of the call; after that one value arrives per committed mutation, in
// commit order. The channel is closed when ctx is done or the store closes.
//
// The feed is unbounded (see WithMaxPending): a slow reader never stalls
// the store's worker.
func (s *Store[S]) Watch(ctx context.Context) <-chan S {
	w := newWatcher[S](s.maxPending)

	s.mu.Lock()
	w.push(s.clone(s.state))
	if s.closing {
		w.close()
	} else {
		s.watchers[w] = struct{}{}
	}
	s.mu.Unlock()

	go func() {
		dropped := w.pump(ctx)
		s.removeWatcher(w)
		if dropped > 0 {
			s.logger.WithField("dropped", dropped).Warn("Slow watcher lost snapshots")
		}
	}()
	return w.out
}

// WatcherCount returns the number of live feeds.
func (s *Store[S]) WatcherCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *Store[S]) removeWatcher(w *watcher[S]) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	w.close()
}

// run is the single writer.
func (s *Store[S]) run() {
	defer close(s.workerDone)
	for {
		p, ok := s.next()
		if !ok {
			return
		}
		s.apply(p)
	}
}

func (s *Store[S]) next() (pending[S], bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 && !s.abandoned {
			p := s.queue[0]
			s.queue[0] = pending[S]{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, true
		}
		closing := s.closing
		s.mu.Unlock()

		if closing {
			return pending[S]{}, false
		}
		<-s.wake
	}
}

func (s *Store[S]) apply(p pending[S]) {
	// Only this goroutine writes s.state, so reading it unlocked is safe.
	next := s.clone(s.state)

	var err error
	if recovered := panics.Try(func() { err = p.fn(&next) }); recovered != nil {
		err = recovered.AsError()
		s.logger.WithField("panic", recovered.Value).
			Errorf("Mutation panicked; state unchanged\n%s", recovered.Stack)
	} else if err != nil {
		s.logger.WithError(err).Warn("Mutation failed; state unchanged")
	}

	if err == nil {
		s.mu.Lock()
		s.state = next
		s.version++
		for w := range s.watchers {
			w.push(s.clone(next))
		}
		s.mu.Unlock()
	}

	if p.done != nil {
		p.done <- err
	}
}

// Close stops accepting updates, waits for queued mutations to drain, then
// closes every watcher feed. If ctx has no deadline the store's drain
// timeout applies. Mutations still queued when the wait expires are
// discarded. Close is idempotent.
func (s *Store[S]) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return s.closeErr
}

func (s *Store[S]) close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && s.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()

	var err error
	select {
	case <-s.workerDone:
	case <-ctx.Done():
		s.mu.Lock()
		s.abandoned = true
		dropped := s.queue
		s.queue = nil
		s.mu.Unlock()
		s.signal()

		for _, p := range dropped {
			if p.done != nil {
				p.done <- errors.StoreClosed(s.name)
			}
		}
		s.logger.WithField("dropped", len(dropped)).Warn("Store drain timed out")
		err = fmt.Errorf("close store %s: %w", s.name, ctx.Err())
	}

	s.mu.Lock()
	for w := range s.watchers {
		w.close()
	}
	s.watchers = make(map[*watcher[S]]struct{})
	s.mu.Unlock()

	s.logger.Debug("Store closed")
	return err
}
