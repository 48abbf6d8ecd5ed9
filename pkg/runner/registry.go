package runner

import (
	"sort"
	"sync"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// Registry manages a named set of runners.
//
// Reconfiguration follows StopAll, Clear, re-Register, StartAll; Reconfigure
// wraps that sequence.
type Registry struct {
	mu      sync.Mutex
	runners map[string]*Runner
	logger  *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logging.NewDiscard("runners")
	}
	return &Registry{
		runners: make(map[string]*Runner),
		logger:  logger,
	}
}

// Register adds r, replacing any runner with the same name. A replaced
// runner that is still running is stopped first; its stop error, if any, is
// returned but the replacement happens regardless.
func (reg *Registry) Register(r *Runner) error {
	reg.mu.Lock()
	old, exists := reg.runners[r.Name()]
	reg.runners[r.Name()] = r
	reg.mu.Unlock()

	if exists && old != r && old.Running() {
		reg.logger.WithField("runner", r.Name()).Info("Replacing running runner")
		return old.Stop()
	}
	return nil
}

// Get returns the runner registered under name.
func (reg *Registry) Get(name string) (*Runner, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.runners[name]
	return r, ok
}

// Start starts a single runner by name.
func (reg *Registry) Start(name string) error {
	r, ok := reg.Get(name)
	if !ok {
		return errors.RunnerNotFound(name)
	}
	r.Start()
	return nil
}

// Stop stops a single runner by name.
func (reg *Registry) Stop(name string) error {
	r, ok := reg.Get(name)
	if !ok {
		return errors.RunnerNotFound(name)
	}
	return r.Stop()
}

// Names returns the registered names, sorted.
func (reg *Registry) Names() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]string, 0, len(reg.runners))
	for name := range reg.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered runners.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.runners)
}

// StartAll starts every registered runner. Runners already running are left
// alone, so no loop is ever duplicated.
func (reg *Registry) StartAll() {
	for _, r := range reg.snapshot() {
		r.Start()
	}
	reg.logger.WithField("count", reg.Len()).Debug("Started all runners")
}

// StopAll stops every registered runner concurrently and returns the
// combined stop-timeout errors.
func (reg *Registry) StopAll() error {
	p := pool.New().WithErrors()
	for _, r := range reg.snapshot() {
		r := r
		p.Go(r.Stop)
	}
	err := p.Wait()
	if err != nil {
		reg.logger.WithError(err).Warn("Some runners did not stop cleanly")
	}
	return err
}

// Remove forgets the named runner without stopping it.
func (reg *Registry) Remove(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.runners[name]
	delete(reg.runners, name)
	return ok
}

// Clear forgets every runner without stopping anything. Call StopAll first
// when shutting down.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runners = make(map[string]*Runner)
}

// Reconfigure stops and forgets all runners, lets register install a new
// set, then starts them. Stop timeouts are returned alongside any error from
// register; the new runners start only if register succeeds.
func (reg *Registry) Reconfigure(register func(reg *Registry) error) error {
	stopErr := reg.StopAll()
	reg.Clear()
	if err := register(reg); err != nil {
		return err
	}
	reg.StartAll()
	return stopErr
}

func (reg *Registry) snapshot() []*Runner {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Runner, 0, len(reg.runners))
	for _, r := range reg.runners {
		out = append(out, r)
	}
	return out
}
