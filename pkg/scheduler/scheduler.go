// Package scheduler runs named, independently cancellable recurring jobs.
//
// Every task gets its own goroutine and ticker. A failing or panicking action
// is logged and the task keeps ticking; nothing is retried unless the action
// is wrapped with WithRetry.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// Action is the body of a scheduled task.
type Action func(ctx context.Context) error

// Task describes one scheduled job.
type Task struct {
	Name           string
	Interval       time.Duration
	Action         Action
	RunImmediately bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns a set of periodic tasks keyed by name.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	stopping bool
	wg       sync.WaitGroup
	logger   *logrus.Entry
}

// New creates an empty scheduler.
func New(logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logging.NewDiscard("scheduler")
	}
	return &Scheduler{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// SchedulePeriodic starts a task that calls action every interval. With
// runImmediately the first call happens right away instead of after one
// interval. Names are unique for as long as a task is scheduled.
func (s *Scheduler) SchedulePeriodic(name string, interval time.Duration, action Action, runImmediately bool) (*Handle, error) {
	switch {
	case name == "":
		return nil, errors.InvalidInput("name", "must not be empty")
	case action == nil:
		return nil, errors.InvalidInput("action", "must not be nil")
	case interval <= 0:
		return nil, errors.InvalidInput("interval", "must be positive").WithDetail("interval", interval.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, errors.SchedulerStopped(name)
	}
	if _, exists := s.tasks[name]; exists {
		return nil, errors.TaskAlreadyScheduled(name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		Name:           name,
		Interval:       interval,
		Action:         action,
		RunImmediately: runImmediately,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	s.tasks[name] = task

	s.wg.Add(1)
	go s.loop(ctx, task)

	s.logger.WithFields(logrus.Fields{"task": name, "interval": interval}).Debug("Task scheduled")
	return &Handle{scheduler: s, task: task}, nil
}

// Names returns the scheduled task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for their loops to return, bounded by
// ctx. The scheduler refuses new tasks afterwards; stopping is not
// resumable. Calling Stop again waits for the same loops.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	tasks := s.tasks
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.WithField("tasks", len(tasks)).Debug("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out; some actions are still running")
		return errors.Wrap(ctx.Err(), errors.ErrCodeSchedulerStopped, "timed out waiting for scheduled tasks")
	}
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Scheduler) remove(task *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.tasks[task.Name]; ok && current == task {
		delete(s.tasks, task.Name)
		return true
	}
	return false
}

func (s *Scheduler) loop(ctx context.Context, task *Task) {
	defer s.wg.Done()
	defer close(task.done)

	logger := s.logger.WithField("task", task.Name)

	if task.RunImmediately {
		s.invoke(ctx, task, logger)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, task, logger)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, task *Task, logger *logrus.Entry) {
	if ctx.Err() != nil {
		return
	}
	var err error
	if recovered := panics.Try(func() { err = task.Action(ctx) }); recovered != nil {
		logger.Errorf("Scheduled action panicked\n%s", recovered.Stack)
		return
	}
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("Scheduled action failed")
	}
}

// Handle controls one scheduled task.
type Handle struct {
	scheduler *Scheduler
	task      *Task
	once      sync.Once
}

// Name returns the task's name.
func (h *Handle) Name() string { return h.task.Name }

// Done is closed once the task's loop has returned.
func (h *Handle) Done() <-chan struct{} { return h.task.done }

// Dispose cancels and unschedules this task only. It does not wait for an
// in-flight action. Safe to call more than once.
func (h *Handle) Dispose() {
	h.once.Do(func() {
		h.task.cancel()
		if h.scheduler.remove(h.task) {
			h.scheduler.logger.WithField("task", h.task.Name).Debug("Task disposed")
		}
	})
}
