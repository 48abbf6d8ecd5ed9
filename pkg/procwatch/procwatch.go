// Package procwatch polls for a named process and reports when it starts or
// stops. Only presence is tracked: several instances count as one "running".
package procwatch

import (
	"context"
	"time"

	"github.com/grovetools/bithost/logging"
	"github.com/grovetools/bithost/pkg/process"
	"github.com/sirupsen/logrus"
)

// Kind is the direction of a transition.
type Kind string

const (
	Started Kind = "started"
	Stopped Kind = "stopped"
)

// ProcessChange is a single Started/Stopped transition.
type ProcessChange struct {
	Kind Kind      `json:"kind"`
	Name string    `json:"name"`
	PID  int       `json:"pid"` // 0 when stopped
	At   time.Time `json:"at"`
}

// Lookup returns the PIDs currently matching name.
type Lookup func(ctx context.Context, name string) ([]int, error)

// Option configures a Hub.
type Option func(*Hub)

// WithLookup replaces the process finder.
func WithLookup(fn Lookup) Option {
	return func(h *Hub) { h.lookup = fn }
}

// WithBuffer sets the Events channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.buffer = n
		}
	}
}

// Hub polls for one process name.
type Hub struct {
	name     string
	interval time.Duration
	lookup   Lookup
	buffer   int
	logger   *logrus.Entry
	events   chan ProcessChange
}

// New creates a hub. Events is ready immediately; Run drives it.
func New(name string, interval time.Duration, logger *logrus.Entry, opts ...Option) *Hub {
	if logger == nil {
		logger = logging.NewDiscard("procwatch")
	}
	if interval <= 0 {
		interval = time.Second
	}
	h := &Hub{
		name:     name,
		interval: interval,
		lookup:   process.FindByName,
		buffer:   16,
		logger:   logger.WithField("process", name),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.events = make(chan ProcessChange, h.buffer)
	return h
}

// Name returns the watched process name.
func (h *Hub) Name() string { return h.name }

// Events returns the transition channel, closed when Run returns.
func (h *Hub) Events() <-chan ProcessChange { return h.events }

// Run polls until ctx is done. The first successful poll always emits,
// reporting the state at the moment polling began. After that only flips
// are emitted.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.events)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var (
		known   bool
		running bool
	)

	poll := func() bool {
		pids, err := h.lookup(ctx, h.name)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.WithError(err).Warn("Process lookup failed; skipping tick")
			}
			return true
		}

		now := len(pids) > 0
		if known && now == running {
			return true
		}
		known, running = true, now

		change := ProcessChange{Kind: Stopped, Name: h.name, At: time.Now()}
		if now {
			change.Kind = Started
			change.PID = pids[0]
		}
		h.logger.WithFields(logrus.Fields{"kind": change.Kind, "pid": change.PID}).Debug("Process transition")

		select {
		case h.events <- change:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !poll() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !poll() {
				return nil
			}
		}
	}
}
