package store

import (
	"context"
	"sync"
)

// watcher is one subscriber's delivery queue. push never blocks; pump moves
// queued values to out at the reader's pace.
type watcher[S any] struct {
	mu         sync.Mutex
	queue      []S
	closed     bool
	dropped    int
	maxPending int

	wake chan struct{}
	out  chan S
}

func newWatcher[S any](maxPending int) *watcher[S] {
	return &watcher[S]{
		maxPending: maxPending,
		wake:       make(chan struct{}, 1),
		out:        make(chan S),
	}
}

func (w *watcher[S]) push(v S) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, v)
	if w.maxPending > 0 && len(w.queue) > w.maxPending {
		var zero S
		w.queue[0] = zero
		w.queue = w.queue[1:]
		w.dropped++
	}
	w.mu.Unlock()
	w.notify()
}

// close stops accepting values. Values already queued are still delivered.
func (w *watcher[S]) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.notify()
}

func (w *watcher[S]) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// pump delivers until the queue is drained after close, or ctx is done. It
// closes out and returns the number of snapshots dropped by the cap.
func (w *watcher[S]) pump(ctx context.Context) int {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			v := w.queue[0]
			var zero S
			w.queue[0] = zero
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case w.out <- v:
			case <-ctx.Done():
				return w.droppedCount()
			}
			continue
		}
		closed := w.closed
		w.mu.Unlock()

		if closed {
			return w.droppedCount()
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return w.droppedCount()
		}
	}
}

func (w *watcher[S]) droppedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
