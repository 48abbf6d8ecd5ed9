// Package fswatch turns raw fsnotify events into debounced, coalesced
// changes delivered on a bounded channel.
//
// Raw events are upserted into a pending map keyed by path. A flusher ticks
// at half the debounce window and emits every entry that has been quiet for
// a full window. Consumers that fall behind slow the scanner down; events
// are never dropped for that reason. Only an OS-level queue overflow loses
// events, and that is reported as a single Overflow change for the root.
package fswatch

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grovetools/bithost/logging"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDebounce  = 200 * time.Millisecond
	DefaultQueueSize = 256
)

// Option configures a Scanner.
type Option func(*Scanner) error

// WithDebounce sets the quiet period before a path's change is flushed.
func WithDebounce(d time.Duration) Option {
	return func(s *Scanner) error {
		if d > 0 {
			s.debounce = d
		}
		return nil
	}
}

// WithQueueSize sets the capacity of the Changes channel.
func WithQueueSize(n int) Option {
	return func(s *Scanner) error {
		if n > 0 {
			s.queueSize = n
		}
		return nil
	}
}

// WithRecursive watches every directory below root, including ones created
// after the scanner starts.
func WithRecursive(recursive bool) Option {
	return func(s *Scanner) error {
		s.recursive = recursive
		return nil
	}
}

// WithPatterns limits reported paths to those matching patterns, evaluated
// relative to root with .dockerignore syntax. Patterns prefixed with "!"
// exclude.
func WithPatterns(patterns []string) Option {
	return func(s *Scanner) error {
		if len(patterns) == 0 {
			return nil
		}
		pm, err := patternmatcher.New(patterns)
		if err != nil {
			return err
		}
		s.matcher = pm
		return nil
	}
}

type stashedRename struct {
	path string
	at   time.Time
}

// Scanner watches one root directory.
type Scanner struct {
	root      string
	debounce  time.Duration
	queueSize int
	recursive bool
	matcher   *patternmatcher.PatternMatcher
	logger    *logrus.Entry

	watcher *fsnotify.Watcher
	out     chan FileChange

	mu      sync.Mutex
	pending map[string]pendingChange
	renames []stashedRename

	runOnce sync.Once
}

// New creates a scanner for root and registers the OS watches. Call Run to
// start delivering changes.
func New(root string, logger *logrus.Entry, opts ...Option) (*Scanner, error) {
	if logger == nil {
		logger = logging.NewDiscard("fswatch")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		root:      abs,
		debounce:  DefaultDebounce,
		queueSize: DefaultQueueSize,
		logger:    logger.WithField("root", abs),
		pending:   make(map[string]pendingChange),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.out = make(chan FileChange, s.queueSize)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s.watcher = watcher

	if err := s.addWatches(abs); err != nil {
		watcher.Close()
		return nil, err
	}
	return s, nil
}

// Root returns the absolute watched root.
func (s *Scanner) Root() string { return s.root }

// Changes returns the delivery channel. It is closed when Run returns.
func (s *Scanner) Changes() <-chan FileChange { return s.out }

// Run blocks, translating OS events until ctx is done. It may only be called
// once; the OS watcher is released on return.
func (s *Scanner) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return stderrors.New("fswatch: Run called twice")
	}
	defer close(s.out)
	defer s.watcher.Close()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.flushLoop(ctx)
	}()
	defer wg.Wait()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			if stderrors.Is(err, fsnotify.ErrEventOverflow) {
				s.overflow(ctx)
				continue
			}
			s.logger.WithError(err).Warn("Watcher error")
		}
	}
}

// Ingest records a raw change as if the OS had reported it. It bypasses the
// pattern filter and rename pairing.
func (s *Scanner) Ingest(path string, kind Kind, oldPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(path, kind, oldPath, time.Now())
}

// PendingCount returns the number of paths waiting for their window to close.
func (s *Scanner) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scanner) upsertLocked(path string, kind Kind, oldPath string, at time.Time) {
	if prev, ok := s.pending[path]; ok {
		s.pending[path] = merge(prev, kind, oldPath, at)
		return
	}
	s.pending[path] = pendingChange{at: at, kind: kind, oldPath: oldPath}
}

func (s *Scanner) handleEvent(event fsnotify.Event) {
	s.logger.Tracef("fsnotify event: %s op=%v", event.Name, event.Op)

	if event.Has(fsnotify.Create) && s.recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.addWatches(event.Name); err != nil {
				s.logger.WithError(err).Warnf("Failed to watch new directory %s", event.Name)
			}
		}
	}

	if !s.included(event.Name) {
		return
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case event.Has(fsnotify.Create):
		if old, ok := s.takeRenameLocked(event.Name, now); ok {
			kind, from := s.foldRenameLocked(old, event.Name)
			s.upsertLocked(event.Name, kind, from, now)
		} else {
			s.upsertLocked(event.Name, Created, "", now)
		}
	case event.Has(fsnotify.Remove):
		s.upsertLocked(event.Name, Deleted, "", now)
	case event.Has(fsnotify.Rename):
		s.renames = append(s.renames, stashedRename{path: event.Name, at: now})
	case event.Has(fsnotify.Write):
		s.upsertLocked(event.Name, Changed, "", now)
	}
}

// takeRenameLocked pairs a Create with the oldest stashed rename from the
// same directory that is still inside the debounce window.
func (s *Scanner) takeRenameLocked(path string, now time.Time) (string, bool) {
	dir := filepath.Dir(path)
	for i, r := range s.renames {
		if filepath.Dir(r.path) == dir && now.Sub(r.at) <= s.debounce && r.path != path {
			s.renames = append(s.renames[:i], s.renames[i+1:]...)
			return r.path, true
		}
	}
	return "", false
}

// foldRenameLocked drops the pending entry of a rename source and returns
// what the destination should record instead. A source created inside the
// window makes the destination a creation; a source that was itself renamed
// hands on its original path.
func (s *Scanner) foldRenameLocked(old, path string) (Kind, string) {
	prev, ok := s.pending[old]
	if !ok {
		return Renamed, old
	}
	delete(s.pending, old)

	switch {
	case prev.kind == Created:
		return Created, ""
	case prev.kind == Renamed && prev.oldPath == path:
		return Changed, ""
	case prev.kind == Renamed && prev.oldPath != "":
		return Renamed, prev.oldPath
	}
	return Renamed, old
}

func (s *Scanner) included(path string) bool {
	if s.matcher == nil {
		return true
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	ok, err := s.matcher.MatchesOrParentMatches(filepath.ToSlash(rel))
	if err != nil {
		s.logger.WithError(err).Debugf("Pattern match failed for %s", rel)
		return false
	}
	return ok
}

func (s *Scanner) flushLoop(ctx context.Context) {
	interval := s.debounce / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, change := range s.flush(now) {
				select {
				case s.out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// flush removes and returns every entry quiet since before now-debounce,
// oldest first. Unpaired renames past the window become deletions.
func (s *Scanner) flush(now time.Time) []FileChange {
	cutoff := now.Add(-s.debounce)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.renames[:0]
	for _, r := range s.renames {
		if r.at.Before(cutoff) {
			s.upsertLocked(r.path, Deleted, "", r.at)
			continue
		}
		kept = append(kept, r)
	}
	s.renames = kept

	var out []FileChange
	for path, p := range s.pending {
		if p.at.Before(cutoff) {
			out = append(out, FileChange{Kind: p.kind, Path: path, OldPath: p.oldPath, At: p.at})
			delete(s.pending, path)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Path < out[j].Path
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

func (s *Scanner) overflow(ctx context.Context) {
	s.mu.Lock()
	dropped := len(s.pending) + len(s.renames)
	s.pending = make(map[string]pendingChange)
	s.renames = nil
	s.mu.Unlock()

	s.logger.WithField("dropped", dropped).Warn("OS event queue overflowed; consumers must rescan")

	select {
	case s.out <- FileChange{Kind: Overflow, Path: s.root, At: time.Now()}:
	case <-ctx.Done():
	}
}

func (s *Scanner) addWatches(dir string) error {
	if !s.recursive {
		return s.watcher.Add(dir)
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			return err
		}
		return nil
	})
}
