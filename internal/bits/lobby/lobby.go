// Package lobby mirrors the files of a watched directory.
package lobby

import (
	"context"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/internal/bits/vitals"
	"github.com/grovetools/bithost/internal/host"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/grovetools/bithost/pkg/fswatch"
	"github.com/grovetools/bithost/pkg/procwatch"
	"github.com/grovetools/bithost/pkg/scheduler"
	"github.com/grovetools/bithost/pkg/store"
	"github.com/grovetools/bithost/util/pathutil"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"
)

// Name is the bit's config key.
const Name = "lobby"

// FileChanged carries every debounced change under the lobby directory.
var FileChanged = bus.NewTopic[fswatch.FileChange](Name, "file_changed")

// Config is the bits.lobby section.
type Config struct {
	Dir         string        `yaml:"dir"`
	Patterns    []string      `yaml:"patterns"`
	Debounce    time.Duration `yaml:"debounce"`
	Recursive   bool          `yaml:"recursive"`
	ClearOnExit bool          `yaml:"clear_on_exit"`
	// Resync re-lists the directory on this interval to catch events the
	// OS dropped without reporting an overflow. Zero disables it.
	Resync time.Duration `yaml:"resync"`
}

// File is one entry of the lobby.
type File struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// State is the bit's snapshot. Files are keyed by slash path relative to
// the directory.
type State struct {
	Dir        string              `json:"dir"`
	Files      map[string]File     `json:"files"`
	LastChange *fswatch.FileChange `json:"last_change,omitempty"`
	Changes    int                 `json:"changes"`
	Overflows  int                 `json:"overflows"`
	Cleared    int                 `json:"cleared"`
}

func cloneState(s State) State {
	s.Files = maps.Clone(s.Files)
	if s.LastChange != nil {
		change := *s.LastChange
		s.LastChange = &change
	}
	return s
}

// Bit watches one directory.
type Bit struct {
	bus    *bus.Bus
	logger *logrus.Entry
	store  *store.Store[State]
	sub    bus.SubscriptionID
}

// NewFactory returns the host factory for the lobby bit.
func NewFactory() host.Factory {
	return func(deps host.Deps) (host.Bit, error) {
		opts := append(host.StoreOptions[State](deps), store.WithCloner[State](cloneState))
		return &Bit{
			bus:    deps.Bus,
			logger: deps.Logger,
			store:  store.New(Name, State{Files: map[string]File{}}, deps.Logger, opts...),
		}, nil
	}
}

func (b *Bit) Name() string { return Name }

// Configure installs the directory scanner and, when asked, clears the
// lobby whenever the watched process stops.
func (b *Bit) Configure(env *host.Env) error {
	cfg := Config{Debounce: fswatch.DefaultDebounce}
	if err := env.Decode(&cfg); err != nil {
		return err
	}
	if cfg.Dir == "" {
		return errors.InvalidInput("bits.lobby.dir", "must name a directory")
	}
	dir, err := pathutil.CanonicalPath(cfg.Dir)
	if err != nil {
		return errors.InvalidInput("bits.lobby.dir", err.Error())
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return errors.InvalidInput("bits.lobby.dir", "not a directory: "+dir)
	}

	var matcher *patternmatcher.PatternMatcher
	if len(cfg.Patterns) > 0 {
		if matcher, err = patternmatcher.New(cfg.Patterns); err != nil {
			return errors.InvalidInput("bits.lobby.patterns", err.Error())
		}
	}

	if b.sub != 0 {
		b.bus.Unsubscribe(b.sub)
		b.sub = 0
	}

	opts := []fswatch.Option{
		fswatch.WithDebounce(cfg.Debounce),
		fswatch.WithRecursive(cfg.Recursive),
	}
	if len(cfg.Patterns) > 0 {
		opts = append(opts, fswatch.WithPatterns(cfg.Patterns))
	}

	l := &lister{dir: dir, recursive: cfg.Recursive, matcher: matcher}

	if cfg.Resync > 0 {
		resync := scheduler.WithRetry(func(ctx context.Context) error {
			return b.rescan(l, false)
		}, scheduler.DefaultRetryPolicy())
		if err := env.SchedulePeriodic("resync", cfg.Resync, resync, false); err != nil {
			return err
		}
	}

	err = env.AddRunner("scanner", func(ctx context.Context) error {
		scanner, err := fswatch.New(dir, b.logger, opts...)
		if err != nil {
			return err
		}
		errCh := make(chan error, 1)
		go func() { errCh <- scanner.Run(ctx) }()

		_ = b.rescan(l, false)
		for change := range scanner.Changes() {
			b.apply(ctx, l, change)
		}
		return <-errCh
	})
	if err != nil {
		return err
	}

	// A failed Configure must leave no subscription behind.
	if cfg.ClearOnExit {
		b.sub = vitals.ProcessChanged.Subscribe(b.bus, b.clearOnStop)
	}
	return nil
}

func (b *Bit) clearOnStop(ctx context.Context, change procwatch.ProcessChange, md bus.Metadata) {
	if change.Kind != procwatch.Stopped {
		return
	}
	_ = b.store.Update(func(s *State) error {
		if len(s.Files) > 0 {
			s.Files = map[string]File{}
			s.Cleared++
		}
		return nil
	})
}

func (b *Bit) apply(ctx context.Context, l *lister, change fswatch.FileChange) {
	if change.Kind == fswatch.Overflow {
		b.logger.Warn("Event queue overflowed; rescanning lobby")
		_ = b.rescan(l, true)
		FileChanged.Publish(ctx, b.bus, change, bus.WithSource(Name))
		return
	}

	rel, ok := l.rel(change.Path)
	if !ok {
		return
	}
	var oldRel string
	if change.OldPath != "" {
		oldRel, _ = l.rel(change.OldPath)
	}

	var (
		file   File
		exists bool
	)
	if change.Kind != fswatch.Deleted {
		if info, err := os.Stat(change.Path); err == nil && !info.IsDir() {
			file, exists = File{Size: info.Size(), ModTime: info.ModTime()}, true
		}
	}

	err := b.store.Update(func(s *State) error {
		if oldRel != "" {
			delete(s.Files, oldRel)
		}
		if exists {
			s.Files[rel] = file
		} else {
			delete(s.Files, rel)
		}
		c := change
		s.LastChange = &c
		s.Changes++
		return nil
	})
	if err != nil {
		return
	}
	FileChanged.Publish(ctx, b.bus, change, bus.WithSource(Name))
}

// rescan replaces the file set with a fresh listing of the directory.
func (b *Bit) rescan(l *lister, overflow bool) error {
	files, err := l.list()
	if err != nil {
		b.logger.WithError(err).Warn("Failed to list lobby")
		return err
	}
	return b.store.Update(func(s *State) error {
		s.Dir = l.dir
		s.Files = files
		if overflow {
			s.Overflows++
		}
		return nil
	})
}

func (b *Bit) Snapshot() any { return b.store.Snapshot() }

func (b *Bit) Watch(ctx context.Context) <-chan any {
	return host.Forward(ctx, b.store.Watch(ctx))
}

func (b *Bit) Close(ctx context.Context) error {
	if b.sub != 0 {
		b.bus.Unsubscribe(b.sub)
	}
	return b.store.Close(ctx)
}

// lister walks the lobby with the same filter the scanner applies.
type lister struct {
	dir       string
	recursive bool
	matcher   *patternmatcher.PatternMatcher
}

func (l *lister) rel(path string) (string, bool) {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (l *lister) included(rel string) bool {
	if l.matcher == nil {
		return true
	}
	ok, err := l.matcher.MatchesOrParentMatches(rel)
	return err == nil && ok
}

func (l *lister) list() (map[string]File, error) {
	files := make(map[string]File)
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.dir && !l.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := l.rel(path)
		if !ok || !l.included(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[rel] = File{Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	return files, err
}
