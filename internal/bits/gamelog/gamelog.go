// Package gamelog follows a log file and keeps running line statistics.
package gamelog

import (
	"context"
	"io"
	stdlog "log"
	"regexp"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/internal/host"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/grovetools/bithost/pkg/store"
	"github.com/grovetools/bithost/util/pathutil"
	"github.com/hpcloud/tail"
	"github.com/sirupsen/logrus"
)

// Name is the bit's config key.
const Name = "gamelog"

// LineMatched carries every line that matches the configured pattern.
var LineMatched = bus.NewTopic[Line](Name, "line_matched")

// Line is one matched log line.
type Line struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Config is the bits.gamelog section.
type Config struct {
	Path string `yaml:"path"`
	// Match is a regular expression; matching lines are counted and published.
	Match string `yaml:"match"`
	// Window is how often the lines-per-minute rate is recomputed.
	Window time.Duration `yaml:"window"`
	// FromStart reads the existing file content instead of only new lines.
	FromStart bool `yaml:"from_start"`
}

// State is the bit's snapshot.
type State struct {
	Path           string    `json:"path"`
	Lines          int       `json:"lines"`
	Matches        int       `json:"matches"`
	LastLine       string    `json:"last_line,omitempty"`
	LastMatch      string    `json:"last_match,omitempty"`
	LinesPerMinute float64   `json:"lines_per_minute"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`

	windowLines int
}

// Bit tails one log file.
type Bit struct {
	bus    *bus.Bus
	logger *logrus.Entry
	store  *store.Store[State]
}

// NewFactory returns the host factory for the gamelog bit.
func NewFactory() host.Factory {
	return func(deps host.Deps) (host.Bit, error) {
		return &Bit{
			bus:    deps.Bus,
			logger: deps.Logger,
			store:  store.New(Name, State{}, deps.Logger, host.StoreOptions[State](deps)...),
		}, nil
	}
}

func (b *Bit) Name() string { return Name }

// Configure starts a tail runner and the rate task.
func (b *Bit) Configure(env *host.Env) error {
	cfg := Config{Window: time.Minute}
	if err := env.Decode(&cfg); err != nil {
		return err
	}
	if cfg.Path == "" {
		return errors.InvalidInput("bits.gamelog.path", "must name a file")
	}
	if cfg.Window <= 0 {
		return errors.InvalidInput("bits.gamelog.window", "must be positive")
	}
	path, err := pathutil.Expand(cfg.Path)
	if err != nil {
		return errors.InvalidInput("bits.gamelog.path", err.Error())
	}
	cfg.Path = path

	var match *regexp.Regexp
	if cfg.Match != "" {
		if match, err = regexp.Compile(cfg.Match); err != nil {
			return errors.InvalidInput("bits.gamelog.match", err.Error())
		}
	}

	if err := b.store.Update(func(s *State) error {
		// Reading from the start again would count every line twice.
		if s.Path != cfg.Path || cfg.FromStart {
			*s = State{Path: cfg.Path}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := env.AddRunner("tail", func(ctx context.Context) error {
		return b.follow(ctx, cfg, match)
	}); err != nil {
		return err
	}

	perMinute := float64(time.Minute) / float64(cfg.Window)
	return env.SchedulePeriodic("rate", cfg.Window, func(ctx context.Context) error {
		return b.store.Update(func(s *State) error {
			s.LinesPerMinute = float64(s.Lines-s.windowLines) * perMinute
			s.windowLines = s.Lines
			return nil
		})
	}, false)
}

// follow tails the file until ctx is done. The file may not exist yet.
func (b *Bit) follow(ctx context.Context, cfg Config, match *regexp.Regexp) error {
	whence := io.SeekEnd
	if cfg.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(cfg.Path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return err
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				b.logger.WithError(line.Err).Warn("Tail error")
				continue
			}
			b.record(ctx, line, match)
		}
	}
}

func (b *Bit) record(ctx context.Context, line *tail.Line, match *regexp.Regexp) {
	matched := match != nil && match.MatchString(line.Text)
	err := b.store.Update(func(s *State) error {
		s.Lines++
		s.LastLine = line.Text
		s.UpdatedAt = line.Time
		if matched {
			s.Matches++
			s.LastMatch = line.Text
		}
		return nil
	})
	if err == nil && matched {
		LineMatched.Publish(ctx, b.bus, Line{Text: line.Text, At: line.Time}, bus.WithSource(Name))
	}
}

func (b *Bit) Snapshot() any { return b.store.Snapshot() }

func (b *Bit) Watch(ctx context.Context) <-chan any {
	return host.Forward(ctx, b.store.Watch(ctx))
}

func (b *Bit) Close(ctx context.Context) error {
	return b.store.Close(ctx)
}
