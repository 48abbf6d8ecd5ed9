package fswatch

import (
	"fmt"
	"time"
)

// Kind classifies a coalesced filesystem change.
type Kind int

const (
	Created Kind = iota + 1
	Changed
	Deleted
	Renamed
	// Overflow means the OS watcher dropped events; rescan Path yourself.
	Overflow
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	case Overflow:
		return "overflow"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText lets FileChange render kinds by name in JSON and logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// FileChange is one flushed, coalesced change.
type FileChange struct {
	Kind    Kind      `json:"kind"`
	Path    string    `json:"path"`
	OldPath string    `json:"old_path,omitempty"`
	At      time.Time `json:"at"`
}

type pendingChange struct {
	at      time.Time
	kind    Kind
	oldPath string
}

// merge folds a newer raw event into an existing pending entry.
func merge(prev pendingChange, kind Kind, oldPath string, at time.Time) pendingChange {
	next := pendingChange{at: at, kind: kind, oldPath: oldPath}

	switch {
	case kind == Deleted:
		next.oldPath = ""
	case kind == Changed && (prev.kind == Created || prev.kind == Renamed):
		next.kind = prev.kind
		next.oldPath = prev.oldPath
	case next.kind == Renamed && next.oldPath == "":
		next.oldPath = prev.oldPath
	}
	return next
}
