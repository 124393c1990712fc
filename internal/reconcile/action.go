package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/snapshot"
)

type ActionKind string

const (
	// ActionCopy replicates Path from From onto To, overwriting
	ActionCopy ActionKind = "copy"
	// ActionDelete removes Path, with its subtree, from On
	ActionDelete ActionKind = "delete"
	// ActionResolveConflict keeps both versions of a file edited on both sides
	ActionResolveConflict ActionKind = "resolve-conflict"
)

// Action is one decided step. Which fields are set depends on Kind.
type Action struct {
	Kind ActionKind
	Key  string
	Path string

	// copy
	From backend.ID
	To   backend.ID

	// delete
	On backend.ID

	// conflict: Keep's version stays at Path, Displace's version is moved aside
	Keep         backend.ID
	Displace     backend.ID
	DisplacedAt  *time.Time
	KeepSize     int64
	DisplaceSize int64
}

func copyAction(key string, entry *snapshot.Entry, from, to backend.ID) Action {
	return Action{Kind: ActionCopy, Key: key, Path: entry.Path, From: from, To: to}
}

func deleteAction(key string, entry *snapshot.Entry, on backend.ID) Action {
	return Action{Kind: ActionDelete, Key: key, Path: entry.Path, On: on}
}

// IsFolder reports whether the action targets a folder.
func (a Action) IsFolder() bool {
	return backend.IsFolderPath(a.Path)
}

// ConflictPath is the name the displaced version is moved to, e.g.
// "/notes.txt (NextCloud - 20240101120000)".
func (a Action) ConflictPath(label string) string {
	return ConflictPath(a.Path, label, a.DisplacedAt)
}

// ConflictPath appends the displaced backend's label and the displaced
// version's modification time to path.
func ConflictPath(path, label string, displacedAt *time.Time) string {
	ts := snapshot.FormatTime(displacedAt)
	if ts == "" {
		ts = "unknown"
	}
	return fmt.Sprintf("%s (%s - %s)", strings.TrimSuffix(path, backend.Separator), label, ts)
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCopy:
		return fmt.Sprintf("copy %s %s -> %s", a.Path, a.From, a.To)
	case ActionDelete:
		return fmt.Sprintf("delete %s on %s", a.Path, a.On)
	case ActionResolveConflict:
		return fmt.Sprintf("resolve-conflict %s keep %s displace %s", a.Path, a.Keep, a.Displace)
	default:
		return fmt.Sprintf("%s %s", a.Kind, a.Path)
	}
}
