// Package snapshot models the state of a synchronized pair of namespaces at
// one point in time: which paths exist on which backend, and when each file
// was last modified.
package snapshot

import (
	"sort"
	"strings"
	"time"

	"github.com/openmined/twinsync/internal/backend"
)

// TimeFormat is the second-granularity layout used for persisted timestamps
// and conflict copy names.
const TimeFormat = "20060102150405"

// Presence is the state of one path on one backend.
type Presence struct {
	Exists     bool
	ModifiedAt *time.Time
	// Size is filled by the Builder for files; it is zero when unknown and is
	// not persisted.
	Size int64
}

// Absent is the presence of a path a backend does not have.
func Absent() Presence {
	return Presence{}
}

// Present returns an existing presence stamped with t at second granularity.
func Present(t time.Time) Presence {
	ts := Truncate(t)
	return Presence{Exists: true, ModifiedAt: &ts}
}

// Truncate converts t to UTC with one-second granularity.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// SameTime reports whether both timestamps are unset or equal.
func SameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// FormatTime renders t in TimeFormat, or "" when t is nil.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// Entry is one logical path known to the pair.
type Entry struct {
	// Name is the final path segment, original case preserved
	Name string
	// Path is rooted at "/", original case preserved; folders end with "/"
	Path     string
	Backends map[backend.ID]Presence
}

// NewEntry returns an entry that is absent on every backend.
func NewEntry(name, path string) *Entry {
	return &Entry{
		Name:     name,
		Path:     path,
		Backends: make(map[backend.ID]Presence),
	}
}

// On returns the presence on id; unknown backends read as absent.
func (e *Entry) On(id backend.ID) Presence {
	if p, ok := e.Backends[id]; ok {
		return p
	}
	return Absent()
}

func (e *Entry) IsFolder() bool {
	return backend.IsFolderPath(e.Path)
}

func (e *Entry) clone() *Entry {
	c := NewEntry(e.Name, e.Path)
	for id, p := range e.Backends {
		c.Backends[id] = p
	}
	return c
}

// Snapshot maps normalized keys to entries. A built snapshot is treated as
// read-only; operations that change key sets return new snapshots.
type Snapshot map[string]*Entry

// Key returns the normalized key of a backend path: separator-normalized,
// rooted, lower-cased, with folders suffixed by "/".
func Key(path string, isFolder bool) string {
	p := backend.CleanPath(path)
	if isFolder {
		p = backend.FolderPath(p)
	}
	return strings.ToLower(p)
}

// IsRoot reports whether key names the sync root itself.
func IsRoot(key string) bool {
	return key == "" || key == backend.Separator
}

// IsFolderKey reports whether key names a folder.
func IsFolderKey(key string) bool {
	return backend.IsFolderPath(key)
}

// Keys returns the snapshot keys in ascending order, so folders sort before
// their contents.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy whose entries can be replaced without touching s.
func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, e := range s {
		c[k] = e.clone()
	}
	return c
}
