package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/utils"
)

const (
	StateFileJSON   = "state.json"
	StateFileSQLite = "state.db"

	fieldName     = "name"
	fieldPath     = "path"
	fieldExistent = "existent"
	fieldTime     = "time"
)

var ErrCorruptState = errors.New("snapshot: corrupt persisted state")

// Store persists the baseline snapshot between runs.
type Store interface {
	// Load returns the saved snapshot; found is false when nothing has been
	// saved yet.
	Load(ctx context.Context) (snap Snapshot, found bool, err error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// ReservedID reports whether id would collide with an entry field in the
// persisted layout.
func ReservedID(id backend.ID) bool {
	return id == fieldName || id == fieldPath
}

// JSONStore keeps the snapshot in a single indented JSON document:
//
//	{"/docs/a.txt": {"name": "a.txt", "path": "/Docs/a.txt",
//	  "a": {"existent": true, "time": "20240101120000"},
//	  "b": {"existent": false, "time": null}}}
type JSONStore struct {
	path string
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore stores state.json inside dir.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{path: filepath.Join(dir, StateFileJSON)}
}

func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) Load(_ context.Context) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read state %s: %w", s.path, err)
	}

	var doc map[string]map[string]any
	if err := jsonUnmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrCorruptState, s.path, err)
	}

	snap := make(Snapshot, len(doc))
	for key, fields := range doc {
		entry, err := decodeEntry(fields)
		if err != nil {
			return nil, false, fmt.Errorf("%w: key %q: %w", ErrCorruptState, key, err)
		}
		snap[key] = entry
	}
	return snap, true, nil
}

func (s *JSONStore) Save(_ context.Context, snap Snapshot) error {
	doc := make(map[string]map[string]any, len(snap))
	for key, entry := range snap {
		fields := map[string]any{
			fieldName: entry.Name,
			fieldPath: entry.Path,
		}
		for id, p := range entry.Backends {
			var t any
			if p.ModifiedAt != nil {
				t = FormatTime(p.ModifiedAt)
			}
			fields[string(id)] = map[string]any{fieldExistent: p.Exists, fieldTime: t}
		}
		doc[key] = fields
	}

	data, err := jsonMarshalIndent(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	return nil
}

func (s *JSONStore) Close() error {
	return nil
}

func decodeEntry(fields map[string]any) (*Entry, error) {
	name, ok := fields[fieldName].(string)
	if !ok {
		return nil, fmt.Errorf("missing %q", fieldName)
	}
	path, ok := fields[fieldPath].(string)
	if !ok {
		return nil, fmt.Errorf("missing %q", fieldPath)
	}

	entry := NewEntry(name, path)
	for field, raw := range fields {
		if field == fieldName || field == fieldPath {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("backend %q: not an object", field)
		}
		exists, _ := obj[fieldExistent].(bool)
		p := Presence{Exists: exists}
		if ts, ok := obj[fieldTime].(string); ok && ts != "" {
			t, err := ParseTime(ts)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", field, err)
			}
			p.ModifiedAt = &t
		}
		entry.Backends[backend.ID(field)] = p
	}
	return entry, nil
}

// ParseTime parses a TimeFormat timestamp as UTC.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeFormat, s, time.UTC)
}
