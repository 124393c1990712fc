package reconcile

import (
	"testing"
	"time"

	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/stretchr/testify/assert"
)

var (
	t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

// snap builds a snapshot from key -> per backend state. A nil time means
// absent.
func snap(entries map[string]map[backend.ID]*time.Time) snapshot.Snapshot {
	s := make(snapshot.Snapshot, len(entries))
	for key, sides := range entries {
		e := snapshot.NewEntry(backend.BaseName(key), key)
		for id, ts := range sides {
			if ts == nil {
				e.Backends[id] = snapshot.Absent()
				continue
			}
			e.Backends[id] = snapshot.Present(*ts)
		}
		s[key] = e
	}
	return s
}

func at(t time.Time) *time.Time { return &t }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		key  string
		prev *time.Time
		curr *time.Time
		want Change
	}{
		{"unchanged file", "/f.txt", at(t0), at(t0), Change{}},
		{"absent both", "/f.txt", nil, nil, Change{}},
		{"created file", "/f.txt", nil, at(t0), Change{Changed: true, Created: true}},
		{"deleted file", "/f.txt", at(t0), nil, Change{Changed: true, Deleted: true}},
		{"modified file", "/f.txt", at(t0), at(t1), Change{Changed: true, Modified: true}},
		{"created folder", "/d/", nil, at(t0), Change{Changed: true, Created: true}},
		{"deleted folder", "/d/", at(t0), nil, Change{Changed: true, Deleted: true}},
		{"folder time ignored", "/d/", at(t0), at(t1), Change{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := snap(map[string]map[backend.ID]*time.Time{tt.key: {"a": tt.prev}})
			curr := snap(map[string]map[backend.ID]*time.Time{tt.key: {"a": tt.curr}})
			assert.Equal(t, tt.want, Classify(tt.key, prev, curr, "a"))
		})
	}
}

func TestClassify_MissingKeyReadsAbsent(t *testing.T) {
	curr := snap(map[string]map[backend.ID]*time.Time{"/new.txt": {"a": at(t0)}})
	got := Classify("/new.txt", snapshot.Snapshot{}, curr, "a")
	assert.Equal(t, Change{Changed: true, Created: true}, got)

	got = Classify("/new.txt", snapshot.Snapshot{}, curr, "b")
	assert.Equal(t, Change{}, got)
}
