// Package reconcile decides, from a previous and a current snapshot, which
// copies, deletes and conflict resolutions bring two backends back in step,
// and executes them.
package reconcile

import (
	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/snapshot"
)

// Change is how one path moved on one backend between two snapshots. When
// Changed is true, exactly one of Created, Modified or Deleted is true.
type Change struct {
	Changed  bool
	Created  bool
	Modified bool
	Deleted  bool
}

// Classify compares key on backend id between prev and curr. A key missing
// from a snapshot reads as absent. Folders are only ever created or deleted.
func Classify(key string, prev, curr snapshot.Snapshot, id backend.ID) Change {
	before, after := presence(prev, key, id), presence(curr, key, id)
	folder := snapshot.IsFolderKey(key)

	c := Change{
		Created: !before.Exists && after.Exists,
		Deleted: before.Exists && !after.Exists,
	}
	if !folder && before.Exists && after.Exists {
		c.Modified = !snapshot.SameTime(before.ModifiedAt, after.ModifiedAt)
	}
	c.Changed = c.Created || c.Deleted || c.Modified
	return c
}

func (c Change) describe() string {
	switch {
	case c.Created:
		return "created"
	case c.Modified:
		return "modified"
	case c.Deleted:
		return "deleted"
	}
	return "unchanged"
}

func presence(s snapshot.Snapshot, key string, id backend.ID) snapshot.Presence {
	if e, ok := s[key]; ok {
		return e.On(id)
	}
	return snapshot.Absent()
}
