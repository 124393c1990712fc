package reconcile

import (
	"github.com/openmined/twinsync/internal/snapshot"
)

// Seeder plans a first run, when no previous snapshot can be trusted. It only
// fills gaps: a path present on exactly one backend is copied to the other,
// and paths present on both are assumed consistent.
type Seeder struct {
	pair Pair
	options
}

func NewSeeder(pair Pair, opts ...Option) *Seeder {
	return &Seeder{pair: pair, options: newOptions(pair, opts)}
}

func (s *Seeder) Plan(curr snapshot.Snapshot) []Action {
	first, second := s.pair.First, s.pair.Second

	var actions []Action
	for _, key := range curr.Keys() {
		if s.ignore.skip(key) {
			continue
		}
		entry := curr[key]
		onFirst, onSecond := entry.On(first).Exists, entry.On(second).Exists
		switch {
		case onFirst && !onSecond:
			actions = append(actions, copyAction(key, entry, first, second))
		case !onFirst && onSecond:
			actions = append(actions, copyAction(key, entry, second, first))
		}
	}
	return actions
}
