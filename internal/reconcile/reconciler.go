package reconcile

import (
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/snapshot"
)

// Pair names the two backends being kept in step.
type Pair struct {
	First  backend.ID
	Second backend.ID
}

// Other returns the backend of the pair that is not id.
func (p Pair) Other(id backend.ID) backend.ID {
	if id == p.First {
		return p.Second
	}
	return p.First
}

func (p Pair) Has(id backend.ID) bool {
	return id == p.First || id == p.Second
}

type Option func(*options)

type options struct {
	displace backend.ID
	ignore   *IgnoreRules
}

// WithDisplace selects the backend whose version is moved aside when both
// sides edited the same file. Defaults to the second backend of the pair.
func WithDisplace(id backend.ID) Option {
	return func(o *options) {
		o.displace = id
	}
}

// WithIgnore skips keys matched by rules.
func WithIgnore(rules *IgnoreRules) Option {
	return func(o *options) {
		o.ignore = rules
	}
}

func newOptions(pair Pair, opts []Option) options {
	o := options{displace: pair.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if !pair.Has(o.displace) {
		o.displace = pair.Second
	}
	return o
}

// Reconciler plans the actions that carry the changes between a previous and
// a current snapshot across a Pair. Planning reads only the snapshots.
type Reconciler struct {
	pair Pair
	options
}

func NewReconciler(pair Pair, opts ...Option) *Reconciler {
	return &Reconciler{pair: pair, options: newOptions(pair, opts)}
}

// Plan returns the actions in ascending key order, so a folder always comes
// before its contents.
func (r *Reconciler) Plan(prev, curr snapshot.Snapshot) []Action {
	prev, curr = snapshot.Normalize(prev, curr)
	first, second := r.pair.First, r.pair.Second

	var actions []Action
	for _, key := range curr.Keys() {
		if r.ignore.skip(key) {
			continue
		}

		ca := Classify(key, prev, curr, first)
		cb := Classify(key, prev, curr, second)
		if !ca.Changed && !cb.Changed {
			continue
		}

		slog.Debug("reconcile classify", "key", key,
			string(first), ca.describe(), string(second), cb.describe())

		if action, ok := r.decide(key, curr[key], ca, cb); ok {
			actions = append(actions, action)
		}
	}

	return pruneDeletes(actions)
}

func (r *Reconciler) decide(key string, entry *snapshot.Entry, ca, cb Change) (Action, bool) {
	first, second := r.pair.First, r.pair.Second

	switch {
	case ca.Changed && !cb.Changed:
		return propagate(key, entry, first, second, ca)
	case !ca.Changed && cb.Changed:
		return propagate(key, entry, second, first, cb)
	}

	switch {
	case ca.Created && cb.Created, ca.Modified && cb.Modified:
		return r.conflict(key, entry)
	case ca.Modified && cb.Deleted:
		return copyAction(key, entry, first, second), true
	case ca.Deleted && cb.Modified:
		return copyAction(key, entry, second, first), true
	}
	// deleted on both, or a combination with no defined outcome
	return Action{}, false
}

// propagate carries a change made only on from over to to.
func propagate(key string, entry *snapshot.Entry, from, to backend.ID, c Change) (Action, bool) {
	switch {
	case c.Created, c.Modified:
		return copyAction(key, entry, from, to), true
	case c.Deleted:
		return deleteAction(key, entry, to), true
	}
	return Action{}, false
}

func (r *Reconciler) conflict(key string, entry *snapshot.Entry) (Action, bool) {
	if entry.IsFolder() {
		// folders have no content to diverge
		return Action{}, false
	}

	keep := r.pair.Other(r.displace)
	displaced := entry.On(r.displace)
	return Action{
		Kind:         ActionResolveConflict,
		Key:          key,
		Path:         entry.Path,
		Keep:         keep,
		Displace:     r.displace,
		DisplacedAt:  displaced.ModifiedAt,
		KeepSize:     entry.On(keep).Size,
		DisplaceSize: displaced.Size,
	}, true
}

// pruneDeletes drops folder deletes that would destroy the source of another
// action, then drops deletes already covered by a recursive delete of an
// ancestor folder on the same backend.
func pruneDeletes(actions []Action) []Action {
	// folder keys per backend that must survive because something is read
	// from below them
	sources := make(map[backend.ID]mapset.Set[string])
	for _, a := range actions {
		var read []backend.ID
		switch a.Kind {
		case ActionCopy:
			read = []backend.ID{a.From}
		case ActionResolveConflict:
			read = []backend.ID{a.Keep, a.Displace}
		}
		for _, id := range read {
			if sources[id] == nil {
				sources[id] = mapset.NewThreadUnsafeSet[string]()
			}
			sources[id].Append(backend.ParentFolders(a.Key)...)
		}
	}

	kept := actions[:0:0]
	deleted := make(map[backend.ID]mapset.Set[string])
	for _, a := range actions {
		if a.Kind == ActionDelete && a.IsFolder() && sources[a.On] != nil && sources[a.On].Contains(a.Key) {
			slog.Debug("reconcile keep folder", "key", a.Key, "backend", a.On)
			continue
		}
		kept = append(kept, a)
		if a.Kind == ActionDelete && a.IsFolder() {
			if deleted[a.On] == nil {
				deleted[a.On] = mapset.NewThreadUnsafeSet[string]()
			}
			deleted[a.On].Add(a.Key)
		}
	}

	out := kept[:0:0]
	for _, a := range kept {
		if a.Kind == ActionDelete && deleted[a.On] != nil && deleted[a.On].ContainsAny(backend.ParentFolders(a.Key)...) {
			continue
		}
		out = append(out, a)
	}
	return out
}
