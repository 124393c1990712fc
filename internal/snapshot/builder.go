package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/twinsync/internal/backend"
	"golang.org/x/sync/errgroup"
)

var ErrListing = errors.New("snapshot: listing failed")

// Builder produces a Snapshot from live backend listings.
type Builder struct {
	now func() time.Time
}

type BuilderOption func(*Builder)

// WithClock overrides the run-start clock used to stamp folders.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build lists every backend concurrently and merges the results once all
// listings have completed. Any listing failure fails the whole build.
func (b *Builder) Build(ctx context.Context, listers ...backend.Lister) (Snapshot, error) {
	runStart := b.now()
	listings := make([][]backend.Object, len(listers))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, l := range listers {
		eg.Go(func() error {
			tStart := time.Now()
			objects, err := l.List(egCtx)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrListing, l.ID(), err)
			}
			slog.Debug("snapshot list", "backend", l.ID(), "objects", len(objects), "took", time.Since(tStart))
			listings[i] = objects
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	snap := make(Snapshot)
	for i, l := range listers {
		for _, obj := range listings[i] {
			snap.upsert(l.ID(), obj, runStart)
		}
	}
	return snap, nil
}

func (s Snapshot) upsert(id backend.ID, obj backend.Object, runStart time.Time) {
	path := backend.CleanPath(obj.Path)
	if obj.IsFolder {
		path = backend.FolderPath(path)
	}
	key := Key(path, obj.IsFolder)
	if IsRoot(key) {
		return
	}

	entry, ok := s[key]
	if !ok {
		entry = NewEntry(backend.BaseName(path), path)
		s[key] = entry
	} else if entry.On(id).Exists {
		slog.Warn("snapshot case collision", "backend", id, "key", key, "path", path, "kept", entry.Path)
	}

	if obj.IsFolder {
		// folders have no independent timestamp, "observed present now"
		entry.Backends[id] = Present(runStart)
		return
	}

	p := Present(obj.ModifiedAt)
	p.Size = obj.Size
	entry.Backends[id] = p
}
