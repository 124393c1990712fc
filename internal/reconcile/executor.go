package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/twinsync/internal/backend"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDigestUnavailable = errors.New("reconcile: content digest unavailable")
	ErrUnknownBackend    = errors.New("reconcile: unknown backend")
)

// Executor carries out planned actions against live backends.
type Executor struct {
	backends map[backend.ID]backend.Backend
	tmpDir   string
	workers  int
	dryRun   bool
	verbose  bool
	logger   *slog.Logger
}

type ExecutorOption func(*Executor)

// WithWorkers runs up to n actions at once. Values below 1 mean 1.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		e.workers = max(n, 1)
	}
}

// WithDryRun logs every action and performs read-only work such as digests,
// but issues no mutating call.
func WithDryRun(dryRun bool) ExecutorOption {
	return func(e *Executor) {
		e.dryRun = dryRun
	}
}

// WithVerbose logs every action at INFO before it runs.
func WithVerbose(verbose bool) ExecutorOption {
	return func(e *Executor) {
		e.verbose = verbose
	}
}

// WithTempDir sets where file copies are staged. Defaults to os.TempDir.
func WithTempDir(dir string) ExecutorOption {
	return func(e *Executor) {
		e.tmpDir = dir
	}
}

func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

func NewExecutor(backends []backend.Backend, opts ...ExecutorOption) *Executor {
	e := &Executor{
		backends: make(map[backend.ID]backend.Backend, len(backends)),
		workers:  1,
		logger:   slog.Default(),
	}
	for _, b := range backends {
		e.backends[b.ID()] = b
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes an execution.
type Result struct {
	Copied    atomic.Int64
	Deleted   atomic.Int64
	Conflicts atomic.Int64
	// Converged counts conflicts whose two versions turned out identical
	Converged atomic.Int64
	Bytes     atomic.Int64
	DryRun    bool
	Took      time.Duration
}

func (r *Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("copied", r.Copied.Load()),
		slog.Int64("deleted", r.Deleted.Load()),
		slog.Int64("conflicts", r.Conflicts.Load()),
		slog.Int64("converged", r.Converged.Load()),
		slog.String("transferred", humanize.Bytes(uint64(r.Bytes.Load()))),
		slog.Bool("dryRun", r.DryRun),
		slog.Duration("took", r.Took),
	)
}

// Execute runs actions up to the configured number at a time. Deletes run
// first, as a phase of their own, so a path that turned from file to folder
// (or back) is cleared before its replacement is written. Within a phase
// actions start in order. The first failure stops the run and is returned;
// nothing is retried or rolled back.
func (e *Executor) Execute(ctx context.Context, actions []Action) (*Result, error) {
	res := &Result{DryRun: e.dryRun}
	tStart := time.Now()
	defer func() { res.Took = time.Since(tStart) }()

	for _, a := range actions {
		if err := e.check(a); err != nil {
			return res, err
		}
	}

	deletes, writes := splitDeletes(actions)
	for _, phase := range [][]Action{deletes, writes} {
		if err := e.runPhase(ctx, phase, res); err != nil {
			return res, err
		}
	}
	return res, ctx.Err()
}

func (e *Executor) runPhase(ctx context.Context, actions []Action, res *Result) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for _, a := range actions {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			// a slot may free up only after another action failed
			if err := egCtx.Err(); err != nil {
				return err
			}
			return e.run(egCtx, a, res)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// splitDeletes partitions actions into deletes and everything else, keeping
// the relative order of both.
func splitDeletes(actions []Action) (deletes, writes []Action) {
	for _, a := range actions {
		if a.Kind == ActionDelete {
			deletes = append(deletes, a)
		} else {
			writes = append(writes, a)
		}
	}
	return deletes, writes
}

func (e *Executor) check(a Action) error {
	var ids []backend.ID
	switch a.Kind {
	case ActionCopy:
		ids = []backend.ID{a.From, a.To}
	case ActionDelete:
		ids = []backend.ID{a.On}
	case ActionResolveConflict:
		ids = []backend.ID{a.Keep, a.Displace}
	default:
		return fmt.Errorf("reconcile: unknown action kind %q", a.Kind)
	}
	for _, id := range ids {
		if _, ok := e.backends[id]; !ok {
			return fmt.Errorf("%w: %q in %s", ErrUnknownBackend, id, a)
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, a Action, res *Result) error {
	switch a.Kind {
	case ActionCopy:
		return e.copy(ctx, a, res)
	case ActionDelete:
		return e.delete(ctx, a, res)
	default:
		return e.resolveConflict(ctx, a, res)
	}
}

func (e *Executor) copy(ctx context.Context, a Action, res *Result) error {
	from, to := e.backends[a.From], e.backends[a.To]
	e.log("sync copy", "path", a.Path, "from", a.From, "to", a.To)
	if e.dryRun {
		res.Copied.Add(1)
		return nil
	}

	n, err := backend.Copy(ctx, from, to, a.Path, a.Path, e.tmpDir)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", ActionCopy, a.Path, a.To, err)
	}
	res.Copied.Add(1)
	res.Bytes.Add(n)
	return nil
}

func (e *Executor) delete(ctx context.Context, a Action, res *Result) error {
	on := e.backends[a.On]
	e.log("sync delete", "path", a.Path, "on", a.On)
	if e.dryRun {
		res.Deleted.Add(1)
		return nil
	}

	if err := on.Delete(ctx, a.Path); err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("%s %s on %s: %w", ActionDelete, a.Path, a.On, err)
		}
		e.logger.Debug("sync delete already gone", "path", a.Path, "on", a.On)
	}
	res.Deleted.Add(1)
	return nil
}

func (e *Executor) resolveConflict(ctx context.Context, a Action, res *Result) error {
	keep, displace := e.backends[a.Keep], e.backends[a.Displace]

	differ, err := e.versionsDiffer(ctx, a, keep, displace)
	if err != nil {
		return err
	}
	if !differ {
		e.log("sync conflict converged", "path", a.Path)
		res.Converged.Add(1)
		return nil
	}

	conflictPath := a.ConflictPath(displace.Label())
	e.log("sync conflict", "path", a.Path, "keep", a.Keep, "displace", a.Displace, "conflictPath", conflictPath)
	if e.dryRun {
		res.Conflicts.Add(1)
		return nil
	}

	if err := displace.Move(ctx, a.Path, conflictPath); err != nil {
		return fmt.Errorf("%s %s on %s: move aside: %w", ActionResolveConflict, a.Path, a.Displace, err)
	}
	n, err := backend.Copy(ctx, keep, displace, a.Path, a.Path, e.tmpDir)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", ActionResolveConflict, a.Path, a.Displace, err)
	}
	res.Bytes.Add(n)
	n, err = backend.Copy(ctx, displace, keep, conflictPath, conflictPath, e.tmpDir)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", ActionResolveConflict, conflictPath, a.Keep, err)
	}
	res.Bytes.Add(n)
	res.Conflicts.Add(1)
	return nil
}

// versionsDiffer compares the two versions of a conflicting file. Known and
// different sizes settle it without reading any content.
func (e *Executor) versionsDiffer(ctx context.Context, a Action, keep, displace backend.Backend) (bool, error) {
	if a.KeepSize > 0 && a.DisplaceSize > 0 && a.KeepSize != a.DisplaceSize {
		e.logger.Debug("sync conflict sizes differ", "path", a.Path, "keepSize", a.KeepSize, "displaceSize", a.DisplaceSize)
		return true, nil
	}

	var keepSum, displaceSum string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		keepSum, err = digest(egCtx, keep, a.Path)
		return err
	})
	eg.Go(func() (err error) {
		displaceSum, err = digest(egCtx, displace, a.Path)
		return err
	})
	if err := eg.Wait(); err != nil {
		return false, err
	}

	e.logger.Debug("sync conflict digests", "path", a.Path, string(a.Keep), keepSum, string(a.Displace), displaceSum)
	return keepSum != displaceSum, nil
}

func digest(ctx context.Context, b backend.Backend, path string) (string, error) {
	sum, err := backend.ContentDigest(ctx, b, path)
	if err != nil {
		return "", fmt.Errorf("%w: %s on %s: %w", ErrDigestUnavailable, path, b.ID(), err)
	}
	return sum, nil
}

func (e *Executor) log(msg string, args ...any) {
	if e.dryRun {
		args = append(args, "dryRun", true)
	}
	if e.verbose || e.dryRun {
		e.logger.Info(msg, args...)
		return
	}
	e.logger.Debug(msg, args...)
}
