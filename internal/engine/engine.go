// Package engine runs one reconciliation pass: it locks the state directory,
// loads the previous baseline, snapshots both backends, plans and executes the
// actions, then snapshots again and persists the result as the next baseline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/config"
	"github.com/openmined/twinsync/internal/reconcile"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/openmined/twinsync/internal/utils"
)

type Mode string

const (
	// ModeSync reconciles against the previous baseline, seeding when there
	// is none yet.
	ModeSync Mode = "sync"
	// ModeSeed copies over paths missing on one side, ignoring any baseline.
	ModeSeed Mode = "seed"
	// ModeSnapshot only records the current state as the new baseline.
	ModeSnapshot Mode = "snapshot"
)

var (
	ErrSimulateSnapshot = errors.New("snapshot creation cannot be simulated")
	ErrUnknownMode      = errors.New("unknown run mode")
)

// Report describes a finished run.
type Report struct {
	RunID   string
	Mode    Mode
	Seeded  bool
	Planned int
	Result  *reconcile.Result
	// Entries in the persisted baseline, zero when nothing was persisted
	Entries   int
	Persisted bool
	Took      time.Duration
}

func (r *Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run", r.RunID),
		slog.String("mode", string(r.Mode)),
		slog.Bool("seeded", r.Seeded),
		slog.Int("planned", r.Planned),
		slog.Int("entries", r.Entries),
		slog.Bool("persisted", r.Persisted),
		slog.Duration("took", r.Took),
	}
	if r.Result != nil {
		attrs = append(attrs, slog.Any("result", r.Result))
	}
	return slog.GroupValue(attrs...)
}

type Engine struct {
	cfg      *config.Config
	pair     reconcile.Pair
	backends []backend.Backend
	state    *StateDir
	ignore   *reconcile.IgnoreRules
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Engine)

// WithBackends supplies ready backends instead of building them from the
// config. Their IDs must match the configured ones.
func WithBackends(backends ...backend.Backend) Option {
	return func(e *Engine) {
		e.backends = backends
	}
}

// WithClock overrides the clock used to stamp folders in snapshots.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New validates cfg and prepares an engine for it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	state, err := NewStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	e.state = state

	if e.backends == nil {
		if e.backends, err = NewBackends(ctx, cfg); err != nil {
			return nil, err
		}
	}

	ids := cfg.IDs()
	if err := matchBackends(ids, e.backends); err != nil {
		return nil, err
	}
	e.pair = reconcile.Pair{First: ids[0], Second: ids[1]}

	e.ignore = reconcile.NewIgnoreRules(cfg.IgnoreFolders...)
	if cfg.IgnoreFile != "" {
		if err := e.ignore.LoadFile(cfg.IgnoreFile); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func matchBackends(ids []backend.ID, backends []backend.Backend) error {
	if len(backends) != len(ids) {
		return fmt.Errorf("%w: want %d backends, got %d", config.ErrInvalidConfig, len(ids), len(backends))
	}
	for i, b := range backends {
		if b.ID() != ids[i] {
			return fmt.Errorf("%w: backend %d has id %q, configured %q", config.ErrInvalidConfig, i, b.ID(), ids[i])
		}
	}
	return nil
}

// Run performs one pass in the given mode. In simulate mode the actions are
// only logged and the baseline is left untouched.
func (e *Engine) Run(ctx context.Context, mode Mode) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), Mode: mode}
	logger := e.logger.With("run", report.RunID)
	tStart := time.Now()
	defer func() { report.Took = time.Since(tStart) }()

	switch mode {
	case ModeSync, ModeSeed:
	case ModeSnapshot:
		if e.cfg.Simulate {
			return report, ErrSimulateSnapshot
		}
	default:
		return report, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	if err := e.state.Lock(); err != nil {
		return report, err
	}
	defer func() {
		if err := e.state.Unlock(); err != nil {
			logger.Warn("state unlock", "error", err)
		}
	}()

	store, err := e.state.OpenStore(e.cfg.StateFormat)
	if err != nil {
		return report, err
	}
	defer store.Close()

	logger.Info("run start", "mode", mode, "first", e.pair.First, "second", e.pair.Second,
		"simulate", e.cfg.Simulate, "stateDir", e.state.Root)

	if mode == ModeSnapshot {
		return report, e.persist(ctx, store, report, logger)
	}

	var prev snapshot.Snapshot
	found := false
	if mode == ModeSync {
		if prev, found, err = store.Load(ctx); err != nil {
			return report, err
		}
	}

	curr, err := e.build(ctx)
	if err != nil {
		return report, err
	}

	var actions []reconcile.Action
	opts := []reconcile.Option{reconcile.WithIgnore(e.ignore)}
	if e.cfg.Displace != "" {
		opts = append(opts, reconcile.WithDisplace(backend.ID(e.cfg.Displace)))
	}
	if found {
		actions = reconcile.NewReconciler(e.pair, opts...).Plan(prev, curr)
	} else {
		if mode == ModeSync {
			logger.Info("no previous state, seeding")
		}
		report.Seeded = true
		actions = reconcile.NewSeeder(e.pair, opts...).Plan(curr)
	}
	report.Planned = len(actions)
	logger.Info("run plan", "actions", len(actions), "entries", len(curr))

	if err := e.prepareTemp(); err != nil {
		return report, err
	}

	executor := reconcile.NewExecutor(e.backends,
		reconcile.WithWorkers(e.cfg.Workers),
		reconcile.WithDryRun(e.cfg.Simulate),
		reconcile.WithVerbose(e.cfg.Verbose),
		reconcile.WithTempDir(e.tempDir()),
		reconcile.WithLogger(logger),
	)
	report.Result, err = executor.Execute(ctx, actions)
	if err != nil {
		logger.Error("run failed", "result", report.Result, "error", err)
		return report, err
	}
	logger.Info("run executed", "result", report.Result)

	if e.cfg.Simulate {
		logger.Info("simulate, state left untouched")
		return report, nil
	}

	return report, e.persist(ctx, store, report, logger)
}

// persist snapshots both backends again and saves the result as the next
// baseline.
func (e *Engine) persist(ctx context.Context, store snapshot.Store, report *Report, logger *slog.Logger) error {
	next, err := e.build(ctx)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, next); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	report.Entries = len(next)
	report.Persisted = true
	logger.Info("state saved", "entries", len(next))
	return nil
}

func (e *Engine) build(ctx context.Context) (snapshot.Snapshot, error) {
	listers := make([]backend.Lister, len(e.backends))
	for i, b := range e.backends {
		listers[i] = b
	}
	return snapshot.NewBuilder(snapshot.WithClock(e.now)).Build(ctx, listers...)
}

func (e *Engine) prepareTemp() error {
	if e.cfg.TempDir != "" {
		return utils.EnsureDir(e.cfg.TempDir)
	}
	return e.state.PrepareTemp()
}

func (e *Engine) tempDir() string {
	if e.cfg.TempDir != "" {
		return e.cfg.TempDir
	}
	return e.state.TempDir
}
