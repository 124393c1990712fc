package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/twinsync/internal/config"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/openmined/twinsync/internal/utils"
)

const (
	lockFile = "twinsync.lock"
	tmpDir   = "tmp"
)

var ErrStateLocked = errors.New("state directory locked by another run")

// StateDir holds the persisted baseline, the staging area for transfers and
// the lock that keeps two runs from sharing a baseline.
type StateDir struct {
	Root    string
	TempDir string

	flock *flock.Flock
}

func NewStateDir(dir string) (*StateDir, error) {
	root, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", dir, err)
	}

	return &StateDir{
		Root:    root,
		TempDir: filepath.Join(root, tmpDir),
		flock:   flock.New(filepath.Join(root, lockFile)),
	}, nil
}

func (s *StateDir) Lock() error {
	if err := utils.EnsureDir(s.Root); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.Root, err)
	}

	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock state directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrStateLocked, s.Root)
	}

	return nil
}

func (s *StateDir) Unlock() error {
	// only the holder removes the lock file
	if !s.flock.Locked() {
		return nil
	}

	if err := s.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock state directory: %w", err)
	}

	return os.Remove(s.flock.Path())
}

// PrepareTemp empties and recreates the staging directory. Files left over
// from an interrupted run are discarded.
func (s *StateDir) PrepareTemp() error {
	if err := os.RemoveAll(s.TempDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.TempDir, err)
	}
	return utils.EnsureDir(s.TempDir)
}

// OpenStore opens the baseline store in the given format.
func (s *StateDir) OpenStore(format string) (snapshot.Store, error) {
	switch format {
	case config.StateFormatSQLite:
		return snapshot.OpenSQLiteStore(s.Root)
	case config.StateFormatJSON, "":
		return snapshot.NewJSONStore(s.Root), nil
	default:
		return nil, fmt.Errorf("%w: state_format: unsupported format %q", config.ErrInvalidConfig, format)
	}
}
