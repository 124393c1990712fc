package engine

import (
	"context"
	"fmt"

	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/backend/localfs"
	"github.com/openmined/twinsync/internal/backend/s3"
	"github.com/openmined/twinsync/internal/backend/webdav"
	"github.com/openmined/twinsync/internal/config"
	"github.com/openmined/twinsync/internal/utils"
)

// NewBackend constructs the backend declared by bc.
func NewBackend(ctx context.Context, bc config.BackendConfig) (backend.Backend, error) {
	id := backend.ID(bc.ID)
	label := bc.DisplayLabel()

	switch bc.Type {
	case config.BackendLocal:
		if err := utils.EnsureDir(bc.Root); err != nil {
			return nil, fmt.Errorf("backend %s: create root %s: %w", id, bc.Root, err)
		}
		return localfs.New(id, label, bc.Root), nil
	case config.BackendS3:
		b, err := s3.New(ctx, id, label, bc.S3)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", id, err)
		}
		return b, nil
	case config.BackendWebDAV:
		b, err := webdav.New(id, label, bc.WebDAV)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", id, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: backend %s: unsupported type %q", config.ErrInvalidConfig, id, bc.Type)
	}
}

// NewBackends constructs both backends of cfg in declaration order.
func NewBackends(ctx context.Context, cfg *config.Config) ([]backend.Backend, error) {
	backends := make([]backend.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		b, err := NewBackend(ctx, bc)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}
