// Package localfs is a Backend over a directory tree, through go-billy so the
// same code runs against the OS or an in-memory filesystem.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/openmined/twinsync/internal/backend"
)

const (
	dirPerm   = 0o755
	tmpPrefix = ".twinsync-upload-"
)

type Backend struct {
	id    backend.ID
	label string
	fs    billy.Filesystem
}

var _ backend.Backend = (*Backend)(nil)

// New returns a Backend rooted at dir on the local disk.
func New(id backend.ID, label, dir string) *Backend {
	return NewWithFilesystem(id, label, osfs.New(dir))
}

// NewWithFilesystem returns a Backend over an arbitrary billy filesystem,
// whose root is the sync root.
func NewWithFilesystem(id backend.ID, label string, fsys billy.Filesystem) *Backend {
	return &Backend{id: id, label: label, fs: fsys}
}

func (b *Backend) ID() backend.ID { return b.id }
func (b *Backend) Label() string  { return b.label }

func (b *Backend) List(ctx context.Context) ([]backend.Object, error) {
	var objects []backend.Object
	err := util.Walk(b.fs, backend.Separator, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := backend.CleanPath(filepath.ToSlash(p))
		if rel == backend.Separator {
			return nil
		}
		if strings.HasPrefix(path.Base(rel), tmpPrefix) {
			return nil
		}

		obj := backend.Object{
			Path:       rel,
			IsFolder:   info.IsDir(),
			ModifiedAt: info.ModTime(),
		}
		if info.IsDir() {
			obj.Path = backend.FolderPath(rel)
		} else {
			obj.Size = info.Size()
		}
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", b.fs.Root(), err)
	}
	return objects, nil
}

func (b *Backend) CreateFolder(_ context.Context, p string) error {
	return b.fs.MkdirAll(fsPath(p), dirPerm)
}

func (b *Backend) Delete(_ context.Context, p string) error {
	name := fsPath(p)
	if _, err := b.fs.Lstat(name); err != nil {
		return mapErr("delete", p, err)
	}
	return util.RemoveAll(b.fs, name)
}

func (b *Backend) Move(_ context.Context, src, dst string) error {
	srcName, dstName := fsPath(src), fsPath(dst)
	if _, err := b.fs.Lstat(srcName); err != nil {
		return mapErr("move", src, err)
	}
	if err := b.fs.MkdirAll(path.Dir(dstName), dirPerm); err != nil {
		return err
	}
	if _, err := b.fs.Lstat(dstName); err == nil {
		if err := util.RemoveAll(b.fs, dstName); err != nil {
			return fmt.Errorf("move %s: replace %s: %w", src, dst, err)
		}
	}
	return b.fs.Rename(srcName, dstName)
}

func (b *Backend) Open(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := b.fs.Open(fsPath(p))
	if err != nil {
		return nil, mapErr("open", p, err)
	}
	return f, nil
}

// Upload writes to a temp file next to the target and renames it into place.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, _ int64) error {
	name := fsPath(p)
	dir := path.Dir(name)
	if err := b.fs.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := b.fs.TempFile(dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, contextReader{ctx, r}); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("upload %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("upload %s: %w", p, err)
	}
	if err := b.fs.Rename(tmpName, name); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("upload %s: %w", p, err)
	}
	return nil
}

// fsPath turns a backend path into a billy path.
func fsPath(p string) string {
	p = strings.TrimSuffix(backend.CleanPath(p), backend.Separator)
	if p == "" {
		return backend.Separator
	}
	return p
}

func mapErr(op, p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, p, backend.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
