// Package backend defines the storage capability the reconciler drives, plus
// transfer and digest helpers shared by every implementation.
package backend

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

const Separator = "/"

var (
	ErrNotFound = errors.New("backend: object not found")
	// ErrNoDigest is returned by a Digester that has no stored digest for an
	// object; the caller hashes the content instead.
	ErrNoDigest = errors.New("backend: no stored digest")
)

// ID identifies one side of a synchronized pair, e.g. "a" or "dbx".
type ID string

func (id ID) String() string {
	return string(id)
}

// Object is one listed file or folder. Path is rooted at "/" relative to the
// backend's sync root; folder paths end with "/".
type Object struct {
	Path       string
	IsFolder   bool
	ModifiedAt time.Time
	// Size in bytes, zero for folders or when the listing does not report it
	Size int64
}

// Lister enumerates a namespace recursively, to unbounded depth.
type Lister interface {
	ID() ID
	List(ctx context.Context) ([]Object, error)
}

// Backend is a storage namespace that can be listed and mutated. All paths
// are relative to the backend's configured root.
type Backend interface {
	Lister

	// Label is the human readable name used in conflict copies, e.g. "NextCloud"
	Label() string

	CreateFolder(ctx context.Context, path string) error
	// Delete removes a file, or a folder with its subtree. Deleting a path that
	// does not exist returns ErrNotFound.
	Delete(ctx context.Context, path string) error
	// Move renames src to dst, overwriting dst
	Move(ctx context.Context, src, dst string) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Upload writes r to path, overwriting it and creating missing parents
	Upload(ctx context.Context, path string, r io.Reader, size int64) error
}

// Digester is implemented by backends that can report an object's hex sha256
// without downloading it.
type Digester interface {
	ContentDigest(ctx context.Context, path string) (string, error)
}

// IsFolderPath reports whether p names a folder.
func IsFolderPath(p string) bool {
	return strings.HasSuffix(p, Separator)
}

// CleanPath converts p to the rooted, slash separated form used across
// backends, keeping a trailing separator on folders.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", Separator)
	folder := IsFolderPath(p)
	p = path.Clean(Separator + p)
	if folder && p != Separator {
		p += Separator
	}
	return p
}

// FolderPath returns p with a trailing separator.
func FolderPath(p string) string {
	p = CleanPath(p)
	if !IsFolderPath(p) {
		p += Separator
	}
	return p
}

// BaseName returns the final path segment without a trailing separator.
func BaseName(p string) string {
	return path.Base(strings.TrimSuffix(CleanPath(p), Separator))
}

// ParentFolders returns the ancestor folders of p, outermost first, excluding
// the root.
func ParentFolders(p string) []string {
	p = strings.TrimSuffix(CleanPath(p), Separator)
	var parents []string
	for dir := path.Dir(p); dir != Separator && dir != "."; dir = path.Dir(dir) {
		parents = append([]string{dir + Separator}, parents...)
	}
	return parents
}
