package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DownloadToLocal streams path from b into a new file under dir and returns
// the file's location. The caller owns (and removes) the file.
func DownloadToLocal(ctx context.Context, b Backend, path, dir string) (string, error) {
	rc, err := b.Open(ctx, path)
	if err != nil {
		return "", fmt.Errorf("open %s on %s: %w", path, b.ID(), err)
	}
	defer rc.Close()

	pattern := strings.ReplaceAll(BaseName(path), "*", "_") + ".twinsync.*"
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download %s from %s: %w", path, b.ID(), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return f.Name(), nil
}

// UploadFromLocal uploads localPath to path on b and returns the bytes sent.
func UploadFromLocal(ctx context.Context, b Backend, localPath, path string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if err := b.Upload(ctx, path, f, info.Size()); err != nil {
		return 0, fmt.Errorf("upload %s to %s: %w", path, b.ID(), err)
	}
	return info.Size(), nil
}

// Copy replicates srcPath on src as dstPath on dst. Folders are created
// structurally; files go through a local temp file in tmpDir. It returns the
// number of bytes transferred.
func Copy(ctx context.Context, src, dst Backend, srcPath, dstPath, tmpDir string) (int64, error) {
	if IsFolderPath(srcPath) {
		return 0, dst.CreateFolder(ctx, FolderPath(dstPath))
	}

	localPath, err := DownloadToLocal(ctx, src, srcPath, tmpDir)
	if err != nil {
		return 0, err
	}
	defer os.Remove(localPath)

	return UploadFromLocal(ctx, dst, localPath, dstPath)
}

// ContentDigest returns a hex sha256 of the object's bytes. Backends that
// implement Digester are asked first and the content is only read when they
// answer ErrNoDigest.
func ContentDigest(ctx context.Context, b Backend, path string) (string, error) {
	if d, ok := b.(Digester); ok {
		sum, err := d.ContentDigest(ctx, path)
		if !errors.Is(err, ErrNoDigest) {
			return sum, err
		}
	}

	rc, err := b.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
