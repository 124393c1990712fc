// Package webdav is a Backend over a WebDAV collection such as a NextCloud
// folder.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/version"
)

const (
	methodPropfind = "PROPFIND"
	methodMkcol    = "MKCOL"
	methodMove     = "MOVE"

	depthInfinity = "infinity"
	depthOne      = "1"

	defaultTimeout = time.Minute
)

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	Method     string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webdav: %s: %s", e.Method, e.Status)
}

type Backend struct {
	id     backend.ID
	label  string
	client *req.Client
	root   *url.URL
	// walk one level at a time once the server refused Depth: infinity
	noInfinity atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

func New(id backend.ID, label string, cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(root.Path, backend.Separator) {
		root.Path += backend.Separator
	}
	root.RawPath = ""

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// timeout bounds the wait for response headers only; bodies stream for as
	// long as the transfer takes, bounded by ctx
	client := req.C().
		SetUserAgent(fmt.Sprintf("%s/%s", version.AppName, version.Version)).
		SetTimeout(0).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(time.Second)
	client.GetTransport().SetResponseHeaderTimeout(timeout)
	if cfg.Username != "" {
		client.SetCommonBasicAuth(cfg.Username, cfg.Password)
	}

	b := &Backend{id: id, label: label, client: client, root: root}
	b.noInfinity.Store(cfg.DisableInfinity)
	return b, nil
}

func (b *Backend) ID() backend.ID { return b.id }
func (b *Backend) Label() string  { return b.label }

func (b *Backend) List(ctx context.Context) ([]backend.Object, error) {
	if !b.noInfinity.Load() {
		objects, err := b.listLevel(ctx, backend.Separator, depthInfinity)
		if err == nil {
			return objects, nil
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !refusesInfinity(statusErr.StatusCode) {
			return nil, err
		}
		slog.Debug("webdav depth infinity refused, walking", "backend", b.id, "status", statusErr.StatusCode)
		b.noInfinity.Store(true)
	}

	var objects []backend.Object
	queue := []string{backend.Separator}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		level, err := b.listLevel(ctx, dir, depthOne)
		if err != nil {
			return nil, err
		}
		for _, obj := range level {
			if obj.IsFolder {
				queue = append(queue, obj.Path)
			}
		}
		objects = append(objects, level...)
	}
	return objects, nil
}

// listLevel issues one PROPFIND on dir, leaving dir itself out of the result.
func (b *Backend) listLevel(ctx context.Context, dir, depth string) ([]backend.Object, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Depth", depth).
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetBodyString(propfindBody).
		Send(methodPropfind, b.url(dir))
	if err := checkResponse(resp, err, methodPropfind, dir); err != nil {
		return nil, err
	}

	resources, err := parseMultistatus(resp.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s %s: parse multistatus: %w", methodPropfind, dir, err)
	}

	objects := make([]backend.Object, 0, len(resources))
	for _, r := range resources {
		p, ok := b.pathOf(r.href)
		if !ok || p == backend.CleanPath(dir) || p == backend.Separator {
			continue
		}
		obj := backend.Object{Path: p, IsFolder: r.isFolder, ModifiedAt: r.modTime}
		if r.isFolder {
			obj.Path = backend.FolderPath(p)
		} else {
			obj.Size = r.size
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// CreateFolder creates p and any missing ancestors.
func (b *Backend) CreateFolder(ctx context.Context, p string) error {
	p = backend.FolderPath(p)
	err := b.mkcol(ctx, p)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		// 409: an ancestor is missing
		for _, parent := range backend.ParentFolders(p) {
			if err := b.mkcol(ctx, parent); err != nil {
				return err
			}
		}
		return b.mkcol(ctx, p)
	}
	return err
}

func (b *Backend) mkcol(ctx context.Context, p string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		Send(methodMkcol, b.url(p))
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		// already exists
		return nil
	}
	return checkResponse(resp, err, methodMkcol, p)
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		Delete(b.url(p))
	return checkResponse(resp, err, http.MethodDelete, p)
}

func (b *Backend) Move(ctx context.Context, src, dst string) error {
	if err := b.ensureParent(ctx, dst); err != nil {
		return err
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Destination", b.url(dst)).
		SetHeader("Overwrite", "T").
		Send(methodMove, b.url(src))
	return checkResponse(resp, err, methodMove, src)
}

func (b *Backend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(b.url(p))
	if err := checkResponse(resp, err, http.MethodGet, p); err != nil {
		if resp != nil && resp.Response != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp.Body, nil
}

func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, _ int64) error {
	if err := b.ensureParent(ctx, p); err != nil {
		return err
	}
	// the body is a stream, a retry would send it half consumed
	resp, err := b.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetBody(r).
		Put(b.url(p))
	return checkResponse(resp, err, http.MethodPut, p)
}

func (b *Backend) ensureParent(ctx context.Context, p string) error {
	parents := backend.ParentFolders(p)
	if len(parents) == 0 {
		return nil
	}
	return b.CreateFolder(ctx, parents[len(parents)-1])
}

// url returns the absolute URL of backend path p.
func (b *Backend) url(p string) string {
	u := *b.root
	u.Path = strings.TrimSuffix(b.root.Path, backend.Separator) + backend.CleanPath(p)
	u.RawPath = ""
	return u.String()
}

// pathOf maps a multistatus href, absolute or path-only, back to a backend
// path. Hrefs outside the root are rejected.
func (b *Backend) pathOf(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	rel, ok := strings.CutPrefix(u.Path, b.root.Path)
	if !ok {
		if u.Path+backend.Separator == b.root.Path {
			return backend.Separator, true
		}
		return "", false
	}
	return backend.CleanPath(rel), true
}

func refusesInfinity(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusBadRequest, http.StatusNotImplemented:
		return true
	}
	return false
}

func checkResponse(resp *req.Response, err error, method, p string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, p, backend.ErrNotFound)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%s %s: %w", method, p, &StatusError{Method: method, StatusCode: resp.StatusCode, Status: resp.Status})
	}
	return nil
}
