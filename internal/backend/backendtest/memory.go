// Package backendtest provides an in-memory Backend that records every call,
// for reconciler and engine tests.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmined/twinsync/internal/backend"
)

const (
	OpList         = "list"
	OpCreateFolder = "createFolder"
	OpDelete       = "delete"
	OpMove         = "move"
	OpOpen         = "open"
	OpUpload       = "upload"
)

// ErrTypeClash is returned when a write would put a file where a folder is,
// or the other way around.
var ErrTypeClash = errors.New("backendtest: path taken by an object of the other kind")

// Call is one recorded backend invocation.
type Call struct {
	Op   string
	Path string
	Dst  string
}

type object struct {
	data    []byte
	folder  bool
	modTime time.Time
}

// Memory is a case-sensitive in-memory namespace. Uploads stamp objects with
// a clock that advances one second per mutation, so consecutive writes are
// always distinguishable at snapshot granularity.
type Memory struct {
	mu      sync.Mutex
	id      backend.ID
	label   string
	objects map[string]*object
	calls   []Call
	failOn  map[string]error
	clock   time.Time
}

var _ backend.Backend = (*Memory)(nil)

func NewMemory(id backend.ID, label string) *Memory {
	return &Memory{
		id:      id,
		label:   label,
		objects: make(map[string]*object),
		failOn:  make(map[string]error),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *Memory) ID() backend.ID { return m.id }
func (m *Memory) Label() string  { return m.label }

// PutFile seeds a file without recording a call.
func (m *Memory) PutFile(path, content string, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = backend.CleanPath(path)
	m.ensureParents(path, modTime)
	m.objects[path] = &object{data: []byte(content), modTime: modTime}
}

// PutFolder seeds a folder without recording a call.
func (m *Memory) PutFolder(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = backend.FolderPath(path)
	m.ensureParents(path, m.clock)
	m.objects[path] = &object{folder: true, modTime: m.clock}
}

// RemovePath deletes path (and its subtree) without recording a call.
func (m *Memory) RemovePath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeTree(backend.CleanPath(path))
}

// Content returns a file's bytes as a string.
func (m *Memory) Content(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[backend.CleanPath(path)]
	if !ok || obj.folder {
		return "", false
	}
	return string(obj.data), true
}

func (m *Memory) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[backend.CleanPath(path)]
	return ok
}

// Paths lists every stored path, sorted.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FailOn makes every later call of op return err.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = err
}

func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Mutations returns the recorded calls that change the namespace.
func (m *Memory) Mutations() []Call {
	var out []Call
	for _, c := range m.Calls() {
		switch c.Op {
		case OpCreateFolder, OpDelete, OpMove, OpUpload:
			out = append(out, c)
		}
	}
	return out
}

func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Memory) List(_ context.Context) ([]backend.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpList}); err != nil {
		return nil, err
	}

	objects := make([]backend.Object, 0, len(m.objects))
	for p, obj := range m.objects {
		objects = append(objects, backend.Object{
			Path:       p,
			IsFolder:   obj.folder,
			ModifiedAt: obj.modTime,
			Size:       int64(len(obj.data)),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

func (m *Memory) CreateFolder(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = backend.FolderPath(path)
	if err := m.record(Call{Op: OpCreateFolder, Path: path}); err != nil {
		return err
	}
	if err := m.clash(path); err != nil {
		return err
	}
	now := m.tick()
	m.ensureParents(path, now)
	if _, ok := m.objects[path]; !ok {
		m.objects[path] = &object{folder: true, modTime: now}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = backend.CleanPath(path)
	if err := m.record(Call{Op: OpDelete, Path: path}); err != nil {
		return err
	}
	if _, ok := m.objects[path]; !ok {
		return fmt.Errorf("delete %s: %w", path, backend.ErrNotFound)
	}
	m.removeTree(path)
	return nil
}

func (m *Memory) Move(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, dst = backend.CleanPath(src), backend.CleanPath(dst)
	if err := m.record(Call{Op: OpMove, Path: src, Dst: dst}); err != nil {
		return err
	}
	if _, ok := m.objects[src]; !ok {
		return fmt.Errorf("move %s: %w", src, backend.ErrNotFound)
	}

	moved := make(map[string]*object)
	for p, obj := range m.objects {
		if p == src || (backend.IsFolderPath(src) && strings.HasPrefix(p, src)) {
			moved[dst+strings.TrimPrefix(p, src)] = obj
			delete(m.objects, p)
		}
	}
	m.ensureParents(dst, m.tick())
	for p, obj := range moved {
		m.objects[p] = obj
	}
	return nil
}

func (m *Memory) Open(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = backend.CleanPath(path)
	if err := m.record(Call{Op: OpOpen, Path: path}); err != nil {
		return nil, err
	}
	obj, ok := m.objects[path]
	if !ok || obj.folder {
		return nil, fmt.Errorf("open %s: %w", path, backend.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

func (m *Memory) Upload(_ context.Context, path string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path = backend.CleanPath(path)
	if err := m.record(Call{Op: OpUpload, Path: path}); err != nil {
		return err
	}
	if err := m.clash(path); err != nil {
		return err
	}
	now := m.tick()
	m.ensureParents(path, now)
	m.objects[path] = &object{data: data, modTime: now}
	return nil
}

func (m *Memory) record(c Call) error {
	m.calls = append(m.calls, c)
	return m.failOn[c.Op]
}

// clash rejects path when it, or one of its parents, is held by an object of
// the other kind, as a filesystem would.
func (m *Memory) clash(path string) error {
	other := backend.FolderPath(path)
	if backend.IsFolderPath(path) {
		other = strings.TrimSuffix(path, backend.Separator)
	}
	if _, ok := m.objects[other]; ok {
		return fmt.Errorf("%s: %w", path, ErrTypeClash)
	}
	for _, parent := range backend.ParentFolders(path) {
		if _, ok := m.objects[strings.TrimSuffix(parent, backend.Separator)]; ok {
			return fmt.Errorf("%s: %w", path, ErrTypeClash)
		}
	}
	return nil
}

func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Memory) ensureParents(path string, modTime time.Time) {
	for _, parent := range backend.ParentFolders(path) {
		if _, ok := m.objects[parent]; !ok {
			m.objects[parent] = &object{folder: true, modTime: modTime}
		}
	}
}

func (m *Memory) removeTree(path string) {
	for p := range m.objects {
		if p == path || (backend.IsFolderPath(path) && strings.HasPrefix(p, path)) {
			delete(m.objects, p)
		}
	}
}
