package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/backend/backendtest"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair() (*backendtest.Memory, *backendtest.Memory) {
	return backendtest.NewMemory("a", "Alpha"), backendtest.NewMemory("b", "Beta")
}

func build(t *testing.T, a, b *backendtest.Memory) snapshot.Snapshot {
	t.Helper()
	s, err := snapshot.NewBuilder(snapshot.WithClock(func() time.Time { return t0 })).Build(context.Background(), a, b)
	require.NoError(t, err)
	return s
}

func execute(t *testing.T, actions []Action, a, b *backendtest.Memory, opts ...ExecutorOption) (*Result, error) {
	t.Helper()
	opts = append([]ExecutorOption{WithTempDir(t.TempDir())}, opts...)
	return NewExecutor([]backend.Backend{a, b}, opts...).Execute(context.Background(), actions)
}

func TestExecutor_Copy(t *testing.T) {
	a, b := newPair()
	a.PutFile("/docs/report.txt", "quarterly", t0)
	a.PutFolder("/empty/")

	actions := NewSeeder(pairAB).Plan(build(t, a, b))
	res, err := execute(t, actions, a, b)
	require.NoError(t, err)

	content, ok := b.Content("/docs/report.txt")
	require.True(t, ok)
	assert.Equal(t, "quarterly", content)
	assert.True(t, b.Exists("/empty/"))
	assert.EqualValues(t, 3, res.Copied.Load())
	assert.EqualValues(t, len("quarterly"), res.Bytes.Load())
	assert.Empty(t, a.Mutations())
}

func TestExecutor_DeleteAlreadyGone(t *testing.T) {
	a, b := newPair()
	actions := []Action{{Kind: ActionDelete, Key: "/gone.txt", Path: "/gone.txt", On: "b"}}

	res, err := execute(t, actions, a, b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Deleted.Load())
}

func TestExecutor_ConflictKeepsBothVersions(t *testing.T) {
	a, b := newPair()
	a.PutFile("/notes/n.txt", "base", t0)
	b.PutFile("/notes/n.txt", "base", t0)
	prev := build(t, a, b)

	a.PutFile("/notes/n.txt", "AAAA", t1)
	b.PutFile("/notes/n.txt", "BBBB", t2)
	actions := NewReconciler(pairAB).Plan(prev, build(t, a, b))
	require.Len(t, actions, 1)
	require.Equal(t, ActionResolveConflict, actions[0].Kind)

	res, err := execute(t, actions, a, b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Conflicts.Load())

	conflictPath := "/notes/n.txt (Beta - " + t2.Format(snapshot.TimeFormat) + ")"
	for _, m := range []*backendtest.Memory{a, b} {
		got, ok := m.Content("/notes/n.txt")
		require.True(t, ok, m.ID())
		assert.Equal(t, "AAAA", got, m.ID())

		got, ok = m.Content(conflictPath)
		require.True(t, ok, m.ID())
		assert.Equal(t, "BBBB", got, m.ID())
	}

	assert.Equal(t, []backendtest.Call{
		{Op: backendtest.OpMove, Path: "/notes/n.txt", Dst: conflictPath},
		{Op: backendtest.OpUpload, Path: "/notes/n.txt"},
	}, b.Mutations())
	assert.Equal(t, []backendtest.Call{
		{Op: backendtest.OpUpload, Path: conflictPath},
	}, a.Mutations())
}

func TestExecutor_ConflictConverged(t *testing.T) {
	a, b := newPair()
	a.PutFile("/same.txt", "identical", t1)
	b.PutFile("/same.txt", "identical", t2)

	actions := NewReconciler(pairAB).Plan(snapshot.Snapshot{}, build(t, a, b))
	require.Len(t, actions, 1)

	res, err := execute(t, actions, a, b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Converged.Load())
	assert.EqualValues(t, 0, res.Conflicts.Load())
	assert.Empty(t, a.Mutations())
	assert.Empty(t, b.Mutations())
}

func TestExecutor_ConflictSizePrecheckSkipsDigest(t *testing.T) {
	a, b := newPair()
	a.PutFile("/x.bin", "short", t1)
	b.PutFile("/x.bin", "much longer", t2)

	actions := NewReconciler(pairAB).Plan(snapshot.Snapshot{}, build(t, a, b))
	a.ResetCalls()
	b.ResetCalls()

	_, err := execute(t, actions, a, b, WithDryRun(true))
	require.NoError(t, err)
	assert.Empty(t, a.Calls())
	assert.Empty(t, b.Calls())
}

func TestExecutor_DigestUnavailable(t *testing.T) {
	a, b := newPair()
	a.PutFile("/x.txt", "AAA", t1)
	b.PutFile("/x.txt", "BBB", t2)
	actions := NewReconciler(pairAB).Plan(snapshot.Snapshot{}, build(t, a, b))

	readErr := errors.New("connection reset")
	b.FailOn(backendtest.OpOpen, readErr)

	_, err := execute(t, actions, a, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigestUnavailable)
	assert.ErrorIs(t, err, readErr)
	assert.Empty(t, a.Mutations())
	assert.Empty(t, b.Mutations())
}

func TestExecutor_DryRunDoesNotMutate(t *testing.T) {
	a, b := newPair()
	a.PutFile("/shared.txt", "base", t0)
	b.PutFile("/shared.txt", "base", t0)
	a.PutFile("/old.txt", "old", t0)
	b.PutFile("/old.txt", "old", t0)
	prev := build(t, a, b)

	a.PutFile("/shared.txt", "AAAA", t1)
	b.PutFile("/shared.txt", "BBBB", t2)
	a.PutFile("/new.txt", "new", t1)
	a.RemovePath("/old.txt")

	actions := NewReconciler(pairAB).Plan(prev, build(t, a, b))
	require.Len(t, actions, 3)

	res, err := execute(t, actions, a, b, WithDryRun(true))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.EqualValues(t, 1, res.Copied.Load())
	assert.EqualValues(t, 1, res.Deleted.Load())
	assert.EqualValues(t, 1, res.Conflicts.Load())
	assert.Empty(t, a.Mutations())
	assert.Empty(t, b.Mutations())

	// digests are read-only and still happen
	assert.Contains(t, b.Calls(), backendtest.Call{Op: backendtest.OpOpen, Path: "/shared.txt"})
}

func TestExecutor_MutationFailureIsFatal(t *testing.T) {
	a, b := newPair()
	b.PutFile("/x.txt", "x", t0)
	uploadErr := errors.New("quota exceeded")
	a.FailOn(backendtest.OpUpload, uploadErr)

	actions := NewSeeder(pairAB).Plan(build(t, a, b))
	res, err := execute(t, actions, a, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, uploadErr)
	assert.Contains(t, err.Error(), "copy /x.txt on a")
	assert.EqualValues(t, 0, res.Copied.Load())
}

func TestExecutor_FailureStopsLaterActions(t *testing.T) {
	failure := errors.New("quota exceeded")
	tests := []struct {
		name    string
		failOp  string
		actions []Action
		want    []backendtest.Call
	}{
		{
			name:   "copy",
			failOp: backendtest.OpUpload,
			actions: []Action{
				{Kind: ActionCopy, Key: "/1.txt", Path: "/1.txt", From: "b", To: "a"},
				{Kind: ActionCopy, Key: "/d/", Path: "/d/", From: "b", To: "a"},
				{Kind: ActionCopy, Key: "/3.txt", Path: "/3.txt", From: "b", To: "a"},
			},
			want: []backendtest.Call{{Op: backendtest.OpUpload, Path: "/1.txt"}},
		},
		{
			name:   "delete",
			failOp: backendtest.OpDelete,
			actions: []Action{
				{Kind: ActionDelete, Key: "/1.txt", Path: "/1.txt", On: "a"},
				{Kind: ActionDelete, Key: "/2.txt", Path: "/2.txt", On: "a"},
				{Kind: ActionCopy, Key: "/3.txt", Path: "/3.txt", From: "b", To: "a"},
			},
			want: []backendtest.Call{{Op: backendtest.OpDelete, Path: "/1.txt"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newPair()
			for _, p := range []string{"/1.txt", "/2.txt"} {
				a.PutFile(p, p, t0)
			}
			for _, p := range []string{"/1.txt", "/3.txt"} {
				b.PutFile(p, p, t0)
			}
			b.PutFolder("/d/")
			a.FailOn(tt.failOp, failure)

			res, err := execute(t, tt.actions, a, b)
			assert.ErrorIs(t, err, failure)
			assert.Equal(t, tt.want, a.Mutations())
			assert.Zero(t, res.Copied.Load()+res.Deleted.Load())
		})
	}
}

func TestExecutor_DeletesRunFirst(t *testing.T) {
	a, b := newPair()
	a.PutFile("/x", "file", t0)
	b.PutFile("/x/y.txt", "y", t0)

	actions := []Action{
		{Kind: ActionCopy, Key: "/x", Path: "/x", From: "a", To: "b"},
		{Kind: ActionDelete, Key: "/x/", Path: "/x/", On: "b"},
	}
	_, err := execute(t, actions, a, b)
	require.NoError(t, err)

	assert.Equal(t, []backendtest.Call{
		{Op: backendtest.OpDelete, Path: "/x/"},
		{Op: backendtest.OpUpload, Path: "/x"},
	}, b.Mutations())
	content, ok := b.Content("/x")
	require.True(t, ok)
	assert.Equal(t, "file", content)
}

func TestExecutor_UnknownBackend(t *testing.T) {
	a, b := newPair()
	actions := []Action{{Kind: ActionCopy, Key: "/x", Path: "/x", From: "a", To: "c"}}

	_, err := execute(t, actions, a, b)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Empty(t, a.Calls())
}

func TestExecutor_Workers(t *testing.T) {
	a, b := newPair()
	for _, p := range []string{"/1.txt", "/2.txt", "/3.txt", "/d/4.txt", "/d/5.txt"} {
		a.PutFile(p, p, t0)
	}

	actions := NewSeeder(pairAB).Plan(build(t, a, b))
	res, err := execute(t, actions, a, b, WithWorkers(4))
	require.NoError(t, err)
	assert.EqualValues(t, len(actions), res.Copied.Load())
	assert.Equal(t, a.Paths(), b.Paths())
}
