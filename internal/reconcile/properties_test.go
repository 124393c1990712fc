package reconcile

import (
	"testing"

	"github.com/openmined/twinsync/internal/backend/backendtest"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperty_Idempotence(t *testing.T) {
	a, b := newPair()
	a.PutFile("/shared.txt", "base", t0)
	b.PutFile("/shared.txt", "base", t0)
	a.PutFile("/gone.txt", "x", t0)
	b.PutFile("/gone.txt", "x", t0)
	prev := build(t, a, b)

	a.PutFile("/shared.txt", "AAAA", t1)
	b.PutFile("/shared.txt", "BBBB", t2)
	a.PutFolder("/new/")
	a.PutFile("/new/file.txt", "hello", t1)
	b.RemovePath("/gone.txt")

	actions := NewReconciler(pairAB).Plan(prev, build(t, a, b))
	require.NotEmpty(t, actions)
	_, err := execute(t, actions, a, b)
	require.NoError(t, err)

	baseline := build(t, a, b)
	assert.Empty(t, NewReconciler(pairAB).Plan(baseline, build(t, a, b)))
	assert.Equal(t, a.Paths(), b.Paths())
}

func TestProperty_SingleSideCreateIsOneCopy(t *testing.T) {
	a, b := newPair()
	a.PutFile("/only-a.txt", "a", t1)

	got := NewReconciler(pairAB).Plan(snapshot.Snapshot{}, build(t, a, b))
	assert.Equal(t, []Action{{Kind: ActionCopy, Key: "/only-a.txt", Path: "/only-a.txt", From: "a", To: "b"}}, got)
}

func TestProperty_ConvergentDeletes(t *testing.T) {
	a, b := newPair()
	a.PutFile("/x.txt", "x", t0)
	b.PutFile("/x.txt", "x", t0)
	prev := build(t, a, b)

	a.RemovePath("/x.txt")
	b.RemovePath("/x.txt")
	curr := build(t, a, b)

	assert.Empty(t, NewReconciler(pairAB).Plan(prev, curr))
	_, ok := curr["/x.txt"]
	assert.False(t, ok)
}

func TestProperty_FolderStructuralPropagation(t *testing.T) {
	a, b := newPair()
	prev := build(t, a, b)
	b.PutFolder("/new/")

	actions := NewReconciler(pairAB).Plan(prev, build(t, a, b))
	_, err := execute(t, actions, a, b)
	require.NoError(t, err)

	assert.Equal(t, []backendtest.Call{{Op: backendtest.OpCreateFolder, Path: "/new/"}}, a.Mutations())
	assert.NotContains(t, b.Calls(), backendtest.Call{Op: backendtest.OpOpen, Path: "/new/"})
}

func TestScenario_DeleteOnFirstOnly(t *testing.T) {
	a, b := newPair()
	a.PutFile("/a.txt", "same", t0)
	b.PutFile("/a.txt", "same", t0)
	prev := build(t, a, b)

	a.RemovePath("/a.txt")
	curr := build(t, a, b)
	a.ResetCalls()
	b.ResetCalls()

	_, err := execute(t, NewReconciler(pairAB).Plan(prev, curr), a, b)
	require.NoError(t, err)
	assert.Equal(t, []backendtest.Call{{Op: backendtest.OpDelete, Path: "/a.txt"}}, b.Calls())
	assert.Empty(t, a.Calls())
}

func TestScenario_FirstRunSeedsFolder(t *testing.T) {
	a, b := newPair()
	a.PutFolder("/docs/")
	curr := build(t, a, b)
	a.ResetCalls()
	b.ResetCalls()

	_, err := execute(t, NewSeeder(pairAB).Plan(curr), a, b)
	require.NoError(t, err)
	assert.Equal(t, []backendtest.Call{{Op: backendtest.OpCreateFolder, Path: "/docs/"}}, b.Calls())
	assert.Empty(t, a.Calls())
}

func TestScenario_PathChangesKind(t *testing.T) {
	tests := []struct {
		name    string
		before  func(m *backendtest.Memory)
		after   func(m *backendtest.Memory)
		workers int
	}{
		{
			name:   "folder becomes file",
			before: func(m *backendtest.Memory) { m.PutFile("/x/y.txt", "y", t0) },
			after: func(m *backendtest.Memory) {
				m.RemovePath("/x/")
				m.PutFile("/x", "file", t1)
			},
			workers: 1,
		},
		{
			name:   "file becomes folder",
			before: func(m *backendtest.Memory) { m.PutFile("/x", "file", t0) },
			after: func(m *backendtest.Memory) {
				m.RemovePath("/x")
				m.PutFile("/x/y.txt", "y", t1)
			},
			workers: 1,
		},
		{
			name:   "file becomes folder with workers",
			before: func(m *backendtest.Memory) { m.PutFile("/x", "file", t0) },
			after: func(m *backendtest.Memory) {
				m.RemovePath("/x")
				m.PutFile("/x/y.txt", "y", t1)
				m.PutFile("/x/z.txt", "z", t1)
			},
			workers: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newPair()
			tt.before(a)
			tt.before(b)
			prev := build(t, a, b)

			tt.after(a)
			actions := NewReconciler(pairAB).Plan(prev, build(t, a, b))
			_, err := execute(t, actions, a, b, WithWorkers(tt.workers))
			require.NoError(t, err)

			assert.Equal(t, a.Paths(), b.Paths())
			baseline := build(t, a, b)
			assert.Empty(t, NewReconciler(pairAB).Plan(baseline, build(t, a, b)))
		})
	}
}
