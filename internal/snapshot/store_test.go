package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	file := NewEntry("Report.txt", "/Docs/Report.txt")
	file.Backends["a"] = Present(ts)
	file.Backends["b"] = Absent()

	folder := NewEntry("Docs", "/Docs/")
	folder.Backends["a"] = Present(ts)
	folder.Backends["b"] = Present(ts.Add(time.Minute))

	return Snapshot{
		"/docs/report.txt": file,
		"/docs/":           folder,
	}
}

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"json": func() Store {
			return NewJSONStore(t.TempDir())
		},
		"sqlite": func() Store {
			s, err := OpenSQLiteStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			snap, found, err := s.Load(context.Background())
			require.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, snap)
		})
	}
}

func TestStore_SaveLoad(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			want := sampleSnapshot()
			require.NoError(t, s.Save(ctx, want))

			got, found, err := s.Load(ctx)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, want, got)

			// saving replaces, it does not merge
			smaller := Snapshot{"/docs/": want["/docs/"]}
			require.NoError(t, s.Save(ctx, smaller))
			got, _, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, smaller, got)
		})
	}
}

func TestStore_SaveEmpty(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			require.NoError(t, s.Save(ctx, Snapshot{}))
			got, found, err := s.Load(ctx)
			require.NoError(t, err)
			assert.True(t, found, "an empty saved snapshot is still a baseline")
			assert.Empty(t, got)
		})
	}
}

func TestJSONStore_Format(t *testing.T) {
	dir := t.TempDir()
	s := NewJSONStore(dir)
	require.NoError(t, s.Save(context.Background(), sampleSnapshot()))

	data, err := os.ReadFile(filepath.Join(dir, StateFileJSON))
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, jsonUnmarshal(data, &doc))

	entry := doc["/docs/report.txt"]
	require.NotNil(t, entry)
	assert.Equal(t, "Report.txt", entry["name"])
	assert.Equal(t, "/Docs/Report.txt", entry["path"])
	assert.Equal(t, map[string]any{"existent": true, "time": "20240506070809"}, entry["a"])
	assert.Equal(t, map[string]any{"existent": false, "time": nil}, entry["b"])
}

func TestJSONStore_LoadLegacyDocument(t *testing.T) {
	dir := t.TempDir()
	doc := `{
    "/music/song.mp3": {
        "name": "song.mp3",
        "path": "/Music/song.mp3",
        "dbx": {"existent": true, "time": "20230102030405"},
        "nxc": {"existent": false, "time": null}
    }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileJSON), []byte(doc), 0o644))

	snap, found, err := NewJSONStore(dir).Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)

	entry := snap["/music/song.mp3"]
	require.NotNil(t, entry)
	assert.Equal(t, time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), *entry.On("dbx").ModifiedAt)
	assert.False(t, entry.On("nxc").Exists)
	assert.Nil(t, entry.On("nxc").ModifiedAt)
}

func TestJSONStore_Corrupt(t *testing.T) {
	tests := map[string]string{
		"not json":      `{"/a": `,
		"missing name":  `{"/a": {"path": "/a"}}`,
		"bad timestamp": `{"/a": {"name": "a", "path": "/a", "x": {"existent": true, "time": "yesterday"}}}`,
		"bad presence":  `{"/a": {"name": "a", "path": "/a", "x": 42}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileJSON), []byte(doc), 0o644))

			_, _, err := NewJSONStore(dir).Load(context.Background())
			assert.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestReservedID(t *testing.T) {
	assert.True(t, ReservedID("name"))
	assert.True(t, ReservedID("path"))
	assert.False(t, ReservedID("a"))
}
