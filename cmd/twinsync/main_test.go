package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmined/twinsync/internal/config"
	"github.com/openmined/twinsync/internal/snapshot"
	"github.com/openmined/twinsync/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rootA, rootB string
	stateDir     string
	configPath   string
	logFile      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()
	f := &fixture{
		rootA:      filepath.Join(tmp, "a"),
		rootB:      filepath.Join(tmp, "b"),
		stateDir:   filepath.Join(tmp, "state"),
		configPath: filepath.Join(tmp, "config.yaml"),
		logFile:    filepath.Join(tmp, "logs", "twinsync.log"),
	}
	require.NoError(t, os.MkdirAll(f.rootA, 0o755))
	require.NoError(t, os.MkdirAll(f.rootB, 0o755))

	cfg := &config.Config{
		Backends: []config.BackendConfig{
			{ID: "a", Label: "laptop", Type: config.BackendLocal, Root: f.rootA},
			{ID: "b", Label: "backup", Type: config.BackendLocal, Root: f.rootB},
		},
		StateDir: f.stateDir,
	}
	require.NoError(t, cfg.Save(f.configPath))
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", f.configPath, "--log-file", f.logFile))
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.Detailed(), strings.TrimSpace(out.String()))
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.yaml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"init", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)
	assert.FileExists(t, path)

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"init", "--config", path})
	err := cmd.Execute()
	assert.ErrorIs(t, err, errConfigExists)

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"init", "--config", path, "--force"})
	require.NoError(t, cmd.Execute())
}

func TestSyncCommand_LocalFolders(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.rootA, "Docs", "report.txt"), "quarterly")
	writeFile(t, filepath.Join(f.rootB, "photo.jpg"), "jpeg")

	out, err := f.run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "DONE")
	assert.Contains(t, out, "sync")

	data, err := os.ReadFile(filepath.Join(f.rootB, "Docs", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(data))
	data, err = os.ReadFile(filepath.Join(f.rootA, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	assert.FileExists(t, filepath.Join(f.stateDir, snapshot.StateFileJSON))
	assert.FileExists(t, f.logFile)

	// a delete on b reaches a on the next run
	require.NoError(t, os.Remove(filepath.Join(f.rootB, "photo.jpg")))
	_, err = f.run(t, "sync")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.rootA, "photo.jpg"))
}

func TestSyncCommand_Simulate(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.rootA, "x.txt"), "x")

	out, err := f.run(t, "--simulate")
	require.NoError(t, err)
	assert.Contains(t, out, "simulated")
	assert.NoFileExists(t, filepath.Join(f.rootB, "x.txt"))
	assert.NoFileExists(t, filepath.Join(f.stateDir, snapshot.StateFileJSON))
}

func TestSyncCommand_FlagsOverrideConfig(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.rootA, "Private", "diary.txt"), "secret")
	writeFile(t, filepath.Join(f.rootA, "readme.txt"), "hello")
	otherState := filepath.Join(t.TempDir(), "state")

	_, err := f.run(t, "sync", "--ignore-folder", "/private", "--state-dir", otherState, "--state-format", "sqlite", "--workers", "4")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(f.rootB, "readme.txt"))
	assert.NoDirExists(t, filepath.Join(f.rootB, "Private"))
	assert.FileExists(t, filepath.Join(otherState, snapshot.StateFileSQLite))
	assert.NoDirExists(t, f.stateDir)
}

func TestSnapshotCommand_RefusesSimulate(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "snapshot", "--simulate")
	require.Error(t, err)
	assert.Contains(t, out, "FAILED")
}

func TestSyncCommand_InvalidConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "--state-format", "xml")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
