package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func writeFile(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho ok\n"), mode))
}

type fakeStrategy struct {
	name   string
	target Target
	err    error
	calls  *int
}

func (f fakeStrategy) Name() string { return f.name }

func (f fakeStrategy) Resolve() (Target, error) {
	if f.calls != nil {
		*f.calls++
	}
	return f.target, f.err
}

func TestChain_FirstMatchWins(t *testing.T) {
	var laterCalls int
	chain := NewChain(
		fakeStrategy{name: "a", err: ErrNotFound},
		fakeStrategy{name: "b", target: Target{Path: "/opt/worker"}},
		fakeStrategy{name: "c", target: Target{Path: "/never"}, calls: &laterCalls},
	)

	target, err := chain.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "b", target.Strategy)
	assert.Equal(t, "/opt/worker", target.Path)
	assert.Equal(t, "/opt/worker", target.Entry)
	assert.Zero(t, laterCalls)
}

func TestChain_AllMiss(t *testing.T) {
	chain := NewChain(
		fakeStrategy{name: "a", err: ErrNotFound},
		fakeStrategy{name: "b", err: ErrNotFound},
	)
	_, err := chain.Resolve()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "tried: a, b")
}

func TestChain_HardErrorAborts(t *testing.T) {
	var laterCalls int
	chain := NewChain(
		fakeStrategy{name: "broken", err: errors.New("permission denied")},
		fakeStrategy{name: "b", target: Target{Path: "/x"}, calls: &laterCalls},
	)
	_, err := chain.Resolve()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Zero(t, laterCalls)
}

func TestChain_Empty(t *testing.T) {
	_, err := NewChain().Resolve()
	assert.Error(t, err)
}

func TestPackagedBinary(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "bin", "worker")
	writeFile(t, exe, 0o755)

	target, err := PackagedBinary{Path: exe}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, exe, target.Path)

	_, err = PackagedBinary{Path: filepath.Join(dir, "bin", "missing")}.Resolve()
	assert.True(t, errors.Is(err, ErrNotFound))

	plain := filepath.Join(dir, "bin", "plain")
	writeFile(t, plain, 0o644)
	_, err = PackagedBinary{Path: plain}.Resolve()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPackagedBinary_DirectoryIsNormalized(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "worker")
	writeFile(t, filepath.Join(bundle, "worker"), 0o755)
	writeFile(t, filepath.Join(bundle, "helper"), 0o755)
	writeFile(t, filepath.Join(bundle, "base_library.zip"), 0o644)

	target, err := PackagedBinary{Path: bundle, Executable: "worker"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bundle, "worker"), target.Path)
}

func TestNormalizeDir(t *testing.T) {
	t.Run("single executable", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "runner"), 0o755)
		writeFile(t, filepath.Join(dir, "main.py"), 0o755)
		writeFile(t, filepath.Join(dir, "notes.txt"), 0o644)
		writeFile(t, filepath.Join(dir, ".hidden"), 0o755)

		exe, err := NormalizeDir(dir, "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "runner"), exe)
	})

	t.Run("ambiguous", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "one"), 0o755)
		writeFile(t, filepath.Join(dir, "two"), 0o755)

		_, err := NormalizeDir(dir, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("preferred name breaks ties", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "one"), 0o755)
		writeFile(t, filepath.Join(dir, "two"), 0o755)

		exe, err := NormalizeDir(dir, "two")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "two"), exe)
	})

	t.Run("unreadable is a miss", func(t *testing.T) {
		notDir := filepath.Join(t.TempDir(), "worker")
		writeFile(t, notDir, 0o755)

		_, err := NormalizeDir(notDir, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("only sources", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "worker.js"), 0o755)
		writeFile(t, filepath.Join(dir, "worker.py"), 0o755)

		_, err := NormalizeDir(dir, "")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "automation"), 0o755)

	target, err := DirectoryScan{Dir: dir}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "automation"), target.Path)

	_, err = DirectoryScan{Dir: filepath.Join(dir, "nope")}.Resolve()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEmbeddedInterpreter(t *testing.T) {
	dir := t.TempDir()
	interp := filepath.Join(dir, "runtime", "python3")
	script := filepath.Join(dir, "worker", "worker.py")
	writeFile(t, interp, 0o755)
	writeFile(t, script, 0o644)

	target, err := EmbeddedInterpreter{Interpreter: interp, Script: script}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, interp, target.Path)
	assert.Equal(t, []string{script}, target.Args)
	assert.Equal(t, script, target.Entry)

	_, err = EmbeddedInterpreter{Interpreter: interp, Script: script + ".missing"}.Resolve()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSystemInterpreter(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.py")
	writeFile(t, script, 0o644)

	lookups := []string{}
	s := SystemInterpreter{
		Candidates: []string{"python3", "python"},
		Script:     script,
		LookPath: func(name string) (string, error) {
			lookups = append(lookups, name)
			if name == "python" {
				return "/usr/bin/python", nil
			}
			return "", errors.New("not found")
		},
	}

	target, err := s.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python", target.Path)
	assert.Equal(t, []string{"python3", "python"}, lookups)

	s.LookPath = func(string) (string, error) { return "", errors.New("not found") }
	_, err = s.Resolve()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFromLayout_Order(t *testing.T) {
	resources := t.TempDir()
	install := t.TempDir()
	writeFile(t, filepath.Join(install, "worker", "worker.py"), 0o644)
	writeFile(t, filepath.Join(resources, "runtime", "python3"), 0o755)

	layout := Layout{
		InstallRoot:         install,
		ResourceRoot:        resources,
		PackagedPath:        "bin/worker",
		ScanDir:             "dist",
		EmbeddedInterpreter: "runtime/python3",
		Script:              "worker/worker.py",
		SystemInterpreters:  []string{"python3"},
	}
	chain := FromLayout(layout)
	assert.Equal(t, []string{"packaged-binary", "directory-scan", "embedded-interpreter", "system-interpreter"}, chain.Strategies())

	target, err := chain.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "embedded-interpreter", target.Strategy)
	assert.Equal(t, []string{filepath.Join(install, "worker", "worker.py")}, target.Args)

	// A packaged binary takes precedence once present.
	writeFile(t, filepath.Join(resources, "bin", "worker"), 0o755)
	target, err = FromLayout(layout).Resolve()
	require.NoError(t, err)
	assert.Equal(t, "packaged-binary", target.Strategy)
}

func TestVerifyChecksum(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "worker")
	writeFile(t, exe, 0o755)

	sum, err := ComputeBlake3(exe)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	target := Target{Path: exe, Entry: exe}
	assert.NoError(t, VerifyChecksum(target, ""))
	assert.NoError(t, VerifyChecksum(target, sum))
	assert.Error(t, VerifyChecksum(target, "00"+sum[2:]))
}

func TestFromLayout_UnreadableScanDirFallsThrough(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root reads any directory")
	}
	root := t.TempDir()
	scan := filepath.Join(root, "worker")
	require.NoError(t, os.MkdirAll(scan, 0o755))
	require.NoError(t, os.Chmod(scan, 0))
	t.Cleanup(func() { _ = os.Chmod(scan, 0o755) })

	interp := filepath.Join(root, "runtime", "python3")
	writeFile(t, interp, 0o755)
	writeFile(t, filepath.Join(root, "scripts", "worker.py"), 0o644)

	target, err := FromLayout(Layout{
		ResourceRoot:        root,
		ScanDir:             "worker",
		EmbeddedInterpreter: "runtime/python3",
		Script:              "scripts/worker.py",
	}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, "embedded-interpreter", target.Strategy)
	assert.Equal(t, interp, target.Path)
}
