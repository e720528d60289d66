package resolve

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// sourceExtensions are never treated as the worker binary during a scan.
var sourceExtensions = map[string]struct{}{
	".py": {}, ".pyc": {}, ".pyw": {}, ".pyi": {},
	".js": {}, ".mjs": {}, ".cjs": {}, ".ts": {}, ".map": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".txt": {}, ".md": {},
	".cfg": {}, ".ini": {}, ".spec": {}, ".log": {}, ".toml": {},
	".dll": {}, ".so": {}, ".dylib": {},
}

// PackagedBinary looks for a single packaged executable at a fixed path.
// When the path is a directory (one-folder bundles) it is normalized to the
// executable inside it.
type PackagedBinary struct {
	Path       string
	Executable string // preferred executable name when normalizing a directory
}

// Name implements Strategy.
func (s PackagedBinary) Name() string { return "packaged-binary" }

// Resolve implements Strategy.
func (s PackagedBinary) Resolve() (Target, error) {
	if s.Path == "" {
		return Target{}, fmt.Errorf("%w: no packaged path configured", ErrNotFound)
	}
	for _, candidate := range withPlatformSuffix(s.Path) {
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			exe, err := NormalizeDir(candidate, s.Executable)
			if err != nil {
				return Target{}, err
			}
			return Target{Path: exe}, nil
		}
		if !isExecutable(candidate, info) {
			return Target{}, fmt.Errorf("%w: %s is not executable", ErrNotFound, candidate)
		}
		return Target{Path: candidate}, nil
	}
	return Target{}, fmt.Errorf("%w: %s does not exist", ErrNotFound, s.Path)
}

// DirectoryScan picks an executable out of a resource folder.
type DirectoryScan struct {
	Dir        string
	Executable string
}

// Name implements Strategy.
func (s DirectoryScan) Name() string { return "directory-scan" }

// Resolve implements Strategy.
func (s DirectoryScan) Resolve() (Target, error) {
	if s.Dir == "" {
		return Target{}, fmt.Errorf("%w: no scan directory configured", ErrNotFound)
	}
	info, err := os.Stat(s.Dir)
	if err != nil || !info.IsDir() {
		return Target{}, fmt.Errorf("%w: %s is not a directory", ErrNotFound, s.Dir)
	}
	exe, err := NormalizeDir(s.Dir, s.Executable)
	if err != nil {
		return Target{}, err
	}
	return Target{Path: exe}, nil
}

// EmbeddedInterpreter runs the worker script with an interpreter shipped
// alongside the application.
type EmbeddedInterpreter struct {
	Interpreter string
	Script      string
}

// Name implements Strategy.
func (s EmbeddedInterpreter) Name() string { return "embedded-interpreter" }

// Resolve implements Strategy.
func (s EmbeddedInterpreter) Resolve() (Target, error) {
	if s.Interpreter == "" || s.Script == "" {
		return Target{}, fmt.Errorf("%w: embedded interpreter not configured", ErrNotFound)
	}
	var interp string
	for _, candidate := range withPlatformSuffix(s.Interpreter) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && isExecutable(candidate, info) {
			interp = candidate
			break
		}
	}
	if interp == "" {
		return Target{}, fmt.Errorf("%w: interpreter %s missing", ErrNotFound, s.Interpreter)
	}
	if err := requireFile(s.Script); err != nil {
		return Target{}, err
	}
	return Target{Path: interp, Args: []string{s.Script}, Entry: s.Script}, nil
}

// SystemInterpreter is the last resort: an interpreter found on PATH.
type SystemInterpreter struct {
	Candidates []string // e.g. python3, python
	Script     string
	LookPath   func(string) (string, error)
}

// Name implements Strategy.
func (s SystemInterpreter) Name() string { return "system-interpreter" }

// Resolve implements Strategy.
func (s SystemInterpreter) Resolve() (Target, error) {
	if s.Script == "" || len(s.Candidates) == 0 {
		return Target{}, fmt.Errorf("%w: system interpreter not configured", ErrNotFound)
	}
	if err := requireFile(s.Script); err != nil {
		return Target{}, err
	}
	lookPath := s.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range s.Candidates {
		if p, err := lookPath(name); err == nil {
			return Target{Path: p, Args: []string{s.Script}, Entry: s.Script}, nil
		}
	}
	return Target{}, fmt.Errorf("%w: none of %s on PATH", ErrNotFound, strings.Join(s.Candidates, ", "))
}

// NormalizeDir finds the single plausible executable inside dir. A file
// named preferred (with or without the platform suffix) wins; otherwise
// exactly one executable, non-source file must exist.
func NormalizeDir(dir, preferred string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// An unreadable directory is a miss; later strategies still get a turn.
		return "", fmt.Errorf("%w: read %s: %w", ErrNotFound, dir, err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, skip := sourceExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; skip {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		info, err := os.Stat(full)
		if err != nil || !isExecutable(full, info) {
			continue
		}
		if preferred != "" && trimPlatformSuffix(entry.Name()) == preferred {
			return full, nil
		}
		candidates = append(candidates, full)
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: no executable in %s", ErrNotFound, dir)
	case 1:
		return candidates[0], nil
	default:
		sort.Strings(candidates)
		return "", fmt.Errorf("%w: %d executables in %s, cannot choose (%s)", ErrNotFound, len(candidates), dir, strings.Join(candidates, ", "))
	}
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: script %s missing", ErrNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: script %s is a directory", ErrNotFound, path)
	}
	return nil
}

func isExecutable(path string, info os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(filepath.Ext(path), ".exe")
	}
	return info.Mode().IsRegular() && info.Mode()&0o111 != 0
}

func withPlatformSuffix(path string) []string {
	if runtime.GOOS == "windows" && !strings.EqualFold(filepath.Ext(path), ".exe") {
		return []string{path + ".exe", path}
	}
	return []string{path}
}

func trimPlatformSuffix(name string) string {
	if runtime.GOOS == "windows" {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}
