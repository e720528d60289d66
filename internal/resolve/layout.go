package resolve

import "path/filepath"

// Layout describes where a deployment may keep the worker. Relative paths are
// taken relative to ResourceRoot, except Script which falls back to
// InstallRoot when it is not found under ResourceRoot.
type Layout struct {
	InstallRoot  string
	ResourceRoot string

	PackagedPath string // e.g. "bin/worker"
	ScanDir      string // e.g. "worker"
	Executable   string // preferred name inside a directory

	EmbeddedInterpreter string   // e.g. "runtime/python/bin/python3"
	Script              string   // e.g. "worker/worker.py"
	SystemInterpreters  []string // e.g. python3, python
}

// FromLayout builds the standard four-step chain: packaged binary, directory
// scan, embedded interpreter, system interpreter.
func FromLayout(l Layout) *Chain {
	script := l.resourcePath(l.Script)
	if l.Script != "" && !filepath.IsAbs(l.Script) && l.InstallRoot != "" {
		if err := requireFile(script); err != nil {
			script = filepath.Join(l.InstallRoot, l.Script)
		}
	}

	return NewChain(
		PackagedBinary{Path: l.resourcePath(l.PackagedPath), Executable: l.Executable},
		DirectoryScan{Dir: l.resourcePath(l.ScanDir), Executable: l.Executable},
		EmbeddedInterpreter{Interpreter: l.resourcePath(l.EmbeddedInterpreter), Script: script},
		SystemInterpreter{Candidates: l.SystemInterpreters, Script: script},
	)
}

func (l Layout) resourcePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.ResourceRoot, p)
}
