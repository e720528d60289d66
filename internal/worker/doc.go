// Package worker supervises the single long-running automation worker process.
//
// The Supervisor resolves the worker executable, spawns it with piped
// stdin/stdout/stderr in its own process group, and tracks a small lifecycle:
//
//	NotStarted → Starting → Ready → Exited → Starting → ...
//	               └──────→ Exited (spawn failure / exit before readiness)
//
// Readiness is whichever comes first: the started signal (process start in
// ReadyOnStart mode, a {"type":"ready"} line in ReadyOnHandshake mode) or the
// readiness timeout, in which case a still-alive process is accepted.
//
// Every complete stdout line is handed to the Handler; when the process exits
// the Handler is told once, after stdout has drained (bounded by DrainTimeout).
//
// Termination: SIGTERM to the process group, KillGrace, then SIGKILL.
package worker
