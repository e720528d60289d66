// Package dispatch correlates commands sent to the worker with its responses.
//
// The Dispatcher assigns each outbound command a monotonically increasing
// commandId, records a pending entry before writing the line, and routes each
// inbound response to exactly one caller by id. Responses may arrive in any
// order.
//
// Error handling:
//   - Worker cannot be started → the outcome fails with worker.ErrStartup, no id allocated
//   - Write to stdin fails → pending entry removed, outcome fails with ErrTransport
//   - Unparseable line → logged and dropped, nothing surfaced
//   - Failure-like status → outcome fails with *CommandError
//   - Worker exits → every pending command of that worker fails with ErrWorkerExited
//
// Unsolicited progress lines never touch the pending table; they are
// published to the progress channel.
//
// Limitations:
//   - No per-command timeout; a caller that wants one passes a context deadline
//   - No retries; callers re-send, which respawns the worker if needed
//   - No backpressure on the number of pending commands
package dispatch
