package dispatch

import (
	"errors"
	"fmt"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

var (
	// ErrTransport is returned when a command could not be written to the worker.
	ErrTransport = errors.New("failed to deliver command to worker")

	// ErrWorkerExited is returned to every command outstanding when the worker exits.
	ErrWorkerExited = errors.New("worker exited before responding")
)

// CommandError is a well-formed response with a failure-like status.
type CommandError struct {
	CommandID int64
	Action    string
	Status    protocol.Status
	Message   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (command %d) failed with status %s: %s", e.Action, e.CommandID, e.Status, e.Message)
}
