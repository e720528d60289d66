package worker

import "errors"

var (
	// ErrStartup wraps every failure to bring a worker to readiness.
	ErrStartup = errors.New("worker startup failed")

	// ErrNotRunning is returned when writing to a worker that has exited.
	ErrNotRunning = errors.New("worker is not running")
)
