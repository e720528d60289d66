package commands

import (
	"context"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

// ControlClient sends cooperative batch signals. They are ordinary commands
// with their own ids and responses; the worker decides when to honour them.
type ControlClient struct {
	sender Sender
}

func NewControlClient(s Sender) (*ControlClient, error) {
	if s == nil {
		return nil, ErrNoSender
	}
	return &ControlClient{sender: s}, nil
}

func (c *ControlClient) Pause(ctx context.Context) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionPause, nil)
}

func (c *ControlClient) Resume(ctx context.Context) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionResume, nil)
}

func (c *ControlClient) Stop(ctx context.Context) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionStop, nil)
}

// Signal sends pause, resume or stop by name.
func (c *ControlClient) Signal(ctx context.Context, name string) (*protocol.Response, error) {
	switch name {
	case ActionPause:
		return c.Pause(ctx)
	case ActionResume:
		return c.Resume(ctx)
	case ActionStop:
		return c.Stop(ctx)
	}
	return nil, &UnknownSignalError{Name: name}
}

// UnknownSignalError reports a control signal other than pause, resume or stop.
type UnknownSignalError struct {
	Name string
}

func (e *UnknownSignalError) Error() string {
	return "unknown control signal: " + e.Name
}
