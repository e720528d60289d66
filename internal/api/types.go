package api

import (
	"encoding/json"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

// CommandRequest is the JSON body for POST /commands/{action}.
type CommandRequest struct {
	Fields map[string]any `json:"fields,omitempty"`
}

// CommandResponse is returned for a settled command.
type CommandResponse struct {
	CommandID int64           `json:"command_id"`
	Action    string          `json:"action"`
	Status    protocol.Status `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AcceptedResponse is returned for ?async=true submissions.
type AcceptedResponse struct {
	CommandID int64  `json:"command_id"`
	Action    string `json:"action"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerState   string `json:"worker_state"`
}
