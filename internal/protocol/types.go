package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Status is the status string carried by worker responses and progress lines.
type Status string

// Response statuses the worker is known to emit.
const (
	StatusSuccess     Status = "SUCCESS"
	StatusOTPRequired Status = "OTP_REQUIRED" // credentials accepted, verification code pending
	StatusNotFound    Status = "NOT_FOUND"
	StatusFailed      Status = "FAILED"
)

// Progress statuses emitted on unsolicited progress lines.
const (
	ProgressRunning   Status = "RUNNING"
	ProgressPaused    Status = "PAUSED"
	ProgressResumed   Status = "RESUMED"
	ProgressCompleted Status = "COMPLETED"
	ProgressFailed    Status = "FAILED"
	ProgressStopped   Status = "STOPPED"
)

// DefaultSuccessStatuses are the statuses that resolve a command rather than fail it.
var DefaultSuccessStatuses = []Status{StatusSuccess, StatusOTPRequired, StatusNotFound}

// Reserved keys on an outbound command line. Fields with these names are overwritten.
const (
	KeyAction    = "action"
	KeyCommandID = "commandId"
)

// Message types on inbound lines without correlation.
const (
	TypeProgress = "progress"
	TypeReady    = "ready"
)

// Command is one outbound request written to the worker's stdin.
type Command struct {
	ID     int64
	Action string
	Fields map[string]any
}

// MarshalJSON flattens Fields next to the action and commandId keys.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		out[k] = v
	}
	out[KeyAction] = c.Action
	out[KeyCommandID] = c.ID

	// Field values go to the worker verbatim; no HTML escaping.
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Response is a correlated reply from the worker.
type Response struct {
	CommandID int64           `json:"commandId"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`

	// Raw is the complete line as received, for callers that need fields
	// outside the envelope.
	Raw json.RawMessage `json:"-"`
}

// FailureMessage returns the worker-supplied error text, if any.
func (r *Response) FailureMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

// ProgressEvent is an unsolicited status line for a long-running batch.
type ProgressEvent struct {
	Status    Status          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Current   *int            `json:"current,omitempty"`
	Total     *int            `json:"total,omitempty"`
	CommandID *int64          `json:"commandId,omitempty"`
	Raw       json.RawMessage `json:"-"`

	ReceivedAt time.Time `json:"received_at"`
}

// Terminal reports whether the status ends a batch (completed, failed, stopped).
func (p ProgressEvent) Terminal() bool {
	switch Status(strings.ToUpper(string(p.Status))) {
	case ProgressCompleted, ProgressFailed, ProgressStopped:
		return true
	}
	return false
}

// Percent returns completion in [0,100], or -1 when current/total are unknown.
func (p ProgressEvent) Percent() float64 {
	if p.Current == nil || p.Total == nil || *p.Total <= 0 {
		return -1
	}
	pct := float64(*p.Current) * 100 / float64(*p.Total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Kind classifies a decoded inbound line.
type Kind int

const (
	KindUnknown Kind = iota
	KindResponse
	KindProgress
	KindReady
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindProgress:
		return "progress"
	case KindReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Message is one decoded inbound line. For KindResponse, Progress is also set
// when the line has a progress shape, so an unmatched response can still be
// broadcast.
type Message struct {
	Kind     Kind
	Response *Response
	Progress *ProgressEvent
}
