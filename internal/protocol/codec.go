package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyLine is returned by DecodeLine for blank input.
var ErrEmptyLine = errors.New("empty line")

// EncodeCommand serializes cmd as a single newline-terminated JSON line.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Action == "" {
		return nil, fmt.Errorf("command %d has no action", cmd.ID)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return buf.Bytes(), nil
}

type probe struct {
	Type      string          `json:"type"`
	CommandID *int64          `json:"commandId"`
	Status    Status          `json:"status"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload"`
	Current   *int            `json:"current"`
	Total     *int            `json:"total"`
}

// DecodeLine parses one inbound line. Lines that are not JSON objects are
// returned as errors; callers log and drop them.
func DecodeLine(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	if line[0] != '{' {
		return nil, fmt.Errorf("line is not a JSON object")
	}

	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("failed to decode line: %w", err)
	}

	raw := json.RawMessage(append([]byte(nil), line...))
	typ := strings.ToLower(strings.TrimSpace(p.Type))

	switch {
	case typ == TypeReady:
		return &Message{Kind: KindReady}, nil

	case typ == TypeProgress:
		return &Message{Kind: KindProgress, Progress: p.progress(raw)}, nil

	case p.CommandID != nil:
		msg := &Message{
			Kind: KindResponse,
			Response: &Response{
				CommandID: *p.CommandID,
				Status:    p.Status,
				Payload:   p.Payload,
				Error:     p.Error,
				Message:   p.Message,
				Raw:       raw,
			},
		}
		if p.Current != nil || p.Total != nil {
			msg.Progress = p.progress(raw)
		}
		return msg, nil

	case p.Status != "":
		return &Message{Kind: KindProgress, Progress: p.progress(raw)}, nil
	}

	return &Message{Kind: KindUnknown}, nil
}

func (p probe) progress(raw json.RawMessage) *ProgressEvent {
	return &ProgressEvent{
		Status:     p.Status,
		Message:    p.Message,
		Current:    p.Current,
		Total:      p.Total,
		CommandID:  p.CommandID,
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	}
}

// IsReadySignal reports whether line is the worker's readiness handshake.
func IsReadySignal(line []byte) bool {
	msg, err := DecodeLine(line)
	return err == nil && msg.Kind == KindReady
}
