// Package commands provides typed clients over the worker command channel.
// Each method shapes one action and its fields and forwards it unchanged;
// there are no retries, caching or error rewriting here.
package commands

import (
	"context"
	"errors"

	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/sparkvisionsa/valuetech-bridge/internal/commands Sender

// Sender delivers commands to the worker.
type Sender interface {
	Send(ctx context.Context, action string, fields map[string]any) (*protocol.Response, error)
	Submit(ctx context.Context, action string, fields map[string]any) *dispatch.Outcome
}

// ErrNoSender is returned by the constructors when given a nil Sender.
var ErrNoSender = errors.New("commands: sender is required")

// Worker actions.
const (
	ActionLogin         = "login"
	ActionSubmitOTP     = "submit-otp"
	ActionCheckStatus   = "check-status"
	ActionListAccounts  = "list-accounts"
	ActionSwitchAccount = "switch-account"
	ActionRegister      = "register"
	ActionPing          = "ping"

	ActionValidateReport     = "validate-report"
	ActionCreateBatchAssets  = "create-batch-assets"
	ActionCollectIdentifiers = "collect-identifiers"
	ActionFillFields         = "fill-fields"
	ActionFullCheck          = "full-check"
	ActionHalfCheck          = "half-check"

	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)
