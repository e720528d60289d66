package commands

import (
	"context"

	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

// AuthClient drives the worker's session with the remote portal.
type AuthClient struct {
	sender Sender
}

func NewAuthClient(s Sender) (*AuthClient, error) {
	if s == nil {
		return nil, ErrNoSender
	}
	return &AuthClient{sender: s}, nil
}

// Registration is the account data for Register.
type Registration struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

// Login starts a session. An OTP_REQUIRED status means SubmitOTP must follow.
func (c *AuthClient) Login(ctx context.Context, email, password string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionLogin, map[string]any{
		"email":    email,
		"password": password,
	})
}

func (c *AuthClient) SubmitOTP(ctx context.Context, code string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionSubmitOTP, map[string]any{"otp": code})
}

func (c *AuthClient) CheckStatus(ctx context.Context) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionCheckStatus, nil)
}

func (c *AuthClient) ListAccounts(ctx context.Context) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionListAccounts, nil)
}

func (c *AuthClient) SwitchAccount(ctx context.Context, accountID string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionSwitchAccount, map[string]any{"accountId": accountID})
}

func (c *AuthClient) Register(ctx context.Context, r Registration) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionRegister, map[string]any{
		"name":     r.Name,
		"email":    r.Email,
		"phone":    r.Phone,
		"password": r.Password,
	})
}

// Ping checks the worker answers at all.
func (c *AuthClient) Ping(ctx context.Context) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionPing, nil)
}
