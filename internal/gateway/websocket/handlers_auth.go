package websocket

import (
	"context"

	"github.com/aether-os/aether/internal/kernel/errs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type validateRequest struct {
	Token string `json:"token"`
}

func (d *Dispatcher) registerAuthHandlers() {
	d.register(v1.CmdAuthLogin, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req loginRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid login payload")
		}
		token, user, err := d.deps.Auth.Login(ctx, req.Username, req.Password)
		if err != nil {
			return nil, err
		}
		c.setUser(user)
		return map[string]any{"token": token, "user": user}, nil
	})

	d.register(v1.CmdAuthRegister, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req registerRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid register payload")
		}
		user, err := d.deps.Auth.CreateUser(ctx, req.Username, req.Password, req.DisplayName, "")
		if err != nil {
			return nil, err
		}
		token, _, err := d.deps.Auth.Login(ctx, req.Username, req.Password)
		if err != nil {
			return nil, err
		}
		c.setUser(user)
		return map[string]any{"token": token, "user": user}, nil
	})

	d.register(v1.CmdAuthValidate, func(ctx context.Context, c *Client, frame *v1.Frame) (any, error) {
		var req validateRequest
		if err := frame.Decode(&req); err != nil {
			return nil, errs.InvalidArgument("invalid validate payload")
		}
		token := req.Token
		if token == "" {
			token = frame.Token
		}
		user, err := d.deps.Auth.ValidateToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return map[string]any{"valid": false}, nil
		}
		return map[string]any{"valid": true, "user": user}, nil
	})
}
