package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/petervdpas/roomchat/internal/proto"
)

type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type SignInResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	RequiresOTP  bool     `json:"requiresOtp"`
	UserType     []string `json:"userType"`
	TokenType    string   `json:"tokenType"`
}

// Verification is the backend's view of the current bearer token.
type Verification struct {
	Valid       bool     `json:"valid"`
	UserID      string   `json:"userId,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
}

// SignIn exchanges credentials for tokens. On success the access token is
// installed on the client.
func (c *Client) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if err := proto.Validator().Struct(req); err != nil {
		return nil, fmt.Errorf("api: sign-in: %w", err)
	}
	var out SignInResponse
	if err := c.doJSON(ctx, http.MethodPost, "/identity/api/v1/auth/sign-in", req, &out); err != nil {
		return nil, err
	}
	if out.RequiresOTP {
		return &out, fmt.Errorf("api: sign-in: one-time password required")
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("api: sign-in: empty access token")
	}
	c.SetToken(out.AccessToken)
	return &out, nil
}

// Verify asks the backend whether the current token is valid.
func (c *Client) Verify(ctx context.Context) (*Verification, error) {
	var out Verification
	if err := c.doJSON(ctx, http.MethodPost, "/identity/api/v1/auth/verification", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
