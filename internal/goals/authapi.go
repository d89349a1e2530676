package goals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/leducphy/goaltracker/internal/goals/auth"
)

// authResponse is the wire shape of /auth/authenticate and
// /auth/refresh-token. Expiries are milliseconds since epoch.
type authResponse struct {
	User               userPayload `json:"user"`
	AccessToken        string      `json:"access_token"`
	RefreshToken       string      `json:"refresh_token"`
	AccessTokenExpire  int64       `json:"access_token_expire"`
	RefreshTokenExpire int64       `json:"refresh_token_expire"`
}

type userPayload struct {
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatar_url"`
}

func (p userPayload) profile() auth.UserProfile {
	return auth.UserProfile{
		Email:     p.Email,
		FullName:  p.FullName,
		Role:      p.Role,
		AvatarURL: p.AvatarURL,
	}
}

func (r *authResponse) credentials() *auth.Credentials {
	return &auth.Credentials{
		Tokens: auth.TokenSet{
			AccessToken:      r.AccessToken,
			RefreshToken:     r.RefreshToken,
			AccessExpiresAt:  time.UnixMilli(r.AccessTokenExpire),
			RefreshExpiresAt: time.UnixMilli(r.RefreshTokenExpire),
		},
		Profile: r.User.profile(),
	}
}

// Authenticate exchanges username/password for a token set and profile.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*auth.Credentials, error) {
	var res authResponse
	err := c.execute(ctx, http.MethodPost, "/auth/authenticate",
		map[string]string{"username": username, "password": password},
		&res, callOpts{noAuth: true})
	if err != nil {
		return nil, err
	}
	return res.credentials(), nil
}

// Renew exchanges a refresh token for a fresh token set. It implements
// auth.RenewalTransport: a server-side rejection of the refresh token comes
// back wrapping auth.ErrSessionExpired, anything else is a transport failure.
func (c *Client) Renew(ctx context.Context, refreshToken string) (*auth.Credentials, error) {
	var res authResponse
	err := c.execute(ctx, http.MethodPost, "/auth/refresh-token",
		map[string]string{"refresh_token": refreshToken},
		&res, callOpts{noAuth: true})
	if err != nil {
		if KindOf(err) == KindAuthRejected {
			return nil, fmt.Errorf("refresh token rejected: %w", auth.ErrSessionExpired)
		}
		return nil, err
	}
	return res.credentials(), nil
}

var _ auth.RenewalTransport = (*Client)(nil)

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// User is the created-user echo returned by registration.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// Register creates an account. It does not log the user in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	var user User
	err := c.execute(ctx, http.MethodPost, "/auth/register", req, &user, callOpts{noAuth: true})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout tells the backend to revoke the current session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.execute(ctx, http.MethodPost, "/auth/logout", nil, nil, callOpts{})
	// A rejected token during logout means the session is already gone
	// server-side, which is the outcome logout wants anyway.
	if err != nil && errors.Is(err, auth.ErrSessionExpired) {
		return nil
	}
	return err
}
