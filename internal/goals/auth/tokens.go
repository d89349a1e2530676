package auth

import "time"

// TokenSet holds the credentials returned by authentication or renewal.
// The server reports access and refresh expiry independently and does not
// guarantee any ordering between them, so both are checked on their own.
type TokenSet struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AccessFresh returns true if the access token is still usable beyond the
// renewal skew. Expiry checks against the local clock are advisory only; a
// 401 from the server always wins.
func (t *TokenSet) AccessFresh(now time.Time, skew time.Duration) bool {
	return t.AccessExpiresAt.Sub(now) > skew
}

// RefreshExpired returns true if the refresh token can no longer be used to
// renew the session.
func (t *TokenSet) RefreshExpired(now time.Time) bool {
	return !t.RefreshExpiresAt.After(now)
}

// UserProfile is the account identity cached alongside the token set for
// offline display. It is not authoritative; a fresh read from the server may
// diverge.
type UserProfile struct {
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Credentials bundles a token set with the profile it was issued for.
type Credentials struct {
	Tokens  TokenSet
	Profile UserProfile
}
