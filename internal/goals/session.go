package goals

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leducphy/goaltracker/internal/goals/auth"
)

// Session is the only surface the rest of the application talks to for
// session-level operations. It composes the client, the token lifecycle and
// the credential store.
type Session struct {
	client    *Client
	lifecycle *auth.Lifecycle
}

type SessionOpts struct {
	Skew time.Duration
	Now  func() time.Time
}

// NewSession wires the lifecycle between the store and the client: the
// client asks the lifecycle for tokens, the lifecycle uses the client as its
// renewal transport.
func NewSession(client *Client, store auth.CredentialStore, opts SessionOpts) *Session {
	lifecycle := auth.NewLifecycle(store, client, auth.LifecycleOpts{
		Skew: opts.Skew,
		Now:  opts.Now,
	})
	client.SetTokenSource(lifecycle)
	return &Session{client: client, lifecycle: lifecycle}
}

// Load restores a persisted session, if any. Call once at startup.
func (s *Session) Load() error {
	return s.lifecycle.Load()
}

// Login authenticates and adopts the returned credentials. On failure no
// local state is touched.
func (s *Session) Login(ctx context.Context, username, password string) (*auth.UserProfile, error) {
	creds, err := s.client.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.Adopt(creds.Tokens, creds.Profile); err != nil {
		return nil, err
	}
	log.Info().Str("email", creds.Profile.Email).Msg("logged in")
	profile := creds.Profile
	return &profile, nil
}

// Register creates an account without logging in.
func (s *Session) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.client.Register(ctx, req)
}

// Logout ends the session. The remote call is best effort: its failure is
// logged and discarded, because the user must always be able to leave a
// broken session. Local state is cleared unconditionally.
func (s *Session) Logout(ctx context.Context) error {
	if _, ok := s.lifecycle.Current(); ok {
		if err := s.client.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("remote logout failed; clearing local session anyway")
		}
	}
	return s.lifecycle.Invalidate()
}

// Current reports the session state without any network traffic.
func (s *Session) Current() (auth.UserProfile, bool) {
	return s.lifecycle.Current()
}

// RefreshProfile re-fetches the profile from the server and persists it.
// Tokens are not affected.
func (s *Session) RefreshProfile(ctx context.Context) (*auth.UserProfile, error) {
	profile, err := s.client.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.UpdateProfile(*profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// KeepAlive periodically performs a lightweight authenticated call so the
// access token gets renewed proactively instead of on the first real request
// after a long idle period. Runs until ctx is cancelled.
func (s *Session) KeepAlive(ctx context.Context, interval time.Duration) error {
	ping := func() {
		if _, ok := s.lifecycle.Current(); !ok {
			return
		}
		if _, err := s.RefreshProfile(ctx); err != nil {
			log.Info().Err(err).Msg("keep-alive ping failed")
		}
	}

	ping()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping session keep-alive")
			return ctx.Err()
		case <-ticker.C:
			ping()
		}
	}
}
