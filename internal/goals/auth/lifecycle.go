package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired means there is no usable session: either the user never
// logged in, the refresh token has expired, or the server rejected it. Callers
// must route the user back to login; retrying is pointless.
var ErrSessionExpired = errors.New("session expired")

const (
	// DefaultRenewalSkew is subtracted from the access token's expiry so
	// renewal starts before the server's own clock would reject the token.
	DefaultRenewalSkew = 30 * time.Second

	// renewalTimeout bounds the detached renewal round-trip. The renewal runs
	// on its own context so a caller that gives up waiting does not abort a
	// renewal other callers still depend on.
	renewalTimeout = 15 * time.Second
)

// CredentialStore persists the token set and cached profile. Absent
// credentials are reported as (nil, nil); storage failures are real errors
// and must never be reported as absent.
type CredentialStore interface {
	Persist(tokens TokenSet, profile UserProfile) error
	ReadTokenSet() (*TokenSet, error)
	ReadProfile() (*UserProfile, error)
	Clear() error
}

// RenewalTransport performs the refresh round-trip against the backend.
// Implementations return ErrSessionExpired (wrapped) when the server rejects
// the refresh token, and any other error for transport-level failures.
type RenewalTransport interface {
	Renew(ctx context.Context, refreshToken string) (*Credentials, error)
}

// Lifecycle owns the token state machine. It is the only writer of the token
// set; everything else obtains tokens through AccessToken.
type Lifecycle struct {
	store     CredentialStore
	transport RenewalTransport
	skew      time.Duration
	now       func() time.Time

	mu      sync.Mutex
	tokens  *TokenSet
	profile *UserProfile

	renew singleflight.Group
}

// LifecycleOpts carries optional knobs; zero values pick defaults.
type LifecycleOpts struct {
	Skew time.Duration
	Now  func() time.Time
}

func NewLifecycle(store CredentialStore, transport RenewalTransport, opts LifecycleOpts) *Lifecycle {
	l := &Lifecycle{
		store:     store,
		transport: transport,
		skew:      opts.Skew,
		now:       opts.Now,
	}
	if l.skew <= 0 {
		l.skew = DefaultRenewalSkew
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Load hydrates in-memory state from the credential store. Called once at
// startup; absent credentials leave the lifecycle in the no-session state.
func (l *Lifecycle) Load() error {
	tokens, err := l.store.ReadTokenSet()
	if err != nil {
		return err
	}
	profile, err := l.store.ReadProfile()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.tokens = tokens
	l.profile = profile
	l.mu.Unlock()
	return nil
}

// Adopt installs a new token set and profile, after login, registration or a
// successful renewal. The store write happens before the in-memory swap so a
// crash in between cannot lose a rotated refresh token.
func (l *Lifecycle) Adopt(tokens TokenSet, profile UserProfile) error {
	if err := l.store.Persist(tokens, profile); err != nil {
		return err
	}
	l.mu.Lock()
	l.tokens = &tokens
	l.profile = &profile
	l.mu.Unlock()
	return nil
}

// UpdateProfile replaces the cached profile without touching tokens. Fails
// with ErrSessionExpired when no session exists.
func (l *Lifecycle) UpdateProfile(profile UserProfile) error {
	l.mu.Lock()
	if l.tokens == nil {
		l.mu.Unlock()
		return ErrSessionExpired
	}
	tokens := *l.tokens
	l.mu.Unlock()

	if err := l.store.Persist(tokens, profile); err != nil {
		return err
	}
	l.mu.Lock()
	l.profile = &profile
	l.mu.Unlock()
	return nil
}

// Invalidate drops the session and clears persisted credentials. Used by
// logout, and by the request pipeline when the server answers 401 despite a
// locally valid-looking token: the server's verdict beats the local clock.
func (l *Lifecycle) Invalidate() error {
	l.mu.Lock()
	l.tokens = nil
	l.profile = nil
	l.mu.Unlock()
	return l.store.Clear()
}

// Current is a pure read of the session state. Authenticated means a token
// set with an unexpired refresh token plus a cached profile; the access token
// itself may be expired and renewable.
func (l *Lifecycle) Current() (UserProfile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens == nil || l.profile == nil {
		return UserProfile{}, false
	}
	if l.tokens.RefreshExpired(l.now()) {
		return UserProfile{}, false
	}
	return *l.profile, true
}

// AccessToken returns a bearer token valid for at least the renewal skew,
// renewing it first when needed. Concurrent callers that observe an expired
// access token share a single renewal round-trip; refresh tokens are rotated
// by the server, so a second concurrent refresh call would invalidate the
// session the first one just repaired.
func (l *Lifecycle) AccessToken(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.tokens == nil {
		l.mu.Unlock()
		return "", ErrSessionExpired
	}
	now := l.now()
	if l.tokens.RefreshExpired(now) {
		l.tokens = nil
		l.profile = nil
		l.mu.Unlock()
		if err := l.store.Clear(); err != nil {
			log.Warn().Err(err).Msg("failed to clear expired credentials")
		}
		return "", ErrSessionExpired
	}
	if l.tokens.AccessFresh(now, l.skew) {
		token := l.tokens.AccessToken
		l.mu.Unlock()
		return token, nil
	}
	refreshToken := l.tokens.RefreshToken
	l.mu.Unlock()

	// Coalesce on the refresh token: every caller that observed staleness for
	// this token set awaits the same round-trip and gets the same outcome.
	ch := l.renew.DoChan(refreshToken, func() (any, error) {
		return l.renewOnce(refreshToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// renewOnce performs the single shared renewal round-trip. It never retries:
// a server rejection ends the session, a transport failure is surfaced to the
// callers as-is and the session is kept for a later attempt.
func (l *Lifecycle) renewOnce(refreshToken string) (string, error) {
	// A renewal that finished between our staleness check and this call may
	// have rotated the refresh token already. Sending the consumed token
	// again would kill the repaired session, so return what we have.
	l.mu.Lock()
	if l.tokens != nil && l.tokens.RefreshToken != refreshToken {
		token := l.tokens.AccessToken
		l.mu.Unlock()
		return token, nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	creds, err := l.transport.Renew(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			log.Info().Msg("refresh token rejected by server, dropping session")
			if cerr := l.Invalidate(); cerr != nil {
				log.Warn().Err(cerr).Msg("failed to clear credentials after rejected refresh")
			}
			return "", err
		}
		return "", err
	}

	if creds.Tokens.RefreshToken == "" {
		// The backend does not always rotate the refresh token; keep the
		// previous one when the response omits it.
		creds.Tokens.RefreshToken = refreshToken
	}
	if err := l.Adopt(creds.Tokens, creds.Profile); err != nil {
		return "", err
	}
	log.Debug().
		Time("accessExpiresAt", creds.Tokens.AccessExpiresAt).
		Msg("access token renewed")
	return creds.Tokens.AccessToken, nil
}
