package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory CredentialStore for tests.
type memStore struct {
	mu         sync.Mutex
	tokens     *TokenSet
	profile    *UserProfile
	persistErr error
	persists   int
	clears     int
}

func (s *memStore) Persist(tokens TokenSet, profile UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	s.tokens = &tokens
	s.profile = &profile
	s.persists++
	return nil
}

func (s *memStore) ReadTokenSet() (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		return nil, nil
	}
	tokens := *s.tokens
	return &tokens, nil
}

func (s *memStore) ReadProfile() (*UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return nil, nil
	}
	profile := *s.profile
	return &profile, nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	s.profile = nil
	s.clears++
	return nil
}

// fakeTransport counts renewal round-trips and serves a canned result.
type fakeTransport struct {
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	result *Credentials
	err    error
}

func (f *fakeTransport) Renew(ctx context.Context, refreshToken string) (*Credentials, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	creds := *f.result
	return &creds, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testProfile = UserProfile{Email: "admin@example.com", FullName: "Admin", Role: "user"}

func tokenSet(access, refresh string, accessExp, refreshExp time.Time) TokenSet {
	return TokenSet{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
}

func TestAccessTokenFreshSkipsRenewal(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access", "refresh", base.Add(time.Hour), base.Add(24*time.Hour)), testProfile))

	token, err := l.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", token)
	assert.Equal(t, 0, transport.callCount())
}

func TestAccessTokenNoSession(t *testing.T) {
	l := NewLifecycle(&memStore{}, &fakeTransport{}, LifecycleOpts{})

	_, err := l.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestConcurrentCallsShareOneRenewal(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{
		delay: 50 * time.Millisecond,
		result: &Credentials{
			Tokens:  tokenSet("access-2", "refresh-2", base.Add(time.Hour), base.Add(24*time.Hour)),
			Profile: testProfile,
		},
	}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access-1", "refresh-1", base.Add(-time.Minute), base.Add(24*time.Hour)), testProfile))

	const n = 8
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", results[i])
	}
	assert.Equal(t, 1, transport.callCount())
}

func TestRenewalSkewBoundary(t *testing.T) {
	base := time.Now()
	skew := 30 * time.Second

	t.Run("just inside the skew triggers renewal", func(t *testing.T) {
		transport := &fakeTransport{
			result: &Credentials{
				Tokens:  tokenSet("access-2", "refresh-2", base.Add(time.Hour), base.Add(24*time.Hour)),
				Profile: testProfile,
			},
		}
		l := NewLifecycle(&memStore{}, transport, LifecycleOpts{Skew: skew, Now: func() time.Time { return base }})
		require.NoError(t, l.Adopt(tokenSet("access-1", "refresh-1", base.Add(skew-time.Millisecond), base.Add(24*time.Hour)), testProfile))

		token, err := l.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-2", token)
		assert.Equal(t, 1, transport.callCount())
	})

	t.Run("just outside the skew does not", func(t *testing.T) {
		transport := &fakeTransport{}
		l := NewLifecycle(&memStore{}, transport, LifecycleOpts{Skew: skew, Now: func() time.Time { return base }})
		require.NoError(t, l.Adopt(tokenSet("access-1", "refresh-1", base.Add(skew+time.Millisecond), base.Add(24*time.Hour)), testProfile))

		token, err := l.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-1", token)
		assert.Equal(t, 0, transport.callCount())
	})
}

func TestRejectedRefreshTokenEndsSession(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{
		err: fmt.Errorf("refresh token rejected: %w", ErrSessionExpired),
	}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access", "refresh", base.Add(-time.Minute), base.Add(24*time.Hour)), testProfile))

	_, err := l.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Storage cleared, state dropped.
	tokens, serr := store.ReadTokenSet()
	require.NoError(t, serr)
	assert.Nil(t, tokens)
	_, ok := l.Current()
	assert.False(t, ok)

	// A later call fails immediately without hitting the transport again.
	_, err = l.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, transport.callCount())
}

func TestTransportFailureKeepsSession(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{err: errors.New("connection reset")}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access", "refresh", base.Add(-time.Minute), base.Add(24*time.Hour)), testProfile))

	_, err := l.AccessToken(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionExpired)

	// The session survives a transient failure; the next observation renews.
	_, ok := l.Current()
	assert.True(t, ok)

	transport.err = nil
	transport.result = &Credentials{
		Tokens:  tokenSet("access-2", "refresh-2", base.Add(time.Hour), base.Add(24*time.Hour)),
		Profile: testProfile,
	}
	token, err := l.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, 2, transport.callCount())
}

func TestMissingRotatedRefreshTokenKeepsPrevious(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{
		result: &Credentials{
			// The backend sometimes omits the rotated refresh token.
			Tokens:  tokenSet("access-2", "", base.Add(time.Hour), base.Add(24*time.Hour)),
			Profile: testProfile,
		},
	}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access-1", "refresh-1", base.Add(-time.Minute), base.Add(24*time.Hour)), testProfile))

	token, err := l.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)

	tokens, err := store.ReadTokenSet()
	require.NoError(t, err)
	require.NotNil(t, tokens)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
}

func TestExpiredRefreshTokenFailsWithoutNetwork(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access", "refresh", base.Add(-2*time.Hour), base.Add(-time.Hour)), testProfile))

	_, err := l.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 0, transport.callCount())

	tokens, serr := store.ReadTokenSet()
	require.NoError(t, serr)
	assert.Nil(t, tokens)
}

func TestCancelledWaiterDoesNotAbortRenewal(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	transport := &fakeTransport{
		delay: 100 * time.Millisecond,
		result: &Credentials{
			Tokens:  tokenSet("access-2", "refresh-2", base.Add(time.Hour), base.Add(24*time.Hour)),
			Profile: testProfile,
		},
	}
	l := NewLifecycle(store, transport, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Adopt(tokenSet("access-1", "refresh-1", base.Add(-time.Minute), base.Add(24*time.Hour)), testProfile))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.AccessToken(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The renewal itself ran to completion on its own context.
	assert.Eventually(t, func() bool {
		token, err := l.AccessToken(context.Background())
		return err == nil && token == "access-2"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, transport.callCount())
}

func TestAdoptPersistsBeforeSwappingState(t *testing.T) {
	base := time.Now()
	store := &memStore{persistErr: errors.New("disk full")}
	l := NewLifecycle(store, &fakeTransport{}, LifecycleOpts{Now: func() time.Time { return base }})

	err := l.Adopt(tokenSet("access", "refresh", base.Add(time.Hour), base.Add(24*time.Hour)), testProfile)
	require.Error(t, err)

	// The in-memory state must not run ahead of a failed persist.
	_, ok := l.Current()
	assert.False(t, ok)
	_, err = l.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestLoadRestoresPersistedSession(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	require.NoError(t, store.Persist(
		tokenSet("access", "refresh", base.Add(time.Hour), base.Add(24*time.Hour)), testProfile))

	l := NewLifecycle(store, &fakeTransport{}, LifecycleOpts{Now: func() time.Time { return base }})
	require.NoError(t, l.Load())

	profile, ok := l.Current()
	assert.True(t, ok)
	assert.Equal(t, testProfile, profile)
}

func TestUpdateProfileLeavesTokensAlone(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	l := NewLifecycle(store, &fakeTransport{}, LifecycleOpts{Now: func() time.Time { return base }})

	assert.ErrorIs(t, l.UpdateProfile(testProfile), ErrSessionExpired)

	require.NoError(t, l.Adopt(tokenSet("access", "refresh", base.Add(time.Hour), base.Add(24*time.Hour)), testProfile))
	updated := testProfile
	updated.FullName = "Admin Renamed"
	require.NoError(t, l.UpdateProfile(updated))

	tokens, err := store.ReadTokenSet()
	require.NoError(t, err)
	assert.Equal(t, "access", tokens.AccessToken)
	profile, _ := l.Current()
	assert.Equal(t, "Admin Renamed", profile.FullName)
}

// Mirrors the login flow timing: expiries arrive as ms-since-epoch, a call
// close to expiry renews exactly once, an early call not at all.
func TestLoginScenarioTiming(t *testing.T) {
	login := time.UnixMilli(1_700_000_000_000)
	access := login.Add(3600 * time.Second) // access_token_expire = T+3600000ms
	refresh := login.Add(30 * 24 * time.Hour)
	skew := 60 * time.Second

	now := login.Add(100 * time.Millisecond)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	setNow := func(t time.Time) {
		mu.Lock()
		now = t
		mu.Unlock()
	}

	store := &memStore{}
	transport := &fakeTransport{
		result: &Credentials{
			Tokens:  tokenSet("access-2", "refresh-2", access.Add(time.Hour), refresh),
			Profile: testProfile,
		},
	}
	l := NewLifecycle(store, transport, LifecycleOpts{Skew: skew, Now: clock})
	require.NoError(t, l.Adopt(tokenSet("access-1", "refresh-1", access, refresh), testProfile))

	// Shortly after login: no renewal.
	token, err := l.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, 0, transport.callCount())

	// Within the skew of expiry: exactly one renewal.
	setNow(access.Add(-skew).Add(time.Millisecond))
	token, err = l.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, 1, transport.callCount())
}
