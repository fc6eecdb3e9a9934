package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/panels/internal/auth"
	"github.com/MarcoPoloResearchLab/panels/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (v stubVerifier) Verify(context.Context, string) (auth.GoogleClaims, error) {
	return v.claims, v.err
}

type memoryDirectory struct {
	mu         sync.Mutex
	identities map[string]users.Identity
	revoked    []string
	resolveErr error
	revokeErr  error
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{identities: make(map[string]users.Identity)}
}

func (d *memoryDirectory) Resolve(_ context.Context, login users.Login) (users.Identity, error) {
	if d.resolveErr != nil {
		return users.Identity{}, d.resolveErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	identity := users.Identity{
		Provider:    login.Provider,
		Subject:     login.Subject,
		UserID:      login.Subject,
		Email:       login.Email,
		DisplayName: login.DisplayName,
		AvatarURL:   login.AvatarURL,
	}
	d.identities[identity.UserID] = identity
	return identity, nil
}

func (d *memoryDirectory) Profile(_ context.Context, userID string) (users.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.identities[userID]
	if !ok {
		return users.Identity{}, users.ErrUnknownUser
	}
	return identity, nil
}

func (d *memoryDirectory) Revoke(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, userID)
	if d.revokeErr != nil {
		return d.revokeErr
	}
	identity, ok := d.identities[userID]
	if !ok {
		return users.ErrUnknownUser
	}
	identity.SessionVersion++
	d.identities[userID] = identity
	return nil
}

func newTestGateway(t *testing.T, verifier Verifier, directory Directory) *GoogleGateway {
	t.Helper()
	gateway, err := NewGoogleGateway(GoogleGatewayConfig{Verifier: verifier, Directory: directory})
	require.NoError(t, err)
	return gateway
}

func TestSignInReturnsProfileAndNotifies(t *testing.T) {
	directory := newMemoryDirectory()
	gateway := newTestGateway(t, stubVerifier{claims: auth.GoogleClaims{
		Subject: "sub-1",
		Email:   "reader@example.com",
		Name:    "Comic Reader",
		Picture: "https://example.com/a.png",
	}}, directory)

	var states []AuthState
	unsubscribe := gateway.OnAuthStateChange(func(state AuthState) {
		states = append(states, state)
	})

	profile, err := gateway.SignIn(context.Background(), SignInRequest{IDToken: "token"})
	require.NoError(t, err)
	assert.Equal(t, Profile{
		ID:          "sub-1",
		DisplayName: "Comic Reader",
		Email:       "reader@example.com",
		PhotoURL:    "https://example.com/a.png",
	}, profile)
	require.Len(t, states, 1)
	assert.True(t, states[0].SignedIn)

	current, err := gateway.CurrentUser(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, profile, current)

	unsubscribe()
	unsubscribe()
	require.NoError(t, gateway.SignOut(context.Background(), "sub-1"))
	assert.Len(t, states, 1)
	assert.Equal(t, []string{"sub-1"}, directory.revoked)

	current, err = gateway.CurrentUser(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.SessionVersion)
}

func TestSignInClientErrors(t *testing.T) {
	gateway := newTestGateway(t, stubVerifier{}, newMemoryDirectory())

	testCases := []struct {
		code    string
		want    error
		message string
	}{
		{code: ClientErrorPopupClosed, want: ErrSignInCancelled, message: "Sign-in failed: Sign-in was cancelled"},
		{code: ClientErrorPopupBlocked, want: ErrSignInBlocked, message: "Sign-in failed: Pop-up was blocked by browser"},
		{code: "auth/network-request-failed", want: ErrSignInFailed, message: "Sign-in failed: Sign-in failed"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.code, func(t *testing.T) {
			_, err := gateway.SignIn(context.Background(), SignInRequest{ClientError: testCase.code})
			require.ErrorIs(t, err, testCase.want)
			assert.Equal(t, testCase.message, StatusMessage(err))
		})
	}
}

func TestSignInVerificationFailure(t *testing.T) {
	gateway := newTestGateway(t, stubVerifier{err: auth.ErrInvalidIDToken}, newMemoryDirectory())
	notified := false
	gateway.OnAuthStateChange(func(AuthState) { notified = true })

	_, err := gateway.SignIn(context.Background(), SignInRequest{IDToken: "bad"})
	require.ErrorIs(t, err, ErrSignInFailed)
	assert.Equal(t, "Sign-in failed: Sign-in failed", StatusMessage(err))
	assert.False(t, notified)
}

func TestSignInDirectoryFailure(t *testing.T) {
	directory := newMemoryDirectory()
	directory.resolveErr = errors.New("database locked")
	gateway := newTestGateway(t, stubVerifier{claims: auth.GoogleClaims{Subject: "sub"}}, directory)

	_, err := gateway.SignIn(context.Background(), SignInRequest{IDToken: "token"})
	require.ErrorIs(t, err, ErrSignInFailed)
}

func TestSignOutNotifiesListeners(t *testing.T) {
	gateway := newTestGateway(t, stubVerifier{}, newMemoryDirectory())
	var received AuthState
	gateway.OnAuthStateChange(func(state AuthState) { received = state })

	require.NoError(t, gateway.SignOut(context.Background(), "user-1"))
	assert.False(t, received.SignedIn)
	assert.Equal(t, "user-1", received.Profile.ID)

	require.ErrorIs(t, gateway.SignOut(context.Background(), " "), ErrNotSignedIn)
}

func TestSignOutReportsRevocationFailure(t *testing.T) {
	directory := newMemoryDirectory()
	directory.revokeErr = errors.New("database offline")
	gateway := newTestGateway(t, stubVerifier{}, directory)
	var received []AuthState
	gateway.OnAuthStateChange(func(state AuthState) { received = append(received, state) })

	err := gateway.SignOut(context.Background(), "user-1")
	require.EqualError(t, err, "database offline")
	require.Len(t, received, 1)
	assert.False(t, received[0].SignedIn)
}

func TestCurrentUserUnknown(t *testing.T) {
	gateway := newTestGateway(t, stubVerifier{}, newMemoryDirectory())
	_, err := gateway.CurrentUser(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNotSignedIn)
}
