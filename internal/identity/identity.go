// Package identity is the sign-in boundary: it turns a browser-side Google
// sign-in outcome into a verified profile and broadcasts auth-state changes.
package identity

import (
	"context"
	"errors"
)

// Client error codes reported by the browser-side Google popup.
const (
	ClientErrorPopupClosed  = "auth/popup-closed-by-user"
	ClientErrorPopupBlocked = "auth/popup-blocked"
)

var (
	// ErrSignInCancelled reports that the user closed the sign-in popup.
	ErrSignInCancelled = errors.New("identity: sign-in cancelled")
	// ErrSignInBlocked reports that the browser blocked the sign-in popup.
	ErrSignInBlocked = errors.New("identity: sign-in popup blocked")
	// ErrSignInFailed covers every other sign-in failure.
	ErrSignInFailed = errors.New("identity: sign-in failed")
	// ErrNotSignedIn reports a lookup for a user without a stored profile.
	ErrNotSignedIn = errors.New("identity: not signed in")
)

// Profile is the signed-in user as the rest of the system sees it.
// SessionVersion must match the version carried by a session token.
type Profile struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	Email          string `json:"email"`
	PhotoURL       string `json:"photoURL"`
	SessionVersion int64  `json:"-"`
}

// SignInRequest carries the outcome of the interactive sign-in: either an ID
// token or the client-side error code.
type SignInRequest struct {
	IDToken     string
	ClientError string
}

// AuthState is delivered to listeners on every sign-in and sign-out.
type AuthState struct {
	Profile  Profile
	SignedIn bool
}

// Gateway is the Identity Gateway.
type Gateway interface {
	SignIn(ctx context.Context, request SignInRequest) (Profile, error)
	SignOut(ctx context.Context, userID string) error
	OnAuthStateChange(listener func(AuthState)) (unsubscribe func())
	CurrentUser(ctx context.Context, userID string) (Profile, error)
}

// StatusMessage renders a sign-in error as the user-visible status line.
func StatusMessage(err error) string {
	reason := "Sign-in failed"
	switch {
	case errors.Is(err, ErrSignInCancelled):
		reason = "Sign-in was cancelled"
	case errors.Is(err, ErrSignInBlocked):
		reason = "Pop-up was blocked by browser"
	}
	return "Sign-in failed: " + reason
}

func clientError(code string) error {
	switch code {
	case ClientErrorPopupClosed:
		return ErrSignInCancelled
	case ClientErrorPopupBlocked:
		return ErrSignInBlocked
	default:
		return ErrSignInFailed
	}
}
