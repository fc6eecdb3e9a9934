package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/panels/internal/auth"
	"github.com/MarcoPoloResearchLab/panels/internal/users"
	"go.uber.org/zap"
)

const googleProvider = "google"

// Verifier checks a Google ID token.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleClaims, error)
}

// Directory stores identities and their profiles.
type Directory interface {
	Resolve(ctx context.Context, login users.Login) (users.Identity, error)
	Profile(ctx context.Context, userID string) (users.Identity, error)
	Revoke(ctx context.Context, userID string) error
}

// GoogleGatewayConfig wires a GoogleGateway.
type GoogleGatewayConfig struct {
	Verifier  Verifier
	Directory Directory
	Logger    *zap.Logger
}

// GoogleGateway signs users in with verified Google ID tokens.
type GoogleGateway struct {
	verifier  Verifier
	directory Directory
	logger    *zap.Logger

	mu        sync.Mutex
	listeners map[int]func(AuthState)
	nextID    int
}

// NewGoogleGateway validates cfg and constructs the gateway.
func NewGoogleGateway(cfg GoogleGatewayConfig) (*GoogleGateway, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("identity: verifier required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("identity: directory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleGateway{
		verifier:  cfg.Verifier,
		directory: cfg.Directory,
		logger:    logger,
		listeners: make(map[int]func(AuthState)),
	}, nil
}

// SignIn verifies request and returns the signed-in profile. Listeners are
// notified only on success.
func (g *GoogleGateway) SignIn(ctx context.Context, request SignInRequest) (Profile, error) {
	if code := strings.TrimSpace(request.ClientError); code != "" {
		err := clientError(code)
		g.logger.Info("sign-in rejected by client", zap.String("client_error", code))
		return Profile{}, err
	}

	claims, err := g.verifier.Verify(ctx, request.IDToken)
	if err != nil {
		g.logger.Warn("google id token verification failed", zap.Error(err))
		return Profile{}, fmt.Errorf("%w: %v", ErrSignInFailed, err)
	}

	identity, err := g.directory.Resolve(ctx, users.Login{
		Provider:    googleProvider,
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		AvatarURL:   claims.Picture,
	})
	if err != nil {
		g.logger.Error("identity resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		return Profile{}, fmt.Errorf("%w: %v", ErrSignInFailed, err)
	}

	profile := profileOf(identity)
	g.notify(AuthState{Profile: profile, SignedIn: true})
	return profile, nil
}

// SignOut revokes every session token of userID and notifies listeners.
// Signing out a user without a stored identity only notifies.
func (g *GoogleGateway) SignOut(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNotSignedIn
	}
	err := g.directory.Revoke(ctx, userID)
	if errors.Is(err, users.ErrUnknownUser) {
		err = nil
	}
	if err != nil {
		g.logger.Error("session revocation failed", zap.String("user_id", userID), zap.Error(err))
	}
	g.notify(AuthState{Profile: Profile{ID: userID}, SignedIn: false})
	return err
}

// OnAuthStateChange registers listener and returns its unsubscribe function.
func (g *GoogleGateway) OnAuthStateChange(listener func(AuthState)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = listener
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		})
	}
}

// CurrentUser returns the stored profile of userID.
func (g *GoogleGateway) CurrentUser(ctx context.Context, userID string) (Profile, error) {
	identity, err := g.directory.Profile(ctx, userID)
	if errors.Is(err, users.ErrUnknownUser) {
		return Profile{}, ErrNotSignedIn
	}
	if err != nil {
		return Profile{}, err
	}
	return profileOf(identity), nil
}

func (g *GoogleGateway) notify(state AuthState) {
	g.mu.Lock()
	listeners := make([]func(AuthState), 0, len(g.listeners))
	for _, listener := range g.listeners {
		listeners = append(listeners, listener)
	}
	g.mu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}
}

func profileOf(identity users.Identity) Profile {
	return Profile{
		ID:             identity.UserID,
		DisplayName:    identity.DisplayName,
		Email:          identity.Email,
		PhotoURL:       identity.AvatarURL,
		SessionVersion: identity.SessionVersion,
	}
}
