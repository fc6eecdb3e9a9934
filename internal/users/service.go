package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "google"

var (
	// ErrInvalidIdentity indicates the login did not contain a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates no identity is stored for a user id.
	ErrUnknownUser = errors.New("users: unknown user")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and their stored profiles.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map

	// mu orders database reads that fill the cache against revocations.
	mu sync.Mutex
}

// NewService constructs the identity service. The schema is owned by the
// database package.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the identity for login, creating it on first sign-in and
// refreshing the stored profile on later ones. The canonical user id is the
// provider subject without any provider prefix.
func (s *Service) Resolve(ctx context.Context, login Login) (Identity, error) {
	login = login.normalized()
	if login.Subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", login.Provider, login.Subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    login.Provider,
			Subject:     login.Subject,
			UserID:      login.Subject,
			Email:       login.Email,
			DisplayName: login.DisplayName,
			AvatarURL:   login.AvatarURL,
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	case err != nil:
		return Identity{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if login.Email != "" && login.Email != identity.Email {
			updates["user_email"] = login.Email
			identity.Email = login.Email
		}
		if login.DisplayName != "" && login.DisplayName != identity.DisplayName {
			updates["user_display_name"] = login.DisplayName
			identity.DisplayName = login.DisplayName
		}
		if login.AvatarURL != "" && login.AvatarURL != identity.AvatarURL {
			updates["user_avatar_url"] = login.AvatarURL
			identity.AvatarURL = login.AvatarURL
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", login.Provider, login.Subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity profile refresh failed",
				zap.String("provider", login.Provider),
				zap.String("user_id", identity.UserID),
				zap.Error(err))
		}
	}

	s.cache.Store(identity.UserID, identity)
	return identity, nil
}

// Profile returns the stored identity of a canonical user id.
func (s *Service) Profile(ctx context.Context, userID string) (Identity, error) {
	userID = normalize(userID)
	if userID == "" {
		return Identity{}, ErrUnknownUser
	}
	if cached, ok := s.cache.Load(userID); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache.Load(userID); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrUnknownUser
	}
	if err != nil {
		return Identity{}, err
	}
	s.cache.Store(userID, identity)
	return identity, nil
}

// Forget drops the cached profile of userID.
func (s *Service) Forget(userID string) {
	s.cache.Delete(normalize(userID))
}

// Revoke bumps the session version of userID so tokens issued before the call
// no longer match the stored identity.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrUnknownUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.Forget(userID)

	result := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("user_id = ?", userID).
		Update("session_version", gorm.Expr("session_version + 1"))
	if result.Error != nil {
		s.logger.Error("session revocation failed", zap.String("user_id", userID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownUser
	}
	return nil
}
