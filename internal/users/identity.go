package users

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the canonical panels user id and keeps
// the last profile the provider reported.
// SessionVersion is stamped into session tokens; signing out bumps it.
type Identity struct {
	Provider       string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject        string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index"`
	Email          string    `gorm:"column:user_email;size:320"`
	DisplayName    string    `gorm:"column:user_display_name;size:320"`
	AvatarURL      string    `gorm:"column:user_avatar_url;size:512"`
	SessionVersion int64     `gorm:"column:session_version;not null;default:0"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Login is a verified provider sign-in.
type Login struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	AvatarURL   string
}

func (l Login) normalized() Login {
	provider := strings.ToLower(normalize(l.Provider))
	if provider == "" {
		provider = defaultProvider
	}
	return Login{
		Provider:    provider,
		Subject:     normalize(l.Subject),
		Email:       normalize(l.Email),
		DisplayName: normalize(l.DisplayName),
		AvatarURL:   normalize(l.AvatarURL),
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
