package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/chapterview"
	"github.com/MarcoPoloResearchLab/panels/internal/identity"
	"go.uber.org/zap"
)

// ManagerConfig wires the sessions a Manager creates.
type ManagerConfig struct {
	Library   Library
	Uploader  Uploader
	Notifier  Notifier
	StatusTTL time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Manager keeps one Session per signed-in user.
type Manager struct {
	cfg    ManagerConfig
	merger *chapterview.Merger
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Library == nil || cfg.Uploader == nil {
		return nil, errors.New("session: library and uploader are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	merger, err := chapterview.NewMerger(cfg.Library, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		merger:   merger,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Start replaces any session of profile.ID with a fresh one, loads its
// library and greets the user.
func (m *Manager) Start(ctx context.Context, profile identity.Profile) (*Session, error) {
	session, err := m.create(ctx, profile)
	if err != nil {
		return nil, err
	}
	session.Welcome()

	m.mu.Lock()
	previous := m.sessions[profile.ID]
	m.sessions[profile.ID] = session
	m.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return session, nil
}

// Get returns the live session of userID.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[userID]
	return session, ok
}

// Ensure returns the live session of profile.ID, creating one without a
// greeting when the user holds a valid token but no session, as after a restart.
func (m *Manager) Ensure(ctx context.Context, profile identity.Profile) (*Session, error) {
	if session, ok := m.Get(profile.ID); ok {
		return session, nil
	}
	session, err := m.create(ctx, profile)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[profile.ID]; ok {
		return existing, nil
	}
	m.sessions[profile.ID] = session
	return session, nil
}

// End drops the session of userID after its pending writes finish.
func (m *Manager) End(userID string) {
	m.mu.Lock()
	session := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

// HandleAuthState follows identity gateway auth-state changes.
func (m *Manager) HandleAuthState(state identity.AuthState) {
	if !state.SignedIn {
		m.End(state.Profile.ID)
		return
	}
	if _, err := m.Start(context.Background(), state.Profile); err != nil {
		m.logger.Error("session start failed", zap.String("user_id", state.Profile.ID), zap.Error(err))
	}
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}

func (m *Manager) create(ctx context.Context, profile identity.Profile) (*Session, error) {
	session, err := New(Config{
		Profile:   profile,
		Library:   m.cfg.Library,
		Merger:    m.merger,
		Uploader:  m.cfg.Uploader,
		Notifier:  m.cfg.Notifier,
		StatusTTL: m.cfg.StatusTTL,
		Clock:     m.cfg.Clock,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := session.Load(ctx); err != nil {
		m.logger.Warn("library load failed at session start", zap.String("user_id", profile.ID), zap.Error(err))
	}
	return session, nil
}
