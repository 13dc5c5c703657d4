package service

import (
	"context"
	"encoding/json"
	"fmt"

	"Mansoor88-6/worktime-agent/internal/models"
)

// CurrentSessionKey is the settings key holding the session driven by this device
const CurrentSessionKey = "session.current"

// Settings is the key/value store the current session is persisted in
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// SessionStore persists the current session so it survives a restart
type SessionStore struct {
	settings Settings
}

// NewSessionStore creates a new session store
func NewSessionStore(settings Settings) *SessionStore {
	return &SessionStore{settings: settings}
}

// Load returns the current session, ok is false when nobody is logged in
func (s *SessionStore) Load(ctx context.Context) (models.CurrentSession, bool, error) {
	raw, ok, err := s.settings.GetSetting(ctx, CurrentSessionKey)
	if err != nil || !ok || raw == "" {
		return models.CurrentSession{}, false, err
	}
	var cur models.CurrentSession
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return models.CurrentSession{}, false, fmt.Errorf("failed to decode current session: %w", err)
	}
	return cur, true, nil
}

// Save replaces the current session
func (s *SessionStore) Save(ctx context.Context, cur models.CurrentSession) error {
	raw, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("failed to encode current session: %w", err)
	}
	return s.settings.SetSetting(ctx, CurrentSessionKey, string(raw))
}

// Clear forgets the current session
func (s *SessionStore) Clear(ctx context.Context) error {
	return s.settings.DeleteSetting(ctx, CurrentSessionKey)
}
