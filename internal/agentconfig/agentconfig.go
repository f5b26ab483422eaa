// Package agentconfig stores the per-session agent settings (prompt, provider,
// enabled flag) that gate whether a session may be polled.
package agentconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
)

var ErrNotFound = errors.New("agent config not found")

// Config is one session's agent configuration.
type Config struct {
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Provider  string    `json:"provider"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists configs.
type Store interface {
	Get(ctx context.Context, sessionID string) (Config, error)
	Put(ctx context.Context, cfg Config) error
	Delete(ctx context.Context, sessionID string) error
}

// Update is a partial change. Nil fields keep their current value; a new
// config starts enabled with the default provider.
type Update struct {
	SessionID string
	Prompt    *string
	Provider  *string
	Enabled   *bool
}

// Service applies updates on top of a Store.
type Service struct {
	store           Store
	logger          *slog.Logger
	defaultProvider string
	now             func() time.Time
}

func NewService(log *slog.Logger, store Store, defaultProvider string) *Service {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(defaultProvider) == "" {
		defaultProvider = "gateway"
	}
	return &Service{
		store:           store,
		logger:          log.With(slog.String("component", "agent_config")),
		defaultProvider: defaultProvider,
		now:             time.Now,
	}
}

// Get returns the stored config.
func (s *Service) Get(ctx context.Context, sessionID string) (Config, error) {
	return s.store.Get(ctx, strings.TrimSpace(sessionID))
}

// Upsert applies u and returns the resulting config.
func (s *Service) Upsert(ctx context.Context, u Update) (Config, error) {
	sessionID := strings.TrimSpace(u.SessionID)
	if sessionID == "" {
		return Config{}, channel.InvalidInput("session id is required", nil)
	}
	cfg, err := s.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg = Config{SessionID: sessionID, Provider: s.defaultProvider, Enabled: true}
	case err != nil:
		return Config{}, fmt.Errorf("load agent config: %w", err)
	}
	if u.Prompt != nil {
		cfg.Prompt = strings.TrimSpace(*u.Prompt)
	}
	if u.Provider != nil && strings.TrimSpace(*u.Provider) != "" {
		cfg.Provider = strings.ToLower(strings.TrimSpace(*u.Provider))
	}
	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
	}
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, cfg); err != nil {
		return Config{}, fmt.Errorf("save agent config: %w", err)
	}
	s.logger.Info("agent config updated",
		slog.String("session_id", sessionID),
		slog.String("provider", cfg.Provider),
		slog.Bool("enabled", cfg.Enabled),
	)
	return cfg, nil
}

// RequireEnabled returns the config only when it exists and is enabled.
func (s *Service) RequireEnabled(ctx context.Context, sessionID string) (Config, error) {
	cfg, err := s.store.Get(ctx, strings.TrimSpace(sessionID))
	if errors.Is(err, ErrNotFound) {
		return Config{}, channel.ErrConfigMissing
	}
	if err != nil {
		return Config{}, fmt.Errorf("load agent config: %w", err)
	}
	if !cfg.Enabled {
		return Config{}, channel.NewError(channel.CodeConfigMissing, "agent config disabled", nil)
	}
	return cfg, nil
}

// Delete removes the session's config.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, strings.TrimSpace(sessionID))
}

// MemoryStore keeps configs in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Config
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Config{}}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.items[sessionID]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) Put(_ context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[cfg.SessionID] = cfg
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}
