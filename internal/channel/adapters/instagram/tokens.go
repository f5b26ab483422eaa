package instagram

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

var ErrTokenNotFound = errors.New("instagram token not found")

// TokenStore keeps the access token of each connected session.
type TokenStore interface {
	LoadToken(ctx context.Context, sessionID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, sessionID string, token *oauth2.Token) error
	DeleteToken(ctx context.Context, sessionID string) error
}

// MemoryTokenStore is a process-local TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: map[string]oauth2.Token{}}
}

func (m *MemoryTokenStore) LoadToken(_ context.Context, sessionID string) (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[sessionID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &tok, nil
}

func (m *MemoryTokenStore) SaveToken(_ context.Context, sessionID string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("token is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[sessionID] = *token
	return nil
}

func (m *MemoryTokenStore) DeleteToken(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, sessionID)
	return nil
}
