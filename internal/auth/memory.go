package auth

import (
	"context"
	"sync"
)

// MemoryStore keeps accounts in process memory. Accounts are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]string)}
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(ctx context.Context, username string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.users[username]
	if !ok {
		return "", ErrUnknownUser
	}
	return hash, nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, username, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; ok {
		return ErrUserExists
	}
	m.users[username] = hash
	return nil
}
