// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session key

	// Fail* force the corresponding operation to return the given error,
	// for exercising best-effort write paths.
	FailTouch  error
	FailUpsert error
	FailGet    error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
	}
}

// GetSessionByKey retrieves a session by its routing key.
func (m *MockStore) GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailGet != nil {
		return nil, m.FailGet
	}

	session, ok := m.sessions[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}

	// Make a copy to avoid external modification
	s := *session
	return &s, nil
}

// UpsertSession inserts or replaces the session for its key.
func (m *MockStore) UpsertSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpsert != nil {
		return m.FailUpsert
	}

	if existing, ok := m.sessions[session.SessionKey]; ok {
		existing.BackendSessionID = session.BackendSessionID
		existing.LastUsedAt = session.LastUsedAt
		return nil
	}

	s := *session
	m.sessions[s.SessionKey] = &s
	return nil
}

// TouchSession updates the last-used time of the session with the given key.
func (m *MockStore) TouchSession(ctx context.Context, sessionKey string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailTouch != nil {
		return m.FailTouch
	}

	session, ok := m.sessions[sessionKey]
	if !ok {
		return ErrNotFound
	}
	session.LastUsedAt = usedAt
	return nil
}

// DeleteSession removes the session with the given key, if present.
func (m *MockStore) DeleteSession(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionKey)
	return nil
}

// LatestSessionByConfig returns the most recently used session for a config.
func (m *MockStore) LatestSessionByConfig(ctx context.Context, configID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailGet != nil {
		return nil, m.FailGet
	}

	var latest *Session
	for _, session := range m.sessions {
		if session.ConfigID != configID {
			continue
		}
		if latest == nil || session.LastUsedAt.After(latest.LastUsedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}

	s := *latest
	return &s, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Len returns the number of stored sessions.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
