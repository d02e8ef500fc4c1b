// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines the persisted Session record surviving process restarts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session is the durable record mapping a routing key to a backend agent
// session. It is the source of truth across restarts; the router's in-memory
// cache is a performance shim over it.
type Session struct {
	ID               string
	ConfigID         string
	SessionKey       string // unique routing key
	BackendSessionID string
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// Store defines the interface for session persistence.
//
// UpsertSession must be atomic on SessionKey: two resolvers racing on the
// same key both succeed and the last writer's BackendSessionID/LastUsedAt win.
type Store interface {
	// GetSessionByKey returns the session with the given routing key,
	// or ErrNotFound.
	GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error)

	// UpsertSession inserts the session, or updates BackendSessionID and
	// LastUsedAt of the existing row with the same SessionKey.
	UpsertSession(ctx context.Context, session *Session) error

	// TouchSession updates LastUsedAt of the row with the given routing key.
	// Returns ErrNotFound if no such row exists.
	TouchSession(ctx context.Context, sessionKey string, usedAt time.Time) error

	// DeleteSession removes the row with the given routing key. Deleting a
	// missing row is not an error.
	DeleteSession(ctx context.Context, sessionKey string) error

	// LatestSessionByConfig returns the most recently used session for a
	// channel config, or ErrNotFound.
	LatestSessionByConfig(ctx context.Context, configID string) (*Session, error)

	// Close releases the underlying resources.
	Close() error
}
