// ABOUTME: Session router resolving conversations to backend agent sessions.
// ABOUTME: TTL cache in front of the persisted store; strategy-selectable routing keys.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
	"github.com/2389/relay-gateway/internal/store"
)

// DefaultTTL is how long a routed session stays valid without use.
const DefaultTTL = 24 * time.Hour

// touchTimeout bounds the detached best-effort store touch.
const touchTimeout = 5 * time.Second

// cachedSession is one in-memory cache entry. Owned exclusively by the Router.
type cachedSession struct {
	sessionID  string
	lastUsedAt time.Time
}

// Router maps conversation identities onto backend agent sessions. Cache
// entries expire after the TTL; the persisted store is the source of truth
// surviving restarts. Safe for concurrent use.
type Router struct {
	mu    sync.Mutex
	cache map[string]*cachedSession

	store  store.Store
	ttl    time.Duration
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewRouter creates a Router over the given persisted store.
func NewRouter(st store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cache:  make(map[string]*cachedSession),
		store:  st,
		ttl:    DefaultTTL,
		logger: logger.With("component", "session-router"),
		now:    time.Now,
	}
}

// Resolve returns the backend session ID for the message's conversation,
// creating a session when none exists. Per-message strategy always creates a
// fresh session and skips both cache and store.
func (r *Router) Resolve(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message, backend agent.SessionCreator) (string, error) {
	key := RoutingKey(cfg.ID, cfg.ChannelType, cfg.SessionStrategy, msg)

	if cfg.SessionStrategy == config.SessionPerMessage {
		sessionID, err := backend.CreateSession(ctx, cfg.AgentName)
		if err != nil {
			return "", fmt.Errorf("creating session: %w", err)
		}
		r.logger.Debug("created per-message session", "key", key, "session_id", sessionID)
		return sessionID, nil
	}

	now := r.now()

	// Cache hit within TTL: refresh and touch the store in the background.
	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && now.Sub(entry.lastUsedAt) < r.ttl {
		entry.lastUsedAt = now
		sessionID := entry.sessionID
		r.mu.Unlock()
		r.touchDetached(key, now)
		return sessionID, nil
	}
	r.mu.Unlock()

	// Cache miss: the persisted row may still be fresh.
	persisted, err := r.store.GetSessionByKey(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up session: %w", err)
	}
	if persisted != nil && now.Sub(persisted.LastUsedAt) < r.ttl {
		r.putCache(key, persisted.BackendSessionID, now)
		r.touchDetached(key, now)
		return persisted.BackendSessionID, nil
	}

	// No usable session: create one and persist the mapping. A concurrent
	// resolver racing on the same key upserts too; last writer wins.
	sessionID, err := backend.CreateSession(ctx, cfg.AgentName)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	r.putCache(key, sessionID, now)

	record := &store.Session{
		ID:               uuid.New().String(),
		ConfigID:         cfg.ID,
		SessionKey:       key,
		BackendSessionID: sessionID,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	if err := r.store.UpsertSession(ctx, record); err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}

	r.logger.Info("routed new session",
		"key", key,
		"session_id", sessionID,
		"strategy", cfg.SessionStrategy,
	)
	return sessionID, nil
}

// putCache installs or refreshes a cache entry.
func (r *Router) putCache(key, sessionID string, usedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = &cachedSession{sessionID: sessionID, lastUsedAt: usedAt}
}

// touchDetached updates the persisted row's last-used time in the background.
// Failures are logged and otherwise ignored; the caller's resolve already
// succeeded.
func (r *Router) touchDetached(key string, usedAt time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()

		if err := r.store.TouchSession(ctx, key, usedAt); err != nil {
			r.logger.Debug("session touch failed", "key", key, "error", err)
		}
	}()
}

// Invalidate removes both the cache entry and the persisted row for the
// message's routing key. Backs the user-visible "reset conversation" action;
// the next resolve creates a fresh session.
func (r *Router) Invalidate(ctx context.Context, configID, channelType string, strategy config.SessionStrategy, msg *message.Message) error {
	key := RoutingKey(configID, channelType, strategy, msg)

	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, key); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	r.logger.Info("session invalidated", "key", key)
	return nil
}

// ActiveSessionID performs a best-effort reverse lookup of the live session
// for a config, optionally narrowed to one user. The cache is scanned first;
// the store's most-recent row for the config is the fallback. userID is
// compared exactly against the key's discriminator segment.
func (r *Router) ActiveSessionID(ctx context.Context, configID, userID string) (string, bool) {
	now := r.now()
	prefix := configID + ":"

	r.mu.Lock()
	var (
		best       string
		bestUsedAt time.Time
	)
	for key, entry := range r.cache {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if now.Sub(entry.lastUsedAt) >= r.ttl {
			continue
		}
		if userID != "" && keyDiscriminator(key) != userID {
			continue
		}
		if entry.lastUsedAt.After(bestUsedAt) {
			best = entry.sessionID
			bestUsedAt = entry.lastUsedAt
		}
	}
	r.mu.Unlock()

	if best != "" {
		return best, true
	}

	persisted, err := r.store.LatestSessionByConfig(ctx, configID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("active session lookup failed", "config_id", configID, "error", err)
		}
		return "", false
	}
	if now.Sub(persisted.LastUsedAt) >= r.ttl {
		return "", false
	}
	if userID != "" && keyDiscriminator(persisted.SessionKey) != userID {
		return "", false
	}
	return persisted.BackendSessionID, true
}

// Cleanup sweeps TTL-expired cache entries. The persisted store is not swept;
// stale rows are overwritten on the next resolve.
func (r *Router) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, entry := range r.cache {
		if now.Sub(entry.lastUsedAt) >= r.ttl {
			delete(r.cache, key)
		}
	}
}

// CacheSize returns the number of cached sessions.
func (r *Router) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
