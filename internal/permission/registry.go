// ABOUTME: Registry of pending tool-approval requests awaiting a human decision.
// ABOUTME: Each entry resolves exactly once: by reply, by supersession, or by expiry.

package permission

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultExpiry is how long a pending request waits before auto-resolving to
// a deny.
const DefaultExpiry = 5 * time.Minute

// pending is one registered request. Its result channel is buffered so the
// resolver never blocks on a departed waiter.
type pending struct {
	result chan bool
	timer  *time.Timer
}

// Registry is the rendezvous point where an agent turn suspended on a
// permission request and the UI interaction that answers it meet. Safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*pending
	expiry  time.Duration
	logger  *slog.Logger
}

// NewRegistry creates a Registry with the given expiry for unanswered
// requests; zero uses the default.
func NewRegistry(expiry time.Duration, logger *slog.Logger) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*pending),
		expiry:  expiry,
		logger:  logger.With("component", "permissions"),
	}
}

// Register installs a pending entry for the permission id and returns the
// channel its decision arrives on. Registering an id that already has a live
// entry resolves the old entry to false (superseded) and cancels its timer
// before the new entry is installed. Unanswered entries resolve to false
// after the expiry and remove themselves.
func (r *Registry) Register(permissionID string) <-chan bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[permissionID]; ok {
		old.timer.Stop()
		old.result <- false
		delete(r.entries, permissionID)
		r.logger.Warn("pending permission superseded", "permission_id", permissionID)
	}

	entry := &pending{result: make(chan bool, 1)}
	entry.timer = time.AfterFunc(r.expiry, func() {
		r.expire(permissionID, entry)
	})
	r.entries[permissionID] = entry

	return entry.result
}

// expire resolves an entry to false once its timer fires, unless it was
// already replied to or superseded.
func (r *Registry) expire(permissionID string, entry *pending) {
	r.mu.Lock()
	current, ok := r.entries[permissionID]
	if !ok || current != entry {
		r.mu.Unlock()
		return
	}
	delete(r.entries, permissionID)
	r.mu.Unlock()

	entry.result <- false
	r.logger.Info("permission request expired", "permission_id", permissionID)
}

// Reply resolves the pending entry for the permission id with the decision.
// Returns true if a pending entry was found, false for unknown or already
// expired ids (no side effect).
func (r *Registry) Reply(permissionID string, approved bool) bool {
	r.mu.Lock()
	entry, ok := r.entries[permissionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.timer.Stop()
	delete(r.entries, permissionID)
	r.mu.Unlock()

	entry.result <- approved
	return true
}

// IsPending reports whether a live entry exists for the permission id.
func (r *Registry) IsPending(permissionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[permissionID]
	return ok
}

// PendingCount returns the number of live entries.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
