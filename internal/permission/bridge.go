// ABOUTME: Bridges a live agent turn's permission event to the chat UI and back.
// ABOUTME: Registers the pending entry, renders the prompt, and relays the decision.

package permission

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
)

// Prompter renders an approve/reject prompt in the chat UI. The adapter is
// expected to eventually call the registry's Reply with the user's decision.
type Prompter interface {
	SendPermissionRequest(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message, req *agent.PermissionRequest) error
}

// Bridge ties the pending-permission registry to a backend agent so a
// suspended tool call can proceed or abort once a human decides.
type Bridge struct {
	registry *Registry
	backend  agent.PermissionResponder
	logger   *slog.Logger
}

// NewBridge creates a Bridge over the registry and backend.
func NewBridge(registry *Registry, backend agent.PermissionResponder, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		registry: registry,
		backend:  backend,
		logger:   logger.With("component", "permission-bridge"),
	}
}

// Registry returns the underlying registry, for wiring adapter reply paths.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// HandlePermissionEvent runs one approval round trip: register the pending
// entry, ask the adapter to render the prompt, await the decision (user
// action or expiry), and relay it to the backend. Returns the decision.
//
// If rendering the prompt fails, the request is immediately rejected without
// waiting. A failure to relay the decision is logged but does not change the
// outcome.
func (b *Bridge) HandlePermissionEvent(ctx context.Context, prompter Prompter, cfg *config.ChannelConfig, msg *message.Message, req *agent.PermissionRequest) bool {
	result := b.registry.Register(req.ID)

	if err := prompter.SendPermissionRequest(ctx, cfg, msg, req); err != nil {
		b.logger.Error("failed to render permission prompt",
			"permission_id", req.ID,
			"tool", req.ToolName,
			"error", err,
		)
		b.registry.Reply(req.ID, false)
		<-result
		b.relay(ctx, req.ID, false)
		return false
	}

	b.logger.Info("permission prompt sent",
		"permission_id", req.ID,
		"tool", req.ToolName,
		"user", msg.UserID,
	)

	var approved bool
	select {
	case approved = <-result:
	case <-ctx.Done():
		// The turn itself was torn down; deny is the safe default.
		b.registry.Reply(req.ID, false)
	}

	b.relay(ctx, req.ID, approved)
	return approved
}

// relay delivers the decision to the backend, logging but swallowing
// failures. It runs on a detached context so an already-cancelled turn can
// still deliver its deny.
func (b *Bridge) relay(ctx context.Context, permissionID string, approved bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := b.backend.ReplyPermission(ctx, permissionID, approved); err != nil {
		b.logger.Error("failed to relay permission decision",
			"permission_id", permissionID,
			"approved", approved,
			"error", err,
		)
	}
}
