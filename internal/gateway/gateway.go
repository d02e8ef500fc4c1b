// ABOUTME: Gateway orchestrator wiring admission, queueing, routing, streaming, and approvals.
// ABOUTME: The integration surface between platform adapters and the backend agent.

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
	"github.com/2389/relay-gateway/internal/permission"
	"github.com/2389/relay-gateway/internal/queue"
	"github.com/2389/relay-gateway/internal/ratelimit"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/stream"
)

const (
	// dedupeTTL is how long an inbound message ID is remembered.
	dedupeTTL = 10 * time.Minute

	// dedupeMaxSize bounds the dedupe cache.
	dedupeMaxSize = 10000

	// maintenanceInterval drives limiter and cache sweeps.
	maintenanceInterval = time.Minute
)

// Adapter is what the gateway needs from a platform integration. Adapters
// render text, tool activity, and approval prompts in whatever form the
// platform supports; the SendPermissionRequest path is expected to
// eventually answer through the permission registry.
type Adapter interface {
	SendText(ctx context.Context, msg *message.Message, text string) error
	SendToolActivity(ctx context.Context, msg *message.Message, activity agent.ToolActivity) error
	SendPermissionRequest(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message, req *agent.PermissionRequest) error
	SendError(ctx context.Context, msg *message.Message, err error) error
}

// Gateway multiplexes chat conversations onto backend agent sessions. One
// inbound message flows: dedupe → rate limit → per-conversation queue →
// session resolution → agent turn → chunk stream back to the adapter, with
// permission events detouring through the approval rendezvous.
type Gateway struct {
	limiter  *ratelimit.Limiter
	queue    *queue.Queue
	sessions *session.Router
	perms    *permission.Bridge
	backend  agent.Client
	adapter  Adapter
	seen     *seenCache
	logger   *slog.Logger
}

// New creates a Gateway over the given collaborators and registers its
// processing callback with the queue.
func New(st store.Store, backend agent.Client, adapter Adapter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		limiter:  ratelimit.New(),
		queue:    queue.New(logger),
		sessions: session.NewRouter(st, logger),
		perms:    permission.NewBridge(permission.NewRegistry(permission.DefaultExpiry, logger), backend, logger),
		backend:  backend,
		adapter:  adapter,
		seen:     newSeenCache(dedupeTTL, dedupeMaxSize),
		logger:   logger.With("component", "gateway"),
	}
	g.queue.OnProcess(g.processMessage)
	return g
}

// Permissions returns the pending-permission registry so adapter reply
// handlers (button callbacks, slash commands) can deliver decisions.
func (g *Gateway) Permissions() *permission.Registry {
	return g.perms.Registry()
}

// HandleMessage admits one normalized inbound message and returns its
// completion channel. The channel receives exactly one value: nil once the
// turn finished streaming, or the terminal error. Duplicate deliveries of
// the same platform message resolve nil immediately without processing.
func (g *Gateway) HandleMessage(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message) <-chan error {
	if key := dedupeKey(cfg, msg); key != "" && g.seen.checkAndMark(key) {
		g.logger.Debug("duplicate message ignored",
			"channel_type", cfg.ChannelType,
			"external_id", msg.ExternalID,
		)
		return resolved(nil)
	}

	if decision := g.limiter.Check(cfg.ID, msg.UserID); !decision.Allowed {
		g.logger.Info("message rate limited",
			"config_id", cfg.ID,
			"user_id", msg.UserID,
			"retry_after", decision.RetryAfter,
		)
		return resolved(&ratelimit.DeniedError{RetryAfter: decision.RetryAfter})
	}

	key := cfg.ID + ":" + msg.ConversationID()
	return g.queue.Enqueue(key, msg, cfg, g.backend)
}

// dedupeKey builds the seen-cache key for a message; empty when the platform
// supplied no message ID.
func dedupeKey(cfg *config.ChannelConfig, msg *message.Message) string {
	if msg.ExternalID == "" {
		return ""
	}
	return cfg.ChannelType + ":" + msg.ExternalID
}

// resolved returns a completion channel already carrying err.
func resolved(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	return done
}

// processMessage is the queue's processing callback: resolve the session,
// run the turn, and stream the response back through the adapter.
func (g *Gateway) processMessage(ctx context.Context, msg *message.Message, cfg *config.ChannelConfig) error {
	sessionID, err := g.sessions.Resolve(ctx, cfg, msg, g.backend)
	if err != nil {
		g.reportError(ctx, msg, err)
		return fmt.Errorf("resolving session: %w", err)
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	events, err := g.backend.RunTurn(turnCtx, sessionID, msg.Content)
	if err != nil {
		g.reportError(ctx, msg, err)
		return fmt.Errorf("starting turn: %w", err)
	}

	st := g.bridgeTurn(events, cfg, msg, cancelTurn)
	defer st.Cancel()

	for {
		chunk, err := st.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			g.reportError(ctx, msg, err)
			return err
		}
		if sendErr := g.adapter.SendText(ctx, msg, chunk); sendErr != nil {
			// The platform stopped accepting output; tear the turn down.
			g.logger.Warn("chunk delivery failed, cancelling turn",
				"session_id", sessionID,
				"error", sendErr,
			)
			st.Cancel()
			return fmt.Errorf("delivering response: %w", sendErr)
		}
	}
}

// bridgeTurn wraps a turn's event stream, wiring tool activity and
// permission events to their side channels.
func (g *Gateway) bridgeTurn(events <-chan *agent.Event, cfg *config.ChannelConfig, msg *message.Message, cancelTurn context.CancelFunc) *stream.Stream {
	return stream.New(events, stream.Options{
		OnToolActivity: func(activity agent.ToolActivity) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := g.adapter.SendToolActivity(ctx, msg, activity); err != nil {
				g.logger.Debug("tool activity delivery failed", "error", err)
			}
		},
		OnPermission: func(req *agent.PermissionRequest) {
			// The approval wait is bounded by the registry's expiry, not the
			// turn context: the prompt outlives individual chunk deliveries.
			g.perms.HandlePermissionEvent(context.Background(), g.adapter, cfg, msg, req)
		},
		Cancel: func() error {
			cancelTurn()
			return nil
		},
	})
}

// reportError tells the end user their message failed, best effort.
func (g *Gateway) reportError(ctx context.Context, msg *message.Message, err error) {
	if sendErr := g.adapter.SendError(ctx, msg, err); sendErr != nil {
		g.logger.Debug("error report delivery failed", "error", sendErr)
	}
}

// ResetConversation invalidates the session routed for the message's
// conversation; the next message starts a fresh agent session.
func (g *Gateway) ResetConversation(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message) error {
	return g.sessions.Invalidate(ctx, cfg.ID, cfg.ChannelType, cfg.SessionStrategy, msg)
}

// ActiveSessionID reports the live backend session for a config, optionally
// narrowed to one user.
func (g *Gateway) ActiveSessionID(ctx context.Context, configID, userID string) (string, bool) {
	return g.sessions.ActiveSessionID(ctx, configID, userID)
}

// QueueDepth returns the number of messages waiting across all conversations.
func (g *Gateway) QueueDepth() int {
	return g.queue.TotalSize()
}

// Run drives periodic maintenance until ctx is cancelled: rate-limit bucket
// eviction, session cache TTL sweeps, and dedupe cleanup.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.queue.Close()
			return ctx.Err()
		case <-ticker.C:
			g.limiter.Cleanup()
			g.sessions.Cleanup()
			g.seen.sweep()
		}
	}
}
