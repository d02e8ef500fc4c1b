// ABOUTME: End-to-end tests for the gateway orchestrator using fake collaborators.
// ABOUTME: Covers admission, streaming, ordering, permissions, and conversation reset.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
	"github.com/2389/relay-gateway/internal/ratelimit"
	"github.com/2389/relay-gateway/internal/store"
)

// fakeAgent is a scriptable in-memory backend agent.
type fakeAgent struct {
	mu          sync.Mutex
	ready       bool
	created     int
	turns       []string // content of each turn, in order
	script      func(sessionID, content string) []*agent.Event
	permReplies map[string]bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		ready:       true,
		permReplies: make(map[string]bool),
		script: func(sessionID, content string) []*agent.Event {
			return []*agent.Event{
				{Type: agent.EventText, Text: "echo: " + content},
				{Type: agent.EventDone},
			}
		},
	}
}

func (f *fakeAgent) IsReady(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeAgent) CreateSession(ctx context.Context, agentName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("session-%d", f.created), nil
}

func (f *fakeAgent) RunTurn(ctx context.Context, sessionID, content string) (<-chan *agent.Event, error) {
	f.mu.Lock()
	f.turns = append(f.turns, content)
	events := f.script(sessionID, content)
	f.mu.Unlock()

	ch := make(chan *agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeAgent) ReplyPermission(ctx context.Context, permissionID string, approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permReplies[permissionID] = approved
	return nil
}

func (f *fakeAgent) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

// fakeAdapter records everything sent back toward the platform.
type fakeAdapter struct {
	mu         sync.Mutex
	texts      []string
	activities []agent.ToolActivity
	errors     []error
	onPrompt   func(req *agent.PermissionRequest)
}

func (f *fakeAdapter) SendText(ctx context.Context, msg *message.Message, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAdapter) SendToolActivity(ctx context.Context, msg *message.Message, activity agent.ToolActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeAdapter) SendPermissionRequest(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message, req *agent.PermissionRequest) error {
	f.mu.Lock()
	onPrompt := f.onPrompt
	f.mu.Unlock()
	if onPrompt != nil {
		onPrompt(req)
	}
	return nil
}

func (f *fakeAdapter) SendError(ctx context.Context, msg *message.Message, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func slackConfig() *config.ChannelConfig {
	return &config.ChannelConfig{
		ID:              "cfg-1",
		ChannelType:     "slack",
		SessionStrategy: config.SessionPerThread,
	}
}

func inbound(id, thread, user, content string) *message.Message {
	return &message.Message{
		ExternalID:  id,
		ChannelType: "slack",
		ChannelID:   "C01",
		ThreadID:    thread,
		UserID:      user,
		Content:     content,
		ReceivedAt:  time.Now(),
	}
}

func await(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message completion")
		return nil
	}
}

func newTestGateway(t *testing.T) (*Gateway, *fakeAgent, *fakeAdapter) {
	t.Helper()
	backend := newFakeAgent()
	adapter := &fakeAdapter{}
	g := New(store.NewMockStore(), backend, adapter, nil)
	return g, backend, adapter
}

func TestGateway_StreamsResponse(t *testing.T) {
	g, backend, adapter := newTestGateway(t)
	ctx := context.Background()

	backend.mu.Lock()
	backend.script = func(sessionID, content string) []*agent.Event {
		return []*agent.Event{
			{Type: agent.EventText, Text: "thinking about "},
			{Type: agent.EventText, Text: content},
			{Type: agent.EventDone},
		}
	}
	backend.mu.Unlock()

	err := await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "hi")))
	require.NoError(t, err)

	assert.Equal(t, []string{"thinking about ", "hi"}, adapter.sentTexts())
	assert.Equal(t, 1, backend.turnCount())
}

func TestGateway_DuplicateDeliveryIsIdempotent(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "hi"))))
	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "hi"))))

	assert.Equal(t, 1, backend.turnCount())
}

func TestGateway_RateLimitDenial(t *testing.T) {
	g, _, _ := newTestGateway(t)
	ctx := context.Background()

	var denied *ratelimit.DeniedError
	for i := 0; i < 200; i++ {
		msg := inbound(fmt.Sprintf("m%d", i), "t1", "u1", "hi")
		if err := await(t, g.HandleMessage(ctx, slackConfig(), msg)); err != nil {
			require.ErrorAs(t, err, &denied)
			break
		}
	}

	require.NotNil(t, denied, "expected a denial within 200 messages")
	assert.GreaterOrEqual(t, denied.RetryAfter, time.Second)
}

func TestGateway_SameThreadSharesSession(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "one"))))
	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m2", "t1", "u1", "two"))))
	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m3", "t2", "u1", "three"))))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.created, "two threads, two sessions")
	assert.Equal(t, []string{"one", "two", "three"}, backend.turns)
}

func TestGateway_StreamFailureSurfacesToCompletion(t *testing.T) {
	g, backend, adapter := newTestGateway(t)
	ctx := context.Background()

	backend.mu.Lock()
	backend.script = func(sessionID, content string) []*agent.Event {
		return []*agent.Event{
			{Type: agent.EventText, Text: "partial"},
			{Type: agent.EventError, Error: "model exploded"},
		}
	}
	backend.mu.Unlock()

	err := await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "hi")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	// Data before failure: the partial chunk was still delivered, and the
	// user got an error report.
	assert.Equal(t, []string{"partial"}, adapter.sentTexts())
	adapter.mu.Lock()
	assert.NotEmpty(t, adapter.errors)
	adapter.mu.Unlock()
}

func TestGateway_ToolActivityForwarded(t *testing.T) {
	g, backend, adapter := newTestGateway(t)
	ctx := context.Background()

	backend.mu.Lock()
	backend.script = func(sessionID, content string) []*agent.Event {
		return []*agent.Event{
			{Type: agent.EventBusy, Tool: "bash"},
			{Type: agent.EventText, Text: "done"},
			{Type: agent.EventDone},
		}
	}
	backend.mu.Unlock()

	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "hi"))))

	assert.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return len(adapter.activities) == 1 && adapter.activities[0].Tool == "bash"
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_PermissionRoundTrip(t *testing.T) {
	g, backend, adapter := newTestGateway(t)
	ctx := context.Background()

	// The "user" approves via the registry as soon as the prompt renders.
	adapter.onPrompt = func(req *agent.PermissionRequest) {
		go g.Permissions().Reply(req.ID, true)
	}

	backend.mu.Lock()
	backend.script = func(sessionID, content string) []*agent.Event {
		return []*agent.Event{
			{Type: agent.EventPermission, Permission: &agent.PermissionRequest{ID: "perm-1", ToolName: "bash"}},
			{Type: agent.EventText, Text: "tool ran"},
			{Type: agent.EventDone},
		}
	}
	backend.mu.Unlock()

	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "hi"))))

	// The approval reaches the backend asynchronously.
	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		approved, ok := backend.permReplies["perm-1"]
		return ok && approved
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"tool ran"}, adapter.sentTexts())
}

func TestGateway_ResetConversation(t *testing.T) {
	g, backend, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m1", "t1", "u1", "one"))))
	require.NoError(t, g.ResetConversation(ctx, slackConfig(), inbound("m2", "t1", "u1", "reset")))
	require.NoError(t, await(t, g.HandleMessage(ctx, slackConfig(), inbound("m3", "t1", "u1", "two"))))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.created, "reset forces a fresh session")
}

func TestGateway_ActiveSessionID(t *testing.T) {
	g, _, _ := newTestGateway(t)
	ctx := context.Background()

	cfg := slackConfig()
	cfg.SessionStrategy = config.SessionPerUser

	require.NoError(t, await(t, g.HandleMessage(ctx, cfg, inbound("m1", "", "alice", "hi"))))

	got, ok := g.ActiveSessionID(ctx, cfg.ID, "alice")
	require.True(t, ok)
	assert.NotEmpty(t, got)

	_, ok = g.ActiveSessionID(ctx, cfg.ID, "bob")
	assert.False(t, ok)
}

func TestGateway_SessionResolutionFailureReported(t *testing.T) {
	backend := newFakeAgent()
	adapter := &fakeAdapter{}
	st := store.NewMockStore()
	st.FailGet = errors.New("store offline")
	g := New(st, backend, adapter, nil)

	err := await(t, g.HandleMessage(context.Background(), slackConfig(), inbound("m1", "t1", "u1", "hi")))
	require.Error(t, err)
	assert.Equal(t, 0, backend.turnCount())
}
