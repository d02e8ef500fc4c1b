// ABOUTME: Tests for the permission bridge's approval round trip.
// ABOUTME: Validates decision relay, prompt-failure rejection, and expiry denial.

package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
)

// fakeResponder records permission decisions relayed to the backend.
type fakeResponder struct {
	mu        sync.Mutex
	decisions map[string]bool
	fail      error
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{decisions: make(map[string]bool)}
}

func (f *fakeResponder) ReplyPermission(ctx context.Context, permissionID string, approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.decisions[permissionID] = approved
	return nil
}

func (f *fakeResponder) decision(id string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.decisions[id]
	return v, ok
}

// fakePrompter simulates the channel adapter rendering the approval UI.
type fakePrompter struct {
	fail    error
	onSend  func(req *agent.PermissionRequest)
	prompts int
	mu      sync.Mutex
}

func (f *fakePrompter) SendPermissionRequest(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message, req *agent.PermissionRequest) error {
	f.mu.Lock()
	f.prompts++
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.onSend != nil {
		f.onSend(req)
	}
	return nil
}

func permRequest() *agent.PermissionRequest {
	return &agent.PermissionRequest{ID: "p1", ToolName: "bash", Description: "run ls"}
}

func bridgeFixtures(expiry time.Duration) (*Bridge, *Registry, *fakeResponder) {
	registry := NewRegistry(expiry, nil)
	backend := newFakeResponder()
	return NewBridge(registry, backend, nil), registry, backend
}

func TestBridge_ApprovalRoundTrip(t *testing.T) {
	bridge, registry, backend := bridgeFixtures(time.Minute)

	// The "user" approves as soon as the prompt is rendered.
	prompter := &fakePrompter{}
	prompter.onSend = func(req *agent.PermissionRequest) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			registry.Reply(req.ID, true)
		}()
	}

	approved := bridge.HandlePermissionEvent(context.Background(), prompter, &config.ChannelConfig{ID: "cfg"}, &message.Message{UserID: "u1"}, permRequest())
	assert.True(t, approved)

	decision, ok := backend.decision("p1")
	require.True(t, ok)
	assert.True(t, decision)
	assert.False(t, registry.IsPending("p1"))
}

func TestBridge_RejectionRoundTrip(t *testing.T) {
	bridge, registry, backend := bridgeFixtures(time.Minute)

	prompter := &fakePrompter{}
	prompter.onSend = func(req *agent.PermissionRequest) {
		go registry.Reply(req.ID, false)
	}

	approved := bridge.HandlePermissionEvent(context.Background(), prompter, &config.ChannelConfig{ID: "cfg"}, &message.Message{}, permRequest())
	assert.False(t, approved)

	decision, ok := backend.decision("p1")
	require.True(t, ok)
	assert.False(t, decision)
}

func TestBridge_PromptFailureRejectsImmediately(t *testing.T) {
	bridge, registry, backend := bridgeFixtures(time.Minute)

	prompter := &fakePrompter{fail: errors.New("channel gone")}

	start := time.Now()
	approved := bridge.HandlePermissionEvent(context.Background(), prompter, &config.ChannelConfig{ID: "cfg"}, &message.Message{}, permRequest())
	assert.False(t, approved)
	assert.Less(t, time.Since(start), time.Second, "must not wait for a decision")

	decision, ok := backend.decision("p1")
	require.True(t, ok)
	assert.False(t, decision)
	assert.False(t, registry.IsPending("p1"))
}

func TestBridge_ExpiryDenies(t *testing.T) {
	bridge, registry, backend := bridgeFixtures(30 * time.Millisecond)

	// Prompt renders fine but nobody ever answers.
	approved := bridge.HandlePermissionEvent(context.Background(), &fakePrompter{}, &config.ChannelConfig{ID: "cfg"}, &message.Message{}, permRequest())
	assert.False(t, approved)

	decision, ok := backend.decision("p1")
	require.True(t, ok)
	assert.False(t, decision)
	assert.False(t, registry.IsPending("p1"))
}

func TestBridge_RelayFailureDoesNotChangeOutcome(t *testing.T) {
	bridge, registry, backend := bridgeFixtures(time.Minute)
	backend.fail = errors.New("backend unreachable")

	prompter := &fakePrompter{}
	prompter.onSend = func(req *agent.PermissionRequest) {
		go registry.Reply(req.ID, true)
	}

	approved := bridge.HandlePermissionEvent(context.Background(), prompter, &config.ChannelConfig{ID: "cfg"}, &message.Message{}, permRequest())
	assert.True(t, approved)
}
