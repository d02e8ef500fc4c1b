// ABOUTME: Backend agent client contract and the event shapes a turn produces.
// ABOUTME: The orchestration core consumes this interface; transport lives in http.go.

package agent

import "context"

// EventType indicates the type of event emitted during an agent turn.
type EventType int

const (
	EventText       EventType = iota // text delta
	EventBusy                        // agent is running a tool
	EventDone                        // turn completed
	EventError                       // turn failed
	EventPermission                  // agent needs approval before running a tool
	EventFile                        // agent produced a file output
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventText:
		return "text"
	case EventBusy:
		return "busy"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventPermission:
		return "permission"
	case EventFile:
		return "file"
	default:
		return "unknown"
	}
}

// Event is one element of the event stream a turn produces. Exactly one of
// the payload fields is meaningful for a given type.
type Event struct {
	Type       EventType
	Text       string             // For EventText
	Error      string             // For EventError
	Tool       string             // For EventBusy: name of the running tool, may be empty
	Permission *PermissionRequest // For EventPermission
	File       *File              // For EventFile
}

// PermissionRequest describes a tool call the agent wants approved before running.
type PermissionRequest struct {
	ID          string
	ToolName    string
	Description string
	InputJSON   string
}

// File represents a file output from the agent.
type File struct {
	Filename string
	MimeType string
	Data     []byte
}

// ToolActivity is the synthetic descriptor surfaced to adapters while the
// agent is busy running a tool.
type ToolActivity struct {
	Tool   string
	Status string
}

// Client is the backend agent the core multiplexes conversations onto.
// All calls may fail; classification of failures is the caller's concern.
type Client interface {
	// IsReady reports whether the backend can accept turns right now.
	// The backend may still be starting after a deploy.
	IsReady(ctx context.Context) bool

	// CreateSession creates a new agent session, optionally pinned to a
	// named agent, and returns its identifier.
	CreateSession(ctx context.Context, agentName string) (string, error)

	// RunTurn sends one user message into a session and returns the event
	// stream for the resulting turn. The channel is closed when the turn
	// ends or ctx is cancelled.
	RunTurn(ctx context.Context, sessionID, content string) (<-chan *Event, error)

	// ReplyPermission delivers an approve/reject decision for a pending
	// permission request so the suspended tool call can proceed or abort.
	ReplyPermission(ctx context.Context, permissionID string, approved bool) error
}

// SessionCreator is the subset of Client the session router needs.
type SessionCreator interface {
	CreateSession(ctx context.Context, agentName string) (string, error)
}

// PermissionResponder is the subset of Client the permission bridge needs.
type PermissionResponder interface {
	ReplyPermission(ctx context.Context, permissionID string, approved bool) error
}
