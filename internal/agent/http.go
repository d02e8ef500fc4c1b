// ABOUTME: HTTP/SSE implementation of the backend agent Client interface.
// ABOUTME: Sessions and permission replies are plain JSON; turns stream back as SSE events.

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a backend agent over HTTP. Turn responses stream back
// as server-sent events (event:/data: line pairs).
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the agent at baseURL. token may be empty.
func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No overall timeout: turn streams are long-lived and bounded by ctx.
		http:   &http.Client{},
		logger: logger.With("component", "agent-client"),
	}
}

// IsReady reports whether the backend answers its health endpoint.
func (c *HTTPClient) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// CreateSession creates a new agent session and returns its ID.
func (c *HTTPClient) CreateSession(ctx context.Context, agentName string) (string, error) {
	body, err := json.Marshal(map[string]string{"agent": agentName})
	if err != nil {
		return "", fmt.Errorf("encoding session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("creating session: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("backend returned empty session id")
	}
	return out.SessionID, nil
}

// RunTurn sends a message into a session and returns the turn's event stream.
// The returned channel is closed when the backend ends the stream or ctx is
// cancelled; cancelling ctx also closes the underlying HTTP response body.
func (c *HTTPClient) RunTurn(ctx context.Context, sessionID, content string) (<-chan *Event, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, fmt.Errorf("encoding turn request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/messages", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting turn: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("starting turn: unexpected status %d", resp.StatusCode)
	}

	events := make(chan *Event, 16)
	go c.readEvents(ctx, resp.Body, events)
	return events, nil
}

// readEvents parses the SSE body line by line and emits decoded events.
func (c *HTTPClient) readEvents(ctx context.Context, body io.ReadCloser, events chan<- *Event) {
	defer close(events)
	defer body.Close()

	// Close the body when ctx is cancelled so the scanner unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		ev, err := decodeEvent(currentEvent, data)
		if err != nil {
			c.logger.Warn("skipping malformed agent event", "event", currentEvent, "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}

		// The stream is defined to end at done/error; stop reading here so a
		// misbehaving backend cannot keep the goroutine alive.
		if ev.Type == EventDone || ev.Type == EventError {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("agent event stream closed unexpectedly", "error", err)
	}
}

// decodeEvent converts one SSE event into an Event. Unknown event names are
// skipped (nil, nil) so protocol additions don't break older gateways.
func decodeEvent(name, data string) (*Event, error) {
	switch name {
	case "text":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		return &Event{Type: EventText, Text: p.Text}, nil

	case "busy":
		var p struct {
			Tool string `json:"tool"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		return &Event{Type: EventBusy, Tool: p.Tool}, nil

	case "permission":
		var p struct {
			ID          string `json:"id"`
			ToolName    string `json:"tool_name"`
			Description string `json:"description"`
			InputJSON   string `json:"input_json"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		return &Event{Type: EventPermission, Permission: &PermissionRequest{
			ID:          p.ID,
			ToolName:    p.ToolName,
			Description: p.Description,
			InputJSON:   p.InputJSON,
		}}, nil

	case "file":
		var p struct {
			Filename string `json:"filename"`
			MimeType string `json:"mime_type"`
			Data     []byte `json:"data"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		return &Event{Type: EventFile, File: &File{Filename: p.Filename, MimeType: p.MimeType, Data: p.Data}}, nil

	case "done":
		return &Event{Type: EventDone}, nil

	case "error":
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		return &Event{Type: EventError, Error: p.Message}, nil

	default:
		return nil, nil
	}
}

// ReplyPermission delivers an approve/reject decision for a permission request.
func (c *HTTPClient) ReplyPermission(ctx context.Context, permissionID string, approved bool) error {
	body, err := json.Marshal(map[string]bool{"approved": approved})
	if err != nil {
		return fmt.Errorf("encoding permission reply: %w", err)
	}

	url := fmt.Sprintf("%s/v1/permissions/%s", c.baseURL, permissionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building permission reply: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending permission reply: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("permission reply: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// authorize attaches the bearer token when one is configured.
func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
