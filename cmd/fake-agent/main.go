// ABOUTME: Minimal fake backend agent for end-to-end testing, serving the agent HTTP/SSE protocol.
// ABOUTME: Usage: fake-agent [-addr localhost:9090] [-ready-after 0s] [-ask-permission]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "HTTP listen address")
	readyAfter := flag.Duration("ready-after", 0, "Delay before reporting ready (simulates cold start)")
	askPermission := flag.Bool("ask-permission", false, "Emit a permission request before each tool turn")
	flag.Parse()

	if err := run(*addr, *readyAfter, *askPermission); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, readyAfter time.Duration, askPermission bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &fakeAgent{askPermission: askPermission, decisions: make(chan decision, 16)}
	if readyAfter == 0 {
		a.ready.Store(true)
	} else {
		time.AfterFunc(readyAfter, func() {
			a.ready.Store(true)
			color.Green("agent ready")
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", a.handleTurn)
	mux.HandleFunc("POST /v1/permissions/{id}", a.handlePermission)

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	color.Cyan("fake-agent listening on %s (ready in %s)", addr, readyAfter)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type decision struct {
	permissionID string
	approved     bool
}

type fakeAgent struct {
	ready         atomic.Bool
	sessions      atomic.Int64
	askPermission bool
	decisions     chan decision
}

func (a *fakeAgent) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (a *fakeAgent) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent string `json:"agent"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	id := fmt.Sprintf("fake-%d-%s", a.sessions.Add(1), uuid.New().String()[:8])
	color.Yellow("session created: %s (agent=%q)", id, req.Agent)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}

func (a *fakeAgent) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")

	color.Blue("turn on %s: %q", sessionID, req.Content)

	send := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	if strings.Contains(req.Content, "!tool") {
		if a.askPermission {
			permID := uuid.New().String()
			send("permission", map[string]string{
				"id":          permID,
				"tool_name":   "bash",
				"description": "run a shell command",
			})
			if !a.awaitDecision(r.Context(), permID) {
				send("text", map[string]string{"text": "Tool use was denied."})
				send("done", map[string]string{})
				return
			}
		}
		send("busy", map[string]string{"tool": "bash"})
		time.Sleep(200 * time.Millisecond)
	}

	if strings.Contains(req.Content, "!error") {
		send("error", map[string]string{"message": "simulated agent failure"})
		return
	}

	// Echo the content back word by word to exercise chunked delivery.
	for _, word := range strings.Fields("You said: " + req.Content) {
		send("text", map[string]string{"text": word + " "})
		time.Sleep(50 * time.Millisecond)
	}
	send("done", map[string]string{})
}

// awaitDecision blocks the turn until the gateway relays an approval for the
// given permission id, denying after a bounded wait.
func (a *fakeAgent) awaitDecision(ctx context.Context, permissionID string) bool {
	timeout := time.NewTimer(6 * time.Minute)
	defer timeout.Stop()

	for {
		select {
		case d := <-a.decisions:
			if d.permissionID == permissionID {
				return d.approved
			}
		case <-timeout.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (a *fakeAgent) handlePermission(w http.ResponseWriter, r *http.Request) {
	permissionID := r.PathValue("id")

	var req struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.Approved {
		color.Green("permission %s approved", permissionID)
	} else {
		color.Red("permission %s denied", permissionID)
	}

	select {
	case a.decisions <- decision{permissionID: permissionID, approved: req.Approved}:
	default:
	}
	w.WriteHeader(http.StatusOK)
}
