// ABOUTME: Entry point for the relay-gateway server
// ABOUTME: Bridges chat platform adapters onto a backend conversational agent

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/message"
	"github.com/2389/relay-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                              _
  _ __ ___| | __ _ _   _        __ _  ___| |___      ____ _ _   _
 | '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __\ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |_____| (_| | (_| | |_ \ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |      \__, |\__,_|\__| \_/\_/ \__,_|\__, |
                   |___/       |___/                         |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  health   Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agent:    %s\n", cfg.Agent.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Channels: %d\n", len(cfg.Channels))
	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agent_url", cfg.Agent.BaseURL,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	backend := agent.NewHTTPClient(cfg.Agent.BaseURL, cfg.Agent.Token, logger)
	gw := gateway.New(st, backend, logAdapter{logger: logger}, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: newHealthMux(gw),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := gw.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHealthMux serves health and queue-depth introspection endpoints.
func newHealthMux(gw *gateway.Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"queue_depth": gw.QueueDepth(),
		})
	})
	return mux
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := "http://" + cfg.Server.HTTPAddr + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n", body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// logAdapter is the fallback Adapter used until a platform integration is
// wired in: it logs outbound traffic instead of delivering it.
type logAdapter struct {
	logger *slog.Logger
}

func (a logAdapter) SendText(ctx context.Context, msg *message.Message, text string) error {
	a.logger.Info("outbound text", "user_id", msg.UserID, "text", text)
	return nil
}

func (a logAdapter) SendToolActivity(ctx context.Context, msg *message.Message, activity agent.ToolActivity) error {
	a.logger.Info("outbound tool activity", "user_id", msg.UserID, "tool", activity.Tool)
	return nil
}

func (a logAdapter) SendPermissionRequest(ctx context.Context, cfg *config.ChannelConfig, msg *message.Message, req *agent.PermissionRequest) error {
	a.logger.Warn("permission request with no interactive adapter; it will expire to deny",
		"permission_id", req.ID,
		"tool", req.ToolName,
	)
	return nil
}

func (a logAdapter) SendError(ctx context.Context, msg *message.Message, err error) error {
	a.logger.Info("outbound error", "user_id", msg.UserID, "error", err)
	return nil
}
