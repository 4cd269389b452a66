// Package main is the clawd daemon: a personal AI assistant gateway that
// bridges messaging platforms to LLM providers with tool execution, session
// transcripts, and a WebSocket control plane for native apps and the UI.
//
// Start the daemon:
//
//	clawd serve
//
// Check a running daemon:
//
//	clawd status
//
// Configuration lives at {state_root}/config.json (JSON5). The path can be
// overridden with RUSTY_CLAW_CONFIG; the tool workspace with
// RUSTY_CLAW_WORKSPACE. ${NAME} references in config values are substituted
// from the environment at load time.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/claw/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "clawd",
		Short:   "Personal AI assistant gateway daemon",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(buildServeCmd(), buildStatusCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start the daemon with all configured channels and providers.

The daemon loads the config snapshot, opens the session store, starts the
enabled channel adapters, and serves the WebSocket control plane plus
/health and /metrics over HTTP. SIGINT/SIGTERM shut it down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to the config file (default: RUSTY_CLAW_CONFIG or {state_root}/config.json)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to the config file (default: RUSTY_CLAW_CONFIG or {state_root}/config.json)")
	return cmd
}

func runStatus(configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/health", cfg.Gateway.Host, cfg.Gateway.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	out, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// loadConfig resolves the config path and loads it, falling back to the
// built-in defaults when no file exists yet.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = config.ResolvePath(config.DefaultStateRoot())
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			return nil, "", fmt.Errorf("load config %s: %w", path, err)
		}
		cfg, err = config.Parse([]byte("{}"))
		if err != nil {
			return nil, "", err
		}
	}
	return cfg, path, nil
}

func setupLogging(level string, debug bool) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if debug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
