// Package main is the agentd daemon: a local HTTP service that runs
// coding-agent work against workspaces on this machine.
//
// # Basic Usage
//
// Start the daemon:
//
//	agentd serve --config ~/.agentd/config.yaml
//
// # Environment Variables
//
//   - AGENTD_CONFIG: Path to configuration file
//   - AGENTD_LISTEN_ADDR: Listen address (default 127.0.0.1:8787)
//   - AGENTD_DATA_DIR: Data directory (default ~/.agentd)
//   - AGENTD_AUTH_TOKEN: Static bearer token guarding the API
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / OLLAMA_BASE_URL: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentd",
		Short:        "agentd - local coding agent daemon",
		Long:         "agentd runs spec-driven agent runs and interactive sessions against local workspaces,\nexposing them over an HTTP + SSE API on localhost.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentd daemon",
		Long: `Start the agentd daemon with the configured providers.

The daemon will:
1. Load configuration from the given file (AGENTD_CONFIG or --config)
2. Open the event-sourced data directory
3. Initialize LLM providers (Anthropic, OpenAI, Ollama)
4. Serve the HTTP + SSE API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("AGENTD_CONFIG")
			}
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
