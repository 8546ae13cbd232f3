// Package main is agentctl, the command-line client for the agentd
// daemon. It talks to the daemon's HTTP API and never touches the data
// directory directly.
//
// # Basic Usage
//
//	agentctl runs create --workspace . --spec specs/feature/spec.md
//	agentctl runs events run_abc123
//	agentctl sessions send sess_abc123 "add a healthcheck endpoint"
//
// # Environment Variables
//
//   - AGENTD_ADDR: Daemon base URL (default http://127.0.0.1:8787)
//   - AGENTD_TOKEN: Bearer token for authenticated daemons
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagAddr  string
	flagToken string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentctl",
		Short:        "agentctl - client for the agentd daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "Daemon base URL (or AGENTD_ADDR)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token (or AGENTD_TOKEN)")

	rootCmd.AddCommand(
		buildRunsCmd(),
		buildSessionsCmd(),
		buildModelsCmd(),
		buildPolicyCmd(),
		buildSpecCmd(),
	)
	return rootCmd
}

// client resolves the flag/env connection settings into an API client.
func client() *apiClient {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("AGENTD_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8787"
	}
	token := flagToken
	if token == "" {
		token = os.Getenv("AGENTD_TOKEN")
	}
	return newAPIClient(addr, token)
}
