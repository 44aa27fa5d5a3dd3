// Package main provides the CLI entry point for the Troupe server.
//
// Troupe is a multi-tenant conversational backend: clients stream chat
// turns over SSE while the server manages roles, long-term memory,
// OAuth-connected tool servers, and scheduled jobs.
//
// # Basic Usage
//
// Start the server:
//
//	troupe serve --config troupe.yaml
//
// Print the configuration schema:
//
//	troupe schema
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - TROUPE_ENV: Runtime environment (development, test, production)
//   - DATA_DIR: Data directory for the SQLite database and attachments
//   - HOST, PORT, BASE_URL: HTTP listener settings
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GOOGLE_API_KEY: Google API key for Gemini models
//   - GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET: Google OAuth credentials
//   - GITHUB_CLIENT_ID / GITHUB_CLIENT_SECRET: GitHub OAuth credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/troupe/internal/config"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging with JSON output; serve re-levels it from config.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "troupe",
		Short: "Troupe - Multi-tenant conversational backend",
		Long: `Troupe serves chat turns over SSE with per-user roles, long-term memory,
OAuth-connected MCP tool servers, and scheduled jobs.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)
Supported OAuth providers: Google, GitHub`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildSchemaCmd(),
	)

	return rootCmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "troupe %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
			return nil
		},
	}
}

// buildSchemaCmd creates the "schema" command, which prints the JSON
// Schema of the configuration file for editor integration.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration file JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("reflect config schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
