// Package main provides the CLI entry point for the Aviary agent execution
// core.
//
// Aviary connects messaging platforms (Telegram, Discord, Slack) to LLM
// providers (Anthropic, OpenAI, Google) through a Reasoning Engine that
// runs tasks to completion with tool use, session memory, and scheduled
// follow-ups.
//
// # Basic Usage
//
// Start the gateway:
//
//	aviary serve --config aviary.yaml
//
// # Environment Variables
//
//   - AVIARY_CONFIG: Path to configuration file (default: aviary.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - DISCORD_BOT_TOKEN: Discord bot token
//   - SLACK_BOT_TOKEN / SLACK_APP_TOKEN: Slack Socket Mode credentials
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aviary",
		Short: "Aviary - agent execution core",
		Long: `Aviary connects messaging platforms to LLM providers through a Reasoning
Engine that drives tasks to completion with tool use, session memory, and
scheduled follow-ups.

Supported channels: Telegram, Discord, Slack
Supported LLM providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "aviary %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent execution core: gateway, scheduler, and reasoning loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("AVIARY_CONFIG")
			}
			if configPath == "" {
				configPath = "aviary.yaml"
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $AVIARY_CONFIG or aviary.yaml)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	app, err := buildApp(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer app.Close()

	slog.Info("aviary starting", "channels", app.channelNames())

	go app.channels.StartAll(ctx)
	go app.gateway.Run(ctx)
	go app.scheduler.Run(ctx)
	defer app.scheduler.Stop()
	if app.worker != nil {
		if err := app.worker.Start(ctx); err != nil {
			return fmt.Errorf("serve: start worker pool: %w", err)
		}
		defer app.worker.Stop()
	}

	<-ctx.Done()
	slog.Info("aviary shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return app.channels.StopAll(shutdownCtx)
}
