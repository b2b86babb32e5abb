package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aviaryai/aviary/internal/agent"
	"github.com/aviaryai/aviary/internal/agent/providers"
	"github.com/aviaryai/aviary/internal/audit"
	"github.com/aviaryai/aviary/internal/channels"
	"github.com/aviaryai/aviary/internal/channels/discord"
	"github.com/aviaryai/aviary/internal/channels/slack"
	"github.com/aviaryai/aviary/internal/channels/telegram"
	"github.com/aviaryai/aviary/internal/config"
	"github.com/aviaryai/aviary/internal/context"
	"github.com/aviaryai/aviary/internal/llm"
	"github.com/aviaryai/aviary/internal/masterworker"
	"github.com/aviaryai/aviary/internal/msggateway"
	"github.com/aviaryai/aviary/internal/orchestrator"
	"github.com/aviaryai/aviary/internal/ratelimit"
	"github.com/aviaryai/aviary/internal/reasoning"
	"github.com/aviaryai/aviary/internal/reply"
	"github.com/aviaryai/aviary/internal/scheduler"
	"github.com/aviaryai/aviary/internal/sessions"
	"github.com/aviaryai/aviary/internal/toolexec"
)

// shutdownGrace bounds how long channel adapters get to drain in-flight
// sends once a shutdown signal arrives.
const shutdownGrace = 10 * time.Second

// app holds every long-lived collaborator built by buildApp, so main can
// start and stop them without reaching back into config.
type app struct {
	cfg       *config.Config
	sessions  *sessions.Manager
	channels  *channels.Registry
	gateway   *msggateway.Gateway
	scheduler *scheduler.Scheduler
	worker    *masterworker.Master
}

func (a *app) Close() {
	a.sessions.Close()
}

func (a *app) channelNames() []string {
	names := make([]string, 0, len(a.channels.All()))
	for _, c := range a.channels.All() {
		names = append(names, string(c.Type()))
	}
	return names
}

// buildApp wires the Agent Orchestrator's collaborators from config: LLM
// providers (wrapped for the Reasoning Engine's non-streaming interface),
// the session store, channel adapters, the Message Gateway, the Scheduler,
// and optionally a Master Worker pool.
func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	chain, err := buildLLMChain(cfg)
	if err != nil {
		return nil, fmt.Errorf("build llm chain: %w", err)
	}
	switcher := llm.NewSwitcher(chain...)
	primary := chain[0]

	summarizer := llm.NewSummarizer(primary.Provider, primary.ModelName)
	verifier := llm.NewVerifier(primary.Provider, primary.ModelName)

	contextMgr := context.NewManager(summarizer)
	responseHandler := reply.NewHandler(verifier)

	toolRegistry := toolexec.NewRegistry()
	toolExecutor := toolexec.NewExecutor(toolRegistry, toolexec.DefaultConfig())

	engine := reasoning.NewEngine(primary, toolExecutor, contextMgr, responseHandler, switcher, nil, reasoning.DefaultConfig())
	if auditLogger, err := audit.NewLogger(cfg.Audit); err != nil {
		slog.Warn("failed to open audit logger, continuing without audit trail", "error", err)
	} else {
		engine.Audit = auditLogger
	}

	sessionStore, err := sessions.NewFileStore(filepath.Join(cfg.Workspace.Path, "sessions"), 0)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	sessionMgr := sessions.NewManager(sessionStore, 30*time.Minute, time.Minute)

	registry := channels.NewRegistry()
	if err := registerChannels(registry, cfg); err != nil {
		return nil, fmt.Errorf("register channels: %w", err)
	}

	orc := orchestrator.New(sessionMgr, nil, engine, toolRegistry, orchestrator.Config{
		AgentID:      cfg.Session.DefaultAgentID,
		SystemPrompt: defaultSystemPrompt,
	})

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	gateway := msggateway.New(registry, sessionMgr, orc.HandleMessage, msggateway.Config{
		AgentID: cfg.Session.DefaultAgentID,
		Limiter: limiter,
		Log:     slog.Default(),
	})
	// The orchestrator delivers reminders and scheduled-task replies through
	// the same gateway it is registered on; wiring it back in after
	// construction avoids a chicken-and-egg dependency between the two.
	orc = orchestrator.New(sessionMgr, gateway, engine, toolRegistry, orchestrator.Config{
		AgentID:      cfg.Session.DefaultAgentID,
		SystemPrompt: defaultSystemPrompt,
	})

	var worker *masterworker.Master
	if cfg.Tasks.MasterWorker.Enabled {
		mwCfg := masterworker.DefaultConfig()
		if cfg.Tasks.MasterWorker.MinWorkers > 0 {
			mwCfg.MinWorkers = cfg.Tasks.MasterWorker.MinWorkers
		}
		if cfg.Tasks.MasterWorker.MaxWorkers > 0 {
			mwCfg.MaxWorkers = cfg.Tasks.MasterWorker.MaxWorkers
		}
		worker = masterworker.New(orc.Handler(), orc.Handler(), mwCfg, slog.Default())
	}

	taskStore, err := scheduler.NewFileTaskStore(filepath.Join(cfg.Workspace.Path, "tasks"))
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	sched := scheduler.New(taskStore, orc, scheduler.DefaultConfig(), slog.Default())

	return &app{
		cfg:       cfg,
		sessions:  sessionMgr,
		channels:  registry,
		gateway:   gateway,
		scheduler: sched,
		worker:    worker,
	}, nil
}

const defaultSystemPrompt = "You are a helpful assistant with access to tools. Use them when they help complete the user's request."

// buildLLMChain builds one *llm.Adapter per configured provider (default
// provider first, then the configured fallback chain, in order), wrapping
// each provider behind the Reasoning Engine's non-streaming LLM interface.
func buildLLMChain(cfg *config.Config) ([]*llm.Adapter, error) {
	order := append([]string{cfg.LLM.DefaultProvider}, cfg.LLM.FallbackChain...)

	var chain []*llm.Adapter
	seen := map[string]bool{}
	for _, name := range order {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		providerCfg, ok := cfg.LLM.Providers[name]
		if !ok {
			continue
		}

		provider, err := newProvider(name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		chain = append(chain, llm.New(provider, providerCfg.DefaultModel, 4096))
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}
	return chain, nil
}

func newProvider(name string, cfg config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case "openai":
		return providers.NewOpenAIProvider(cfg.APIKey), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: cfg.APIKey})
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{APIKey: cfg.APIKey, Endpoint: cfg.BaseURL, APIVersion: cfg.APIVersion})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{BaseURL: cfg.BaseURL}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{APIKey: cfg.APIKey})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func registerChannels(registry *channels.Registry, cfg *config.Config) error {
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{Token: cfg.Channels.Telegram.BotToken})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{Token: cfg.Channels.Discord.BotToken})
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Channels.Slack.Enabled {
		adapter := slack.NewAdapter(slack.Config{BotToken: cfg.Channels.Slack.BotToken, AppToken: cfg.Channels.Slack.AppToken})
		registry.Register(adapter)
	}
	return nil
}
