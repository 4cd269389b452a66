package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/claw/internal/agent"
	"github.com/haasonsaas/claw/internal/channels"
	"github.com/haasonsaas/claw/internal/config"
	"github.com/haasonsaas/claw/internal/cron"
	"github.com/haasonsaas/claw/internal/gateway"
	"github.com/haasonsaas/claw/internal/observability"
	"github.com/haasonsaas/claw/internal/providers"
	"github.com/haasonsaas/claw/internal/sessions"
	"github.com/haasonsaas/claw/internal/skills"
	"github.com/haasonsaas/claw/internal/tools"
	"github.com/haasonsaas/claw/internal/tools/builtin"
	"github.com/haasonsaas/claw/internal/tools/policy"
	"github.com/haasonsaas/claw/pkg/models"
)

// runServe wires every subsystem and blocks until a shutdown signal.
func runServe(parent context.Context, configPath string, debug bool) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel, debug)
	holder := config.NewHolder(cfg)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	store, err := sessions.NewStore(cfg.StateRoot)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	locker := sessions.NewLocker()

	sandbox := &policy.Sandbox{
		Root: cfg.Workspace,
		Off:  cfg.Tools.SandboxMode == "off",
	}
	registry := tools.NewRegistry()
	pipeline := tools.NewPipeline(registry, sandbox, cfg.Tools.ExecTimeout.Std(), toolPolicyFn(holder))
	pipeline.AddHook(&metricsHook{metrics: metrics})

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}

	skillsMgr := skills.NewManager(cfg.Skills.Dir)

	prompt := &agent.PromptSource{
		Preamble:      cfg.Agent.SystemPreamble,
		IdentityFiles: cfg.Agent.IdentityFiles,
		Workspace:     cfg.Workspace,
		Skills:        skillsMgr.PromptBlocks,
	}
	runtime := agent.NewRuntime(ctx, store, locker, pipeline, resolver, prompt,
		func() agent.Options { return agentOptions(holder.Current()) })

	for _, tool := range []tools.Tool{
		builtin.NewClockTool(),
		builtin.NewReadFileTool(sandbox),
		builtin.NewWriteFileTool(sandbox),
		builtin.NewExecTool(sandbox),
		builtin.NewSpawnTool(runtime, cfg.Agent.MaxSpawnDepth),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	chRegistry := channels.NewRegistry()
	if err := buildChannels(chRegistry, cfg); err != nil {
		return err
	}
	hub := channels.NewHub(chRegistry, runtime, store,
		func() channels.HubOptions { return hubOptions(holder.Current()) }, metrics)

	scheduler := cron.NewScheduler(ctx, hub)
	if err := scheduler.Configure(cfg.Cron.Jobs); err != nil {
		return fmt.Errorf("configure cron: %w", err)
	}
	defer scheduler.Stop()

	srv := gateway.NewServer(ctx, gateway.Deps{
		Config:     holder,
		ConfigPath: path,
		Store:      store,
		Runtime:    runtime,
		Hub:        hub,
		Resolver:   resolver,
		Cron:       scheduler,
		Skills:     skillsMgr,
		Metrics:    metrics,
		Version:    version,
	})
	hub.SetEventTap(srv.AgentSink())

	holder.OnChange(func(next *config.Config) {
		if err := scheduler.Configure(next.Cron.Jobs); err != nil {
			slog.Error("cron reconfigure failed", "err", err)
		}
		skillsMgr.Reload()
		srv.NotifyConfigChanged()
	})
	holder.OnRestartRequired(func(*config.Config) {
		srv.NotifyRestartRequired()
	})

	if err := chRegistry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	go hub.Run(ctx)

	if err := srv.Start(); err != nil {
		return err
	}
	slog.Info("clawd running", "version", version, "state_root", cfg.StateRoot)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := chRegistry.StopAll(shutdownCtx); err != nil {
		slog.Warn("channel shutdown", "err", err)
	}
	return nil
}

// buildResolver registers the configured providers with their auth profile
// rotations and model prefixes.
func buildResolver(cfg *config.Config) (*providers.Resolver, error) {
	fp := providers.DefaultFailoverPolicy()
	fo := cfg.Providers.Failover
	if d := fo.RateLimitCooldown.Std(); d > 0 {
		fp.RateLimitCooldown = d
	}
	if d := fo.AuthCooldown.Std(); d > 0 {
		fp.AuthCooldown = d
	}
	if fo.TransientAttempts > 0 {
		fp.TransientAttempts = fo.TransientAttempts
	}
	if d := fo.TransientBackoff.Std(); d > 0 {
		fp.TransientBackoff.Initial = d
	}
	resolver := providers.NewResolver(fp)

	for name, pc := range cfg.Providers.ByName {
		var provider providers.Provider
		switch name {
		case "anthropic":
			provider = providers.NewAnthropicProvider()
		case "openai":
			provider = providers.NewOpenAIProvider()
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		profiles := make([]providers.AuthProfile, 0, len(pc.Profiles))
		for _, p := range pc.Profiles {
			profiles = append(profiles, providers.AuthProfile{
				Name: p.Name,
				Creds: providers.Credentials{
					APIKey:  p.APIKey,
					BaseURL: p.BaseURL,
				},
			})
		}
		resolver.Register(provider, profiles, pc.ModelPrefixes)
	}
	return resolver, nil
}

// buildChannels constructs the enabled adapters. A disabled or absent
// channel config just means that adapter does not start.
func buildChannels(registry *channels.Registry, cfg *config.Config) error {
	for name, cc := range cfg.Channels {
		if !cc.Enabled {
			continue
		}
		var (
			ch  channels.Channel
			err error
		)
		switch name {
		case "telegram":
			ch, err = channels.NewTelegramChannel(channels.TelegramConfig{
				Token:   cc.Token,
				Account: cc.Account,
			})
		case "discord":
			ch, err = channels.NewDiscordChannel(channels.DiscordConfig{
				Token:   cc.Token,
				Account: cc.Account,
			})
		case "slack":
			ch, err = channels.NewSlackChannel(channels.SlackConfig{
				Token:    cc.Token,
				AppToken: cc.AppToken,
				Account:  cc.Account,
			})
		default:
			return fmt.Errorf("unknown channel %q", name)
		}
		if err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		registry.Register(ch)
	}
	return nil
}

// agentOptions snapshots the runtime knobs from the active config. Re-read
// per turn so reloads apply to the next run, never mid-run.
func agentOptions(cfg *config.Config) agent.Options {
	opts := agent.DefaultOptions()
	ac := cfg.Agent
	if ac.Model != "" {
		opts.Model = ac.Model
	}
	if len(ac.FallbackChain) > 0 {
		opts.FallbackChain = ac.FallbackChain
	}
	if ac.MaxIterations > 0 {
		opts.MaxIterations = ac.MaxIterations
	}
	if ac.MaxTokens > 0 {
		opts.MaxTokens = ac.MaxTokens
	}
	if ac.OverflowAttempts > 0 {
		opts.OverflowAttempts = ac.OverflowAttempts
	}
	if ac.KeepRecentPairs > 0 {
		opts.Compaction.KeepRecentPairs = ac.KeepRecentPairs
	}
	if ac.ToolResultHead > 0 {
		opts.Compaction.ToolResultHead = ac.ToolResultHead
	}
	if ac.ToolResultTail > 0 {
		opts.Compaction.ToolResultTail = ac.ToolResultTail
	}
	if ac.MaxSpawnDepth > 0 {
		opts.MaxSpawnDepth = ac.MaxSpawnDepth
	}
	if ac.SpawnConcurrency > 0 {
		opts.SpawnConcurrency = ac.SpawnConcurrency
	}
	opts.QueueSends = cfg.Session.QueueSends
	if d := cfg.Session.LockTimeout.Std(); d > 0 {
		opts.LockTimeout = d
	}
	return opts
}

func hubOptions(cfg *config.Config) channels.HubOptions {
	opts := channels.HubOptions{
		DefaultScope: models.ParseScope(cfg.Session.Scope),
		Channels:     make(map[string]channels.ChannelOptions, len(cfg.Channels)),
	}
	for name, cc := range cfg.Channels {
		co := channels.ChannelOptions{AudioPolicy: cc.AudioPolicy}
		if cc.Scope != "" {
			co.Scope = models.ParseScope(cc.Scope)
		}
		opts.Channels[name] = co
	}
	return opts
}

func toolPolicyFn(holder *config.Holder) func(inv *tools.Invocation) policy.Policy {
	return func(inv *tools.Invocation) policy.Policy {
		tc := holder.Current().Tools
		byChatType := make(map[models.ChatType]policy.Policy, len(tc.ByChatType))
		for chatType, pc := range tc.ByChatType {
			byChatType[models.ChatType(chatType)] = policy.Policy{
				Allow: pc.Allow,
				Deny:  pc.Deny,
			}
		}
		return tools.PolicyFromConfig(tc.Profile, tc.Allow, tc.Deny, byChatType)(inv)
	}
}

// metricsHook feeds tool execution outcomes into the Prometheus counters.
type metricsHook struct {
	metrics *observability.Metrics
}

func (h *metricsHook) Before(context.Context, string, json.RawMessage, *tools.Invocation) error {
	return nil
}

func (h *metricsHook) After(_ context.Context, name string, result *tools.Result, err error) {
	isError := err != nil || (result != nil && result.IsError)
	h.metrics.RecordTool(name, isError)
}
