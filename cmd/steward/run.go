package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"steward/internal/bus"
	"steward/internal/channel"
	"steward/internal/config"
	"steward/internal/delegate"
	"steward/internal/domain"
	"steward/internal/guardrail"
	"steward/internal/orchestrator"
	"steward/internal/provider"
	"steward/internal/routine"
	"steward/internal/skill"
	"steward/internal/store"
	"steward/internal/tool"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI channel only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCore(coreOptions{cli: true})
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start all enabled channels and the routine scheduler",
		Long:  "Starts Discord and Telegram (when enabled), the orchestrator, and the routine scheduler. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCore(coreOptions{gateway: true})
		},
	}
}

type coreOptions struct {
	cli     bool // interactive CLI channel, blocks on stdin
	gateway bool // network channels + scheduler
}

func runCore(opts coreOptions) error {
	cfg := loadConfig()

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.General.BusBuffer, logger)
	defer messageBus.Close()

	events := bus.NewEventBus(logger)
	// Mirror internal events into structured logs.
	events.On("*", func(ev bus.Event) {
		logger.Debug("event", "type", ev.Type, "source", ev.Source)
	})

	db, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	skills := skill.NewRegistry(cfg.General.SkillsDir, logger)
	if err := skills.Load(); err != nil {
		logger.Warn("skill registry load", "err", err)
	}

	guard, err := guardrail.NewEngine(cfg.Guardrail, db, logger)
	if err != nil {
		return fmt.Errorf("guardrail engine: %w", err)
	}

	provFactory := provider.NewFactory(cfg, logger)
	prov, err := provFactory.DefaultProvider()
	if err != nil {
		return fmt.Errorf("reasoning provider: %w", err)
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	tools := registerTools(cfg, messageBus, events, db)

	delegator := delegate.NewCoordinator(cfg.Delegation, skills, prov, tools, guard, logger)

	prompt := orchestrator.NewPromptBuilder(cfg.General.Workspace, skills, db, logger)

	var compactor *orchestrator.Compactor
	if cfg.Reasoning.CompactThreshold > 0 {
		compactor = orchestrator.NewCompactor(orchestrator.CompactorConfig{
			Archive:   db,
			Provider:  prov,
			Threshold: cfg.Reasoning.CompactThreshold,
			Keep:      cfg.Reasoning.CompactKeep,
			Logger:    logger,
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		Reasoning: cfg.Reasoning,
		Provider:  prov,
		Bus:       messageBus,
		Events:    events,
		Store:     db,
		Skills:    skills,
		Guard:     guard,
		Delegator: delegator,
		Tools:     tools,
		Prompt:    prompt,
		Compactor: compactor,
		Audit:     db,
		Logger:    logger,
	})

	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		Bus:        messageBus,
		Events:     events,
		Audit:      db,
		Handler:    orch.HandleMessage,
		Logger:     logger,
		Workers:    cfg.General.Workers,
		QueueDepth: cfg.General.QueueDepth,
	})
	go dispatcher.Run(ctx)

	if cfg.Routine.Enabled {
		scheduler := routine.NewScheduler(cfg.Routine, db, messageBus, events, logger)
		go scheduler.Run(ctx)
		// Routine fires land on the reserved system chat; answer them by
		// echoing into the log so self-initiated work is observable.
		messageBus.OnOutbound(routine.ChannelName, func(msg domain.OutboundMessage) {
			logger.Info("routine outcome", "chat", msg.ChatID, "content", msg.Content)
		})
	}

	if opts.gateway {
		startNetworkChannels(ctx, cfg, messageBus)
	}

	if opts.cli {
		cli := channel.NewCLI(channel.CLIConfig{Logger: logger})
		return cli.Start(ctx, messageBus)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		messageBus.Close()
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out")
	}
}

func startNetworkChannels(ctx context.Context, cfg *config.Config, messageBus domain.MessageBus) {
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		discord := channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		})
		go func() {
			if err := discord.Start(ctx, messageBus); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		logger.Info("discord channel enabled")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegram := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		})
		go func() {
			if err := telegram.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	}
}

// registerTools builds the shared tool registry. The per-chat scratchpad
// tool is bound later by the orchestrator.
func registerTools(cfg *config.Config, messageBus domain.MessageBus, events *bus.EventBus, db *store.SQLiteStore) *tool.Registry {
	reg := tool.NewRegistry(logger)
	reg.Register(tool.NewShellTool(tool.ShellConfig{
		WorkingDir:     cfg.General.Workspace,
		TimeoutSeconds: cfg.Tools.Shell.TimeoutSeconds,
		MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
	}))
	reg.Register(tool.NewReadFileTool(cfg.General.Workspace))
	reg.Register(tool.NewWriteFileTool(cfg.General.Workspace))
	reg.Register(tool.NewAppendFileTool(cfg.General.Workspace))
	reg.Register(tool.NewListDirTool(cfg.General.Workspace))
	reg.Register(tool.NewWebSearchTool())
	reg.Register(tool.NewWebFetchTool())
	reg.Register(tool.NewListActiveChatsTool(db))
	reg.Register(tool.NewSendToChannelTool(messageBus, db, events))
	reg.Register(tool.NewRoutineTool(db))
	return reg
}
