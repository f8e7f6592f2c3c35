package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"github.com/arcthur/brewva/internal/agentregistry"
	"github.com/arcthur/brewva/internal/agentruntime"
	"github.com/arcthur/brewva/internal/approvalstore"
	"github.com/arcthur/brewva/internal/config"
	"github.com/arcthur/brewva/internal/coordinator"
	"github.com/arcthur/brewva/internal/events"
	"github.com/arcthur/brewva/internal/ingress"
	"github.com/arcthur/brewva/internal/orchestrator"
	"github.com/arcthur/brewva/internal/runtime"
	"github.com/arcthur/brewva/internal/store/pgaudit"
	"github.com/arcthur/brewva/internal/telegramtransport"
	"github.com/arcthur/brewva/internal/telemetry"
	"github.com/arcthur/brewva/internal/turnwal"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingress, polling, and the orchestrator until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parentCtx context.Context) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	telemetryShutdown, err := telemetry.Init(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry: shutdown error", "error", err)
		}
	}()

	workspace := config.ExpandHome(cfg.Workspace)
	channelDir := filepath.Join(workspace, ".brewva", "channel")
	agentsDir := filepath.Join(workspace, ".brewva", "agents")

	bus := events.New()

	wal, err := turnwal.Open(cfg.WAL.Dir)
	if err != nil {
		return fmt.Errorf("open turn wal: %w", err)
	}
	wal.SetBus(bus)

	registry, err := agentregistry.Open(channelDir, agentsDir)
	if err != nil {
		return fmt.Errorf("open agent registry: %w", err)
	}

	routing, err := approvalstore.NewRoutingStore(channelDir, cfg.Approval.MaxEntriesPerConversation)
	if err != nil {
		return fmt.Errorf("open approval routing store: %w", err)
	}
	routing.SetBus(bus)

	states, err := approvalstore.NewStateStore(channelDir, cfg.Approval.MaxEntriesPerConversation)
	if err != nil {
		return fmt.Errorf("open approval state store: %w", err)
	}
	states.SetBus(bus)

	provider, err := agentruntime.BuildProvider(cfg.Agent.Provider, cfg.Agent.APIKey, cfg.Agent.APIBase, cfg.Agent.Model)
	if err != nil {
		return fmt.Errorf("build agent provider: %w", err)
	}
	factory := agentruntime.NewFactory(provider, cfg.Agent.Model)
	pool := runtime.NewPool(factory, cfg.Runtime.MaxLiveRuntimes, time.Duration(cfg.Runtime.IdleRuntimeTTLMs)*time.Millisecond)

	transport, err := telegramtransport.New(telegramtransport.Config{Token: cfg.Telegram.Token, Proxy: cfg.Telegram.Proxy})
	if err != nil {
		return fmt.Errorf("create telegram transport: %w", err)
	}

	if cfg.IsAuditEnabled() {
		mirror, err := pgaudit.Open(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Warn("pgaudit: disabled, could not connect", "error", err)
		} else {
			mirror.Subscribe(bus)
			defer mirror.Close()
		}
	}

	aclMode := orchestrator.ACLClosed
	if cfg.Telegram.AclModeWhenEmpty == "open" {
		aclMode = orchestrator.ACLOpen
	}
	focusStrategy := orchestrator.FocusChat
	if cfg.Scope.Strategy == "thread" {
		focusStrategy = orchestrator.FocusThread
	}

	orch := orchestrator.New(orchestrator.Config{
		Channel:                "telegram",
		FocusStrategy:          focusStrategy,
		Owners:                 cfg.Telegram.OwnerIDs,
		ACLModeWhenOwnersEmpty: aclMode,
		GracefulTimeout:        time.Duration(cfg.Command.GracefulTimeoutMs) * time.Millisecond,
		ControllerAgentID:      agentregistry.DefaultAgentID,
		CallbackContext:        "telegram",
		MaxTextLength:          cfg.Telegram.MaxTextLength,
		InlineApprovalsEnabled: cfg.Telegram.InlineApprovals,
		CallbackSecret:         cfg.Telegram.CallbackSecret,
		CoordinatorLimits: coordinator.Limits{
			FanoutMaxAgents:     cfg.Command.FanoutMaxAgents,
			MaxDiscussionRounds: cfg.Command.MaxDiscussionRounds,
			A2AMaxDepth:         cfg.Command.A2AMaxDepth,
			A2AMaxHops:          cfg.Command.A2AMaxHops,
			ForbidSelfA2A:       cfg.Command.ForbidSelfA2A,
		},
	}, wal, pool, registry, routing, states, bus, transport)

	orch.Recover()

	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	if cfg.Ingress.Enabled {
		handler := ingress.NewHandler(ingress.Options{
			Path:          cfg.Ingress.Path,
			MaxBodyBytes:  cfg.Ingress.MaxBodyBytes,
			AuthMode:      ingress.AuthMode(cfg.Ingress.AuthMode),
			BearerToken:   cfg.Ingress.BearerToken,
			HMACSecret:    cfg.Ingress.HMACSecret,
			HMACMaxSkewMs: cfg.Ingress.HMACMaxSkewMs,
			NonceTTL:      time.Duration(cfg.Ingress.NonceTTLMs) * time.Millisecond,
		}, orch.HandleUpdate)

		mux := http.NewServeMux()
		mux.Handle(cfg.Ingress.Path, handler)
		httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Ingress.Host, cfg.Ingress.Port),
			Handler: mux,
		}
		go func() {
			slog.Info("ingress: listening", "addr", httpServer.Addr, "path", cfg.Ingress.Path)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ingress: server failed", "error", err)
			}
		}()
	}

	if cfg.Telegram.PollingEnabled {
		poller := ingress.NewPoller(
			transport.Bot(),
			cfg.Telegram.PollingTimeoutSec,
			cfg.Telegram.PollingLimit,
			time.Duration(cfg.Telegram.PollingRetryDelayMs)*time.Millisecond,
			func(update telego.Update) {
				if err := orch.HandleUpdate(context.Background(), update, ""); err != nil {
					slog.Error("polling: handle update failed", "error", err)
				}
			},
		)
		go poller.Run(ctx)
	}

	go runIdleSweep(ctx, pool, time.Duration(cfg.Runtime.IdleRuntimeTTLMs)*time.Millisecond)
	go runWalCompaction(ctx, wal, time.Duration(cfg.WAL.CompactAfterMs)*time.Millisecond)

	<-ctx.Done()
	slog.Info("serve: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Command.GracefulTimeoutMs)*time.Millisecond+5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ingress: shutdown error", "error", err)
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("orchestrator: shutdown error", "error", err)
	}
	if err := registry.Flush(); err != nil {
		slog.Warn("agent registry: flush error", "error", err)
	}
	return nil
}

// runIdleSweep periodically evicts runtime handles idle past idleTTL
// (spec.md §4.10). The sweep interval is a quarter of idleTTL, floored at
// 10s so a small configured TTL can't spin the ticker.
func runIdleSweep(ctx context.Context, pool *runtime.Pool, idleTTL time.Duration) {
	interval := idleTTL / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := pool.SweepIdle(ctx, time.Now()); len(evicted) > 0 {
				slog.Info("runtime: idle sweep evicted agents", "agents", evicted)
			}
		}
	}
}

// runWalCompaction periodically compacts the turn WAL (spec.md §4.5
// "Periodic compaction (twice per config compactAfterMs, floor 30s)"):
// the retention window is compactAfterMs floored at 30s, and the ticker
// fires at half that window.
func runWalCompaction(ctx context.Context, wal *turnwal.WAL, compactAfter time.Duration) {
	window := compactAfter
	if window < 30*time.Second {
		window = 30 * time.Second
	}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wal.Compact(time.Now().Add(-window)); err != nil {
				slog.Warn("turn wal: compaction failed", "error", err)
			}
		}
	}
}
