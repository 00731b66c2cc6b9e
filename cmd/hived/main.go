package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hivebase/hive/internal/config"
	"github.com/hivebase/hive/internal/gitops"
	"github.com/hivebase/hive/internal/natsbus"
	"github.com/hivebase/hive/internal/provider"
	"github.com/hivebase/hive/internal/sandbox"
	"github.com/hivebase/hive/internal/scheduler"
	"github.com/hivebase/hive/internal/store"
	"github.com/hivebase/hive/internal/swarm"
	"github.com/hivebase/hive/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("hived %s\n", version)
	case "serve":
		if err := runServer(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: hived <command>\n\nCommands:\n  serve      Start the hive orchestrator service\n  version    Print version\n")
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting hive orchestrator", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	busClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer busClient.Close()

	// Anthropic provider
	prov, err := provider.NewAnthropic(cfg.Provider)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	// Container sandbox for agents that ask for one. Not having Docker
	// around only disables sandboxed command execution.
	if sbx, err := sandbox.New(cfg.Sandbox); err != nil {
		slog.Warn("sandbox unavailable, sandboxed agents cannot run commands", "error", err)
	} else {
		defer sbx.Close()
		if err := sbx.CleanupStale(ctx); err != nil {
			slog.Warn("sandbox cleanup failed", "error", err)
		}
		prov.SetSandbox(sbx)
	}

	// Run tracker with stale-run sweeper
	tracker := swarm.NewTracker()
	go tracker.StartSweeper(ctx, cfg.Engine.SweepInterval)

	engine := swarm.NewEngine(db, prov, tracker, busClient, cfg.Engine)
	git := gitops.New(cfg.Git)
	orch := swarm.NewOrchestrator(db, engine, tracker, git, busClient)

	engine.SetTimeoutCallback(func(swarmID, agentID string) {
		slog.Warn("agent hit its deadline", "swarm", swarmID, "agent", agentID)
	})

	// Recurring task schedules feed the autonomous work queue.
	sched := scheduler.New(db, busClient, cfg.Scheduler)
	go sched.Start(ctx)

	// Repair swarms left running by a crashed process before taking
	// new work.
	if reports := orch.RecoverOrphans(); len(reports) > 0 {
		slog.Info("startup recovery complete", "swarms", len(reports))
	}

	// Web API
	if cfg.Web.Enabled {
		srv, err := web.NewServer(db, bus, orch, cfg.Web, version)
		if err != nil {
			return fmt.Errorf("init web server: %w", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
