package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/execlog"
	"github.com/devstack/phaserun/internal/natsbus"
	"github.com/devstack/phaserun/internal/notify"
	"github.com/devstack/phaserun/internal/runner"
	"github.com/devstack/phaserun/internal/scheduler"
	"github.com/devstack/phaserun/internal/store"
	"github.com/devstack/phaserun/internal/web"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, event bus and dashboard API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting phaserun", "version", version)

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
	var bus *natsbus.Bus
	var events engine.Events
	if cfg.NATS.Enabled {
		bus, err = natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()

		client, err := natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("init nats client: %w", err)
		}
		defer client.Close()
		events = natsbus.NewPublisher(client)
		slog.Info("nats started", "url", bus.ClientURL())
	}

	// Engine; the dashboard is set below and picks up every finished run.
	var srv *web.Server
	onComplete := func(r *engine.ExecutionReport) {
		if srv != nil {
			srv.RecordRun(r)
		}
	}
	setup, err := newEngine(cfg, events, onComplete, execlog.Sink(db))
	if err != nil {
		return err
	}
	defer setup.close()
	eng := setup.engine
	slog.Info("engine ready", "workers", eng.MaxWorkers(), "log", setup.logFile.Path())

	if d, ok := setup.runner.(*runner.Docker); ok {
		if err := d.EnsureImage(ctx, cfg.Runner.AgentsDir); err != nil {
			return fmt.Errorf("ensure agent image: %w", err)
		}
	}

	// Telegram notifications for scheduled runs
	var notifier scheduler.Notifier
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		notifier = tg
		slog.Info("telegram notifications enabled")
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// Scheduler
	sched := scheduler.New(db, eng, events, notifier, cfg.Scheduler)
	if err := sched.Sync(cfg.Scheduler.Runs); err != nil {
		return fmt.Errorf("sync scheduled runs: %w", err)
	}

	// Web API
	if cfg.Web.Enabled {
		srv = web.NewServer(eng, db, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	go sched.Start(ctx)

	// Config hot reload
	go func() {
		err := config.Watch(ctx, config.Path(), cfg, func(old, next *config.Config) {
			applyConfig(eng, sched, old, next)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

// applyConfig swaps in the reloadable parts of a changed config file.
func applyConfig(eng *engine.Engine, sched *scheduler.Scheduler, old, next *config.Config) {
	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		return
	}

	if diff.GraphChanged() {
		eng.SetGraph(engine.Graph(next.Dependencies()), next.AgentResources())
		slog.Info("agents reloaded",
			"added", diff.AgentsAdded,
			"removed", diff.AgentsRemoved,
			"changed", diff.AgentsChanged)
	}
	if diff.SchedulerChanged {
		if err := sched.Sync(next.Scheduler.Runs); err != nil {
			slog.Error("scheduled runs reload failed", "error", err)
		}
		sched.UpdateConfig(next.Scheduler.PollInterval)
	}
}
