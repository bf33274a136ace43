package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbos/internal/config"
	"cbos/internal/orchestrator"
	"cbos/internal/realtime"
	"cbos/internal/session"
	"cbos/internal/store"
	"cbos/internal/supervisor"
	"cbos/internal/terminal"
	"cbos/internal/watcher"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownSlack = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Run the session server. Observers connect to /ws; a REST mirror of the
same commands is served under /sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)
		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store, cfg.DataDir)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return fmt.Errorf("cbos is already running (lock held by another process): %w", err)
		}
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry, err := session.NewRegistry(st, cfg.EventCapacity, logger)
	if err != nil {
		return err
	}

	// The hub notifies observers for every component below; it learns about
	// the service that executes their commands once that exists.
	hub := realtime.New(cfg.StaticDir, logger)

	spawner := &supervisor.ExecSpawner{
		Program:         cfg.ClaudeCommand,
		Model:           cfg.ClaudeModel,
		MaxTurns:        cfg.MaxTurns,
		SkipPermissions: cfg.SkipPermissions,
		Env:             cfg.ClaudeEnv,
	}
	sup := supervisor.New(registry, spawner, hub, supervisor.Options{
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
	})
	registry.BindTerminator(sup)

	tmux := terminal.NewTmux(nil)
	poller := terminal.NewPoller(registry, tmux, sup, hub, terminal.PollerOptions{
		Interval:     cfg.PollInterval,
		CaptureLines: cfg.CaptureLines,
		Logger:       logger,
	})

	svc := orchestrator.New(registry, sup, tmux, poller, hub, orchestrator.Options{
		TerminalCommand: cfg.ClaudeCommand,
		Logger:          logger,
	})
	hub.Attach(svc)

	if cfg.WaitingLog != "" {
		w := watcher.New(cfg.WaitingLog, registry, func(slug, lastContext string) {
			if err := sup.SessionWaiting(slug, lastContext); err != nil {
				logger.Warn("waiting notification", slog.String("slug", slug), slog.Any("error", err))
			}
		}, logger)
		if err := w.Start(); err != nil {
			logger.Warn("waiting log watcher disabled", slog.Any("error", err))
		} else {
			defer w.Shutdown()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("cbos server listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.Store),
			slog.String("data_dir", cfg.DataDir))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+shutdownSlack)
		defer cancel()

		hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Warn("agents still running at exit", slog.Any("error", err))
		}
		return nil
	})

	return g.Wait()
}
