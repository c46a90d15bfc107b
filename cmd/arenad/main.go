// Command arenad runs the model-evaluation job server: HTTP submission
// API, websocket event stream, and the background job orchestrator over
// a single SQLite database.
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

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"llmarena/pkg/api"
	"llmarena/pkg/config"
	"llmarena/pkg/handlers"
	"llmarena/pkg/llm"
	"llmarena/pkg/metrics"
	"llmarena/pkg/registry"
	"llmarena/pkg/report"
	"llmarena/pkg/slots"
	"llmarena/pkg/storage"
	"llmarena/pkg/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	store := storage.NewGormStorage(db)
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	reports := report.NewStore(db)
	if err := reports.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate reports: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	hub := ws.NewHub(
		ws.WithMaxPerUser(cfg.WebSocket.MaxPerUser),
		ws.WithIdleTimeout(cfg.WebSocket.IdleTimeout),
		ws.WithSnapshot(api.SnapshotBuilder(store, logger)),
		ws.WithHubLogger(logger),
		ws.WithConnGauge(m.ConnectionsDelta),
	)
	defer hub.Close()

	sm := slots.NewManager(cfg.Jobs.MaxPerUser)
	reg := registry.New(store, sm,
		registry.WithNotifier(hub),
		registry.WithMetrics(m),
		registry.WithLogger(logger),
		registry.WithDefaultTimeout(cfg.Jobs.DefaultTimeout),
		registry.WithWatchdogInterval(cfg.Jobs.WatchdogInterval),
	)

	// Anything non-terminal in storage predates this process and will
	// never produce another event.
	if err := reg.Recover(context.Background()); err != nil {
		return err
	}

	client := llm.NewHTTPClient(cfg.Providers.RequestTimeout, llm.WithKeyring(llm.Keyring{
		"openai":    cfg.Providers.OpenAIAPIKey,
		"anthropic": cfg.Providers.AnthropicAPIKey,
	}))
	handlers.RegisterAll(reg, handlers.Deps{Client: client, Reports: reports})

	if err := reg.StartWatchdog(); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.New(reg, reports, hub, logger).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := reg.Close(ctx); err != nil {
		logger.Warn("registry shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
