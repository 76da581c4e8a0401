package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mesapos/termsync/internal/bridge"
	"github.com/mesapos/termsync/internal/bus"
	"github.com/mesapos/termsync/internal/cache"
	"github.com/mesapos/termsync/internal/config"
	"github.com/mesapos/termsync/internal/db"
	"github.com/mesapos/termsync/internal/sync"
	"github.com/mesapos/termsync/pkg/infra"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.NewLocalStore(cfg.LocalDBPath, cfg.OutboxMaxEntries, logger)
	if err != nil {
		slog.Error("FATAL: Failed to open terminal database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	terminalID, err := store.EnsureTerminalID(ctx)
	if err != nil {
		slog.Error("FATAL: Failed to establish terminal identity", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	requestCache := cache.New()

	client := sync.New(sync.Options{
		URL:                      cfg.SyncURL,
		TerminalID:               terminalID,
		UserID:                   cfg.UserID,
		Cache:                    requestCache,
		Bus:                      eventBus,
		Outbox:                   store,
		ManualResolutionEntities: cfg.ManualResolutionEntities,
		ReconnectBaseDelay:       cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:        cfg.ReconnectMaxDelay,
		Logger:                   logger,
	})
	autoBroadcast := bridge.New(eventBus, client, logger)

	metricsServer := startMetricsServer(cfg.MetricsAddr, client)

	slog.Info("🚀 Terminal sync agent started",
		"pid", os.Getpid(),
		"terminal_id", terminalID,
		"endpoint", cfg.SyncURL,
	)

	// First dial. Failure is fine: the client queues locally and keeps
	// retrying with backoff until the venue network comes back
	if err := client.Connect(); err != nil {
		slog.Warn("Initial connection failed, operating offline", "error", err)
	}

	<-ctx.Done()
	slog.Info("👋 Shutting down terminal sync agent...")

	autoBroadcast.Destroy()
	client.Destroy()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown failed", "error", err)
	}

	slog.Info("✅ Shutdown complete")
}

func startMetricsServer(addr string, client *sync.Client) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if client.Connected() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		// Degraded, not dead: the terminal still queues while disconnected
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("sync link down"))
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
