package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/livedoc/internal/api"
	"github.com/dgallion1/livedoc/internal/authz"
	"github.com/dgallion1/livedoc/internal/config"
	"github.com/dgallion1/livedoc/internal/hub"
	"github.com/dgallion1/livedoc/internal/oplog"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Open the operation log.
	store, err := oplog.Open(oplog.Config{
		Path:       cfg.DataDir,
		InMemory:   cfg.InMemoryStore,
		SyncWrites: cfg.SyncWrites,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to open operation log", "error", err)
		os.Exit(1)
	}

	// Auth service client.
	auth := authz.NewClient(cfg.AuthURL, cfg.AuthAPIKey)

	// Session coordinator.
	h := hub.New(store, auth, hub.Config{
		SnapshotEveryOps: cfg.SnapshotEveryOps,
		SnapshotEvery:    cfg.SnapshotInterval,
		IdleEvictAfter:   cfg.IdleEvictAfter,
		SendBuffer:       cfg.SendBuffer,
		AppendRetries:    cfg.AppendRetries,
		RetainOps:        cfg.RetainOps,
	}, log)

	srv := api.NewServer(h, auth, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		h.Shutdown(shutdownCtx)
		auth.Close()
		if err := store.Close(); err != nil {
			log.Error("failed to close operation log", "error", err)
		}
	}()

	log.Info("starting livedoc", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
