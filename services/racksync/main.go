// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The racksync service is the server side of rack auto-save: versioned
// field writes, conflict detection and resolution, connection recovery and
// a websocket event feed.
//
// Configuration comes from the environment:
//
//	RACKSYNC_PORT      listen port (default 8090)
//	RACKSYNC_DATA_DIR  record store directory (default ./data/racksync)
//	RACKSYNC_LOG_DIR   optional directory for JSON file logs
//	RACKSYNC_LOG_LEVEL debug|info|warn|error (default info)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rackbook/racksync/pkg/logging"
	"github.com/rackbook/racksync/services/racksync/autosave"
	"github.com/rackbook/racksync/services/racksync/handlers"
	"github.com/rackbook/racksync/services/racksync/observability"
	"github.com/rackbook/racksync/services/racksync/routes"
	"github.com/rackbook/racksync/services/racksync/storage"
)

const (
	defaultPort      = "8090"
	defaultDataDir   = "./data/racksync"
	shutdownGrace    = 10 * time.Second
	sessionSweepTick = 5 * time.Minute
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("RACKSYNC_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	logger := logging.New(logging.Config{
		Service: "racksync",
		Level:   logLevel(),
		JSON:    true,
		LogDir:  os.Getenv("RACKSYNC_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	dataDir := envOr("RACKSYNC_DATA_DIR", defaultDataDir)
	storeCfg := storage.DefaultConfig(dataDir)
	storeCfg.Logger = logger.Slog()
	store, err := storage.Open(storeCfg)
	if err != nil {
		logger.Error("failed to open record store", "error", err, "path", dataDir)
		os.Exit(1)
	}
	defer store.Close()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	sessions := autosave.NewSessionRegistry(logger.Slog())
	conflicts := autosave.NewConflictRegistry()
	hub := handlers.NewEventHub(metrics, logger.Slog())
	saves := autosave.NewService(store, sessions, conflicts, metrics, hub, logger.Slog())
	resolver := autosave.NewResolutionService(store, conflicts, metrics, hub, logger.Slog())

	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, saves, resolver, hub)

	port := envOr("RACKSYNC_PORT", defaultPort)
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("racksync listening", "port", port, "data_dir", dataDir)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sessions.Run(ctx, sessionSweepTick)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("racksync stopped")
}
