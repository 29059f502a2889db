// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/api"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/builder"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/telemetry"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/watch"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	serveAddr  string
	serveWatch bool
	serveDebug bool
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve runs the Harbor HTTP API: graph reads, hybrid retrieval, the
full candidate pipeline (propose, validate, approve, apply), and a
websocket event stream at /events.

With --watch the server also watches the workspace and rebuilds the
graph incrementally on file changes. The server drains gracefully on
SIGINT/SIGTERM.

Examples:
  harbor serve
  harbor serve --addr :9090 --watch
  harbor serve --debug`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address (default: config api.addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false,
		"Rebuild the graph on workspace file changes")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false,
		"Gin debug mode with request logging")

	rootCmd.AddCommand(serveCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runServe wires every service and runs the API until signalled.
func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		os.Exit(outputError("Telemetry init failed", err))
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			appLogger.Slog().Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	s, err := openSession("serve")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	b, err := s.newBuilder()
	if err != nil {
		os.Exit(outputError("Failed to create builder", err))
	}
	gt, err := s.newGate()
	if err != nil {
		os.Exit(outputError("Failed to assemble gate", err))
	}
	ctrl, err := s.newApply(b)
	if err != nil {
		os.Exit(outputError("Failed to create apply controller", err))
	}
	search, closeSearch, err := s.newSearcher()
	if err != nil {
		os.Exit(outputError("Failed to open vector index", err))
	}
	defer closeSearch()
	retriever, err := s.newRetriever(search)
	if err != nil {
		os.Exit(outputError("Failed to create retriever", err))
	}
	embedder, err := s.newEmbedder()
	if err != nil {
		os.Exit(outputError("Failed to create embedder", err))
	}

	if serveWatch {
		if err := ensureSnapshot(ctx, s, b); err != nil {
			os.Exit(outputError("Initial build failed", err))
		}
		w, err := watch.New(s.root, &syncingRebuilder{builder: b, session: s},
			s.bus, watch.DefaultConfig(), s.logger)
		if err != nil {
			os.Exit(outputError("Failed to create watcher", err))
		}
		if err := w.Start(ctx); err != nil {
			os.Exit(outputError("Failed to start watcher", err))
		}
		defer w.Stop()
	}

	handlers := api.NewHandlers(s.store, s.rows).
		WithGate(gt).
		WithApply(ctrl).
		WithRetriever(retriever).
		WithEmbedder(embedder).
		WithBus(s.bus)

	apiCfg := api.Config{
		Addr:            cfg.API.Addr,
		ReadTimeout:     cfg.API.ReadTimeout.Std(),
		WriteTimeout:    cfg.API.WriteTimeout.Std(),
		ShutdownTimeout: cfg.API.ShutdownTimeout.Std(),
		Debug:           serveDebug,
	}
	if serveAddr != "" {
		apiCfg.Addr = serveAddr
	}

	server, err := api.NewServer(handlers, apiCfg, s.logger)
	if err != nil {
		os.Exit(outputError("Failed to create server", err))
	}

	if err := server.Run(ctx); err != nil {
		os.Exit(outputError("Server failed", err))
	}
	fmt.Fprintln(os.Stderr, "Server stopped.")
	os.Exit(CLIExitSuccess)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// ensureSnapshot builds the graph once when the store has none, so the
// watcher has a baseline to rebuild incrementally from.
func ensureSnapshot(ctx context.Context, s *session, b *builder.Builder) error {
	_, err := s.store.CurrentSnapshotID(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNoCurrentSnapshot) {
		return err
	}

	s.logger.Info("no snapshot yet, running initial build")
	res, err := b.Build(ctx)
	if err != nil {
		return err
	}
	if _, err := s.syncRows(ctx, res.Snapshot.ID); err != nil {
		return fmt.Errorf("row sync: %w", err)
	}
	return nil
}
