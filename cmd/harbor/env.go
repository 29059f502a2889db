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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/apply"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/archive"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/builder"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/gate"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/lock"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/retrieve"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/vector"
)

// =============================================================================
// SESSION
// =============================================================================

// session is the per-invocation service bundle every store-touching
// command runs against: the workspace lock, the graph store, the row
// table, and the event bus.
//
// Badger admits one process per data directory, so the flock is taken
// before the store opens; a second harbor (or a running serve) fails
// fast with the holder's metadata instead of Badger's directory error.
type session struct {
	root    string
	dataDir string
	logger  *slog.Logger

	lock  *lock.Manager
	store *store.GraphStore
	bus   *events.Bus
	rows  *codegraph.Graph
}

// openSession locks the workspace data dir and opens the core services
// for the current working directory.
func openSession(reason string) (*session, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	logger := appLogger.Slog()
	dataDir := resolveDataDir(root)

	lk, err := lock.New(lock.Config{Dir: dataDir, CleanupOnInit: true}, logger)
	if err != nil {
		return nil, err
	}
	if err := lk.Acquire(reason); err != nil {
		lk.Close()
		return nil, err
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = filepath.Join(dataDir, "graph")
	storeCfg.SyncWrites = cfg.Store.SyncWrites
	st, err := store.NewGraphStore(storeCfg, logger)
	if err != nil {
		lk.Release()
		lk.Close()
		return nil, err
	}

	bus := events.NewBus(logger)
	rows, err := codegraph.New(st.DB(), codegraph.DefaultConfig(), logger,
		codegraph.WithBus(bus))
	if err != nil {
		bus.Close()
		st.Close()
		lk.Release()
		lk.Close()
		return nil, err
	}

	return &session{
		root:    root,
		dataDir: dataDir,
		logger:  logger,
		lock:    lk,
		store:   st,
		bus:     bus,
		rows:    rows,
	}, nil
}

// Close releases the session in reverse acquisition order.
func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
	s.bus.Close()
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("lock release failed", slog.String("error", err.Error()))
	}
	if err := s.lock.Close(); err != nil {
		s.logger.Warn("lock close failed", slog.String("error", err.Error()))
	}
}

// resolveDataDir turns the configured store dir into an absolute path
// under the workspace root.
func resolveDataDir(root string) string {
	dir := cfg.Store.Dir
	if dir == "" {
		dir = ".harbor"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// resolveUnderData anchors a relative path under the data dir.
func (s *session) resolveUnderData(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.dataDir, path)
}

// currentSnapshot resolves an explicit snapshot id, or the current
// pointer when the id is empty.
func (s *session) currentSnapshot(ctx context.Context, snapID string) (string, error) {
	if snapID != "" {
		return snapID, nil
	}
	return s.store.CurrentSnapshotID(ctx)
}

// =============================================================================
// SERVICE CONSTRUCTORS
// =============================================================================

// newBuilder wires a graph builder against the session store with the
// configured analysis knobs.
func (s *session) newBuilder() (*builder.Builder, error) {
	return builder.New(s.store, s.root, s.logger,
		builder.WithWorkers(cfg.Builder.Workers),
		builder.WithMaxAttempts(cfg.Builder.MaxAttempts),
		builder.WithIncludePrivate(cfg.Builder.IncludePrivate),
	)
}

// newGate assembles the three-stage gate: syntax overlay check, shadow
// toolchain build and tests, stage results fanned out to the bus and,
// when configured, InfluxDB.
func (s *session) newGate() (*gate.Gate, error) {
	shadow, err := gate.NewShadowRunner(s.nodeResolver(), s.logger)
	if err != nil {
		return nil, err
	}

	sinks := gate.MultiSink{gate.NewBusSink(s.bus)}
	if cfg.Gate.Influx.Enabled() {
		influx, err := gate.NewInfluxSink(gate.InfluxConfig{
			URL:    cfg.Gate.Influx.URL,
			Token:  cfg.Gate.Influx.Token(),
			Org:    cfg.Gate.Influx.Org,
			Bucket: cfg.Gate.Influx.Bucket,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, influx)
	}

	runners := gate.Runners{
		Checker: gate.NewSyntaxChecker(),
		Builder: shadow,
		Tester:  shadow,
		Sink:    sinks,
	}
	gateCfg := gate.Config{
		MaxConcurrent: int64(cfg.Gate.MaxConcurrent),
		OverlayBudget: cfg.Gate.OverlayBudget.Std(),
		BuildBudget:   cfg.Gate.BuildBudget.Std(),
		TestBudget:    cfg.Gate.TestBudget.Std(),
		BlastHops:     cfg.Gate.BlastHops,
	}
	return gate.New(s.rows, s.store, s.root, runners, gateCfg, s.logger)
}

// newApply wires the promotion controller with the same shadow runner
// the gate re-verifies with.
func (s *session) newApply(rebuild apply.Rebuilder) (*apply.Controller, error) {
	shadow, err := gate.NewShadowRunner(s.nodeResolver(), s.logger)
	if err != nil {
		return nil, err
	}
	runners := apply.Runners{
		Checker: gate.NewSyntaxChecker(),
		Builder: shadow,
	}
	return apply.New(s.rows, s.store, s.root, rebuild, runners,
		apply.DefaultConfig(), s.logger, apply.WithBus(s.bus))
}

// newEmbedder builds the configured text embedder.
func (s *session) newEmbedder() (vector.Embedder, error) {
	emb := cfg.Vector.Embedder
	switch emb.Provider {
	case "openai":
		key, err := emb.OpenAI.Key()
		if err != nil {
			return nil, err
		}
		return vector.NewOpenAIEmbedder(key, vector.OpenAIConfig{
			Model:      emb.OpenAI.Model,
			BaseURL:    emb.OpenAI.BaseURL,
			Dimensions: emb.OpenAI.Dimensions,
		}, s.logger)
	case "ollama":
		return vector.NewOllamaEmbedder(vector.OllamaConfig{
			Model:     emb.Ollama.Model,
			ServerURL: emb.Ollama.URL,
		}, s.logger)
	default:
		return vector.NewHashEmbedder(emb.HashDimensions), nil
	}
}

// newSearcher builds the configured similarity index. The caller owns
// the returned closer.
func (s *session) newSearcher() (retrieve.Searcher, func() error, error) {
	if cfg.Vector.Backend == "remote" {
		remote, err := vector.NewRemote(vector.RemoteConfig{
			URL:                cfg.Vector.Remote.URL,
			Class:              cfg.Vector.Remote.Class,
			AllowStartDegraded: cfg.Vector.Remote.AllowStartDegraded,
		}, s.logger)
		if err != nil {
			return nil, nil, err
		}
		return remote, remote.Close, nil
	}

	metric := vector.ParseMetric(cfg.Vector.Local.Metric)
	if !metric.Valid() {
		metric = vector.MetricCosine
	}
	local, err := vector.NewLocal(vector.LocalConfig{
		Path:     s.resolveUnderData(cfg.Vector.Local.Path),
		Metric:   metric,
		M:        cfg.Vector.Local.M,
		EfSearch: cfg.Vector.Local.EfSearch,
	}, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return local, local.Close, nil
}

// newRetriever wires the hybrid retriever over the store and the
// configured index.
func (s *session) newRetriever(search retrieve.Searcher) (*retrieve.Retriever, error) {
	return retrieve.New(s.store, search, retrieve.DefaultConfig(), s.logger)
}

// newArchiver wires snapshot export against GCS when a bucket is
// configured, the local archive dir otherwise.
func (s *session) newArchiver(ctx context.Context) (*archive.Archiver, error) {
	var backend archive.Backend
	if cfg.Archive.Bucket != "" {
		b, err := archive.NewGCSBackend(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, s.logger)
		if err != nil {
			return nil, err
		}
		backend = b
	} else {
		b, err := archive.NewLocalBackend(s.resolveUnderData(cfg.Archive.Dir), s.logger)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	return archive.New(s.store, backend, s.logger)
}

// nodeResolver reads nodes from the current snapshot, resolved per
// call so long-lived runners follow the pointer across rebuilds.
func (s *session) nodeResolver() gate.NodeResolver {
	return func(ctx context.Context, id isg.NodeID) (*isg.InterfaceNode, error) {
		snapID, err := s.store.CurrentSnapshotID(ctx)
		if err != nil {
			return nil, err
		}
		return s.store.GetNode(ctx, snapID, id)
	}
}

// syncRows reconciles the row table against a freshly committed
// snapshot. Run after every build.
func (s *session) syncRows(ctx context.Context, snapID string) (*codegraph.SyncStats, error) {
	var nodes []isg.InterfaceNode
	if err := s.store.IterateNodes(ctx, snapID, func(n isg.InterfaceNode) error {
		nodes = append(nodes, n)
		return nil
	}); err != nil {
		return nil, err
	}
	return s.rows.Sync(ctx, s.root, nodes)
}
