// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/renameio"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// LocalConfig configures the in-process index.
type LocalConfig struct {
	// Path is the persistence file under the data dir. Empty keeps the
	// index in memory only.
	Path string

	// Metric is the distance function. Default cosine.
	Metric Metric

	// M is the HNSW connectivity parameter. Zero keeps the library
	// default.
	M int

	// EfSearch is the HNSW search breadth. Zero keeps the library
	// default.
	EfSearch int
}

// localHeader is the persistence envelope in front of the HNSW export.
// The graph format does not carry dimensionality or metric, and both
// must survive a restart.
type localHeader struct {
	Dims   int    `json:"dims"`
	Metric string `json:"metric"`
}

// Local is the in-process ANN index backed by an HNSW graph.
//
// # Description
//
// The first upsert fixes the dimensionality; later vectors must match
// or are rejected with ErrDimMismatch. When configured with a path,
// Flush persists the graph atomically and Close flushes pending
// writes.
//
// # Thread Safety
//
// Safe for concurrent use. Writes take an exclusive lock; searches
// share a read lock.
type Local struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[string]
	dims   int
	dirty  bool
	closed bool

	path   string
	metric Metric
	logger *slog.Logger
}

// NewLocal creates a local index, loading prior state from the
// configured path when present.
func NewLocal(cfg LocalConfig, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Metric.Valid() {
		return nil, fmt.Errorf("unknown metric %d", cfg.Metric)
	}

	g := hnsw.NewGraph[string]()
	g.Distance = distanceFunc(cfg.Metric)
	if cfg.M > 0 {
		g.M = cfg.M
	}
	if cfg.EfSearch > 0 {
		g.EfSearch = cfg.EfSearch
	}

	l := &Local{
		graph:  g,
		path:   cfg.Path,
		metric: cfg.Metric,
		logger: logger.With(slog.String("component", "vector_local")),
	}

	if cfg.Path != "" {
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Upsert stores or replaces the vector for a node.
func (l *Local) Upsert(ctx context.Context, id isg.NodeID, vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrIndexClosed
	}
	if l.dims == 0 {
		l.dims = len(vec)
	} else if len(vec) != l.dims {
		return fmt.Errorf("%w: index is %d-dimensional, got %d", ErrDimMismatch, l.dims, len(vec))
	}

	// Replace explicitly so upsert semantics do not depend on the
	// library's insert behavior for duplicate keys.
	l.graph.Delete(string(id))
	l.graph.Add(hnsw.MakeNode(string(id), vec))
	l.dirty = true
	return nil
}

// Delete removes a node's vector. Missing ids are ignored.
func (l *Local) Delete(ctx context.Context, id isg.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrIndexClosed
	}
	if l.graph.Delete(string(id)) {
		l.dirty = true
	}
	return nil
}

// Search returns up to k nearest nodes, best first.
func (l *Local) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrIndexClosed
	}
	if l.graph.Len() == 0 {
		return nil, nil
	}
	if l.dims > 0 && len(vec) != l.dims {
		return nil, fmt.Errorf("%w: index is %d-dimensional, got %d", ErrDimMismatch, l.dims, len(vec))
	}

	nodes := l.graph.Search(vec, k)
	hits := make([]Hit, 0, len(nodes))
	for _, n := range nodes {
		hits = append(hits, Hit{
			ID:         isg.NodeID(n.Key),
			Similarity: similarity(l.metric, vec, n.Value),
		})
	}
	return hits, nil
}

// Len returns the number of indexed vectors.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.graph.Len()
}

// Flush persists the index atomically. A memory-only index is a
// no-op.
func (l *Local) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Local) flushLocked() error {
	if l.path == "" || !l.dirty {
		return nil
	}

	var buf bytes.Buffer
	header, err := json.Marshal(localHeader{Dims: l.dims, Metric: l.metric.String()})
	if err != nil {
		return fmt.Errorf("encode index header: %w", err)
	}
	buf.Write(header)
	buf.WriteByte('\n')
	if err := l.graph.Export(&buf); err != nil {
		return fmt.Errorf("export index: %w", err)
	}

	if err := renameio.WriteFile(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	l.dirty = false

	l.logger.Debug("vector index flushed",
		slog.String("path", l.path),
		slog.Int("vectors", l.graph.Len()))
	return nil
}

// Close flushes pending writes and rejects further operations.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	err := l.flushLocked()
	l.closed = true
	return err
}

// load restores the graph from the persistence file.
func (l *Local) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read index header: %w", err)
	}
	var header localHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return fmt.Errorf("decode index header: %w", err)
	}
	if header.Metric != l.metric.String() {
		return fmt.Errorf("index at %s was built with metric %s, configured %s",
			l.path, header.Metric, l.metric)
	}

	if err := l.graph.Import(r); err != nil {
		return fmt.Errorf("import index: %w", err)
	}
	l.dims = header.Dims

	l.logger.Info("vector index loaded",
		slog.String("path", l.path),
		slog.Int("vectors", l.graph.Len()),
		slog.Int("dims", l.dims))
	return nil
}

// negDotDistance orders by inner product. HNSW wants smaller-is-closer,
// so the product is negated. Registered by name because graph
// export/import serializes distance functions through the registry.
func negDotDistance(a, b hnsw.Vector) float32 {
	return -dot32(a, b)
}

func init() {
	hnsw.RegisterDistanceFunc("neg_dot", negDotDistance)
}

// distanceFunc maps a metric onto an HNSW distance.
func distanceFunc(m Metric) hnsw.DistanceFunc {
	switch m {
	case MetricDot:
		return negDotDistance
	case MetricEuclidean:
		return hnsw.EuclideanDistance
	default:
		return hnsw.CosineDistance
	}
}

// similarity normalizes closeness under the metric to [0,1].
func similarity(m Metric, a, b []float32) float64 {
	switch m {
	case MetricDot:
		// Logistic squash keeps unbounded inner products rankable.
		return 1 / (1 + math.Exp(-float64(dot32(a, b))))
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		return (1 + cosine(a, b)) / 2
	}
}

func dot32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Float error can push the ratio a hair outside [-1,1].
	return math.Max(-1, math.Min(1, cos))
}
