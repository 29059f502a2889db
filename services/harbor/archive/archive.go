// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// Archiver moves committed snapshots between a graph store and an
// archive backend.
//
// # Description
//
// Export re-derives the snapshot's fingerprint from the store before
// writing a byte, so a corrupted store cannot produce a plausible
// archive. Import verifies the compressed content hash and the graph
// fingerprint before the store sees the data, and the imported graph
// lands under a fresh snapshot id; the manifest records its origin.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent exports of the same snapshot
// write the same bytes; the backend's atomic Put keeps them whole.
type Archiver struct {
	store   *store.GraphStore
	backend Backend
	logger  *slog.Logger
}

// New creates an archiver over a store and a backend.
func New(st *store.GraphStore, backend Backend, logger *slog.Logger) (*Archiver, error) {
	if st == nil {
		return nil, fmt.Errorf("archive: nil store")
	}
	if backend == nil {
		return nil, fmt.Errorf("archive: nil backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:   st,
		backend: backend,
		logger:  logger.With(slog.String("component", "archive")),
	}, nil
}

// Export writes one snapshot to the backend.
//
// # Description
//
// Streams the graph as gzip-compressed JSON lines and then writes the
// manifest. The manifest goes last: its presence means the data
// object is complete, which is what List and Import key off.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - snapID: Committed snapshot to export, or "" for the current one.
//
// # Outputs
//
//   - *Manifest: The written manifest.
//   - error: Unknown snapshot, a store/recorded fingerprint mismatch,
//     or a backend failure.
func (a *Archiver) Export(ctx context.Context, snapID string) (*Manifest, error) {
	start := time.Now()

	if snapID == "" {
		current, err := a.store.CurrentSnapshotID(ctx)
		if err != nil {
			return nil, err
		}
		snapID = current
	}

	ctx, span := startExportSpan(ctx, snapID)
	defer span.End()

	snap, err := a.store.GetSnapshot(ctx, snapID)
	if err != nil {
		recordExport(ctx, "error", 0, time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	// Collect the graph up front: the fingerprint has to check out
	// before anything is uploaded.
	nodes, edges, err := a.collect(ctx, snapID)
	if err != nil {
		recordExport(ctx, "error", 0, time.Since(start))
		span.RecordError(err)
		return nil, err
	}
	if fp := isg.Fingerprint(nodes, edges); fp != snap.Fingerprint {
		err := fmt.Errorf("%w: store computes %s, snapshot records %s",
			ErrFingerprintMismatch, fp, snap.Fingerprint)
		recordExport(ctx, "error", 0, time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	hasher := sha256.New()
	var compressed, uncompressed *countingWriter
	err = a.backend.Put(ctx, dataName(snapID), func(w io.Writer) error {
		compressed = &countingWriter{w: w}
		gz := gzip.NewWriter(io.MultiWriter(compressed, hasher))
		uncompressed = &countingWriter{w: gz}

		enc := json.NewEncoder(uncompressed)
		if err := enc.Encode(record{Kind: recordSnapshot, Snapshot: snap}); err != nil {
			return fmt.Errorf("encode snapshot header: %w", err)
		}
		for i := range nodes {
			if err := enc.Encode(record{Kind: recordNode, Node: &nodes[i]}); err != nil {
				return fmt.Errorf("encode node: %w", err)
			}
		}
		for i := range edges {
			if err := enc.Encode(record{Kind: recordEdge, Edge: &edges[i]}); err != nil {
				return fmt.Errorf("encode edge: %w", err)
			}
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
		return nil
	})
	if err != nil {
		recordExport(ctx, "error", 0, time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	manifest := &Manifest{
		FormatVersion:    FormatVersion,
		SnapshotID:       snapID,
		Fingerprint:      snap.Fingerprint,
		Root:             snap.Root,
		CreatedAtMilli:   snap.CreatedAtMilli,
		ExportedAtMilli:  time.Now().UnixMilli(),
		NodeCount:        len(nodes),
		EdgeCount:        len(edges),
		ContentHash:      hex.EncodeToString(hasher.Sum(nil)),
		CompressedSize:   compressed.count,
		UncompressedSize: uncompressed.count,
	}

	err = a.backend.Put(ctx, manifestName(snapID), func(w io.Writer) error {
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		recordExport(ctx, "error", 0, time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	recordExport(ctx, "ok", manifest.CompressedSize, time.Since(start))
	setExportSpanResult(span, manifest)
	a.logger.Info("snapshot exported",
		slog.String("snapshot", snapID),
		slog.Int("nodes", manifest.NodeCount),
		slog.Int("edges", manifest.EdgeCount),
		slog.Int64("compressed_bytes", manifest.CompressedSize),
		slog.Float64("compression_ratio", manifest.CompressionRatio()),
		slog.Duration("took", time.Since(start)))
	return manifest, nil
}

// Import reads one archived snapshot into the store and promotes it
// to current.
//
// # Description
//
// Both hashes must verify before the store sees a single write. The
// graph lands under a fresh snapshot id to keep re-imports and
// cross-machine imports collision-free. A failed import drops the
// partial snapshot.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - snapID: The archived snapshot id, as listed in its manifest.
//
// # Outputs
//
//   - *isg.Snapshot: The committed snapshot, under its new id.
//   - error: ErrNotFound, ErrCorrupted, ErrFingerprintMismatch,
//     ErrFormatVersion, or a store failure.
func (a *Archiver) Import(ctx context.Context, snapID string) (*isg.Snapshot, error) {
	start := time.Now()
	ctx, span := startImportSpan(ctx, snapID)
	defer span.End()

	manifest, head, nodes, edges, err := a.readArchive(ctx, snapID)
	if err != nil {
		recordImport(ctx, "error", time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	newID, err := a.store.CreateSnapshot(ctx, "")
	if err != nil {
		recordImport(ctx, "error", time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			if dropErr := a.store.DropSnapshot(ctx, newID); dropErr != nil {
				a.logger.Warn("failed to drop partial import",
					slog.String("snapshot", newID),
					slog.String("error", dropErr.Error()))
			}
		}
	}()

	if err := a.store.UpsertNodes(ctx, newID, nodes); err != nil {
		recordImport(ctx, "error", time.Since(start))
		span.RecordError(err)
		return nil, fmt.Errorf("import nodes: %w", err)
	}
	quarantined, err := a.store.UpsertEdges(ctx, newID, edges)
	if err != nil {
		recordImport(ctx, "error", time.Since(start))
		span.RecordError(err)
		return nil, fmt.Errorf("import edges: %w", err)
	}
	// The fingerprint does not enforce referential integrity, so a
	// crafted archive can still carry edges to nodes it never ships.
	if quarantined > 0 {
		err := fmt.Errorf("%w: %d edges reference nodes the archive does not carry",
			ErrFingerprintMismatch, quarantined)
		recordImport(ctx, "error", time.Since(start))
		span.RecordError(err)
		return nil, err
	}

	snap := isg.Snapshot{
		ID:             newID,
		Fingerprint:    manifest.Fingerprint,
		CreatedAtMilli: time.Now().UnixMilli(),
		Root:           head.Root,
		NodeCount:      len(nodes),
		EdgeCount:      len(edges),
	}
	if err := a.store.CommitSnapshot(ctx, snap); err != nil {
		recordImport(ctx, "error", time.Since(start))
		span.RecordError(err)
		return nil, err
	}
	committed = true

	recordImport(ctx, "ok", time.Since(start))
	setImportSpanResult(span, newID, len(nodes), len(edges))
	a.logger.Info("snapshot imported",
		slog.String("archived", snapID),
		slog.String("snapshot", newID),
		slog.Int("nodes", len(nodes)),
		slog.Int("edges", len(edges)),
		slog.Duration("took", time.Since(start)))
	return &snap, nil
}

// Verify reads an archive end to end and checks both hashes without
// touching the store.
func (a *Archiver) Verify(ctx context.Context, snapID string) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "Archiver.Verify")
	defer span.End()

	manifest, _, _, _, err := a.readArchive(ctx, snapID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return manifest, nil
}

// Manifest fetches and decodes one export's manifest.
func (a *Archiver) Manifest(ctx context.Context, snapID string) (*Manifest, error) {
	rc, err := a.backend.Get(ctx, manifestName(snapID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", snapID, err)
	}
	return &m, nil
}

// List returns the manifest of every archived snapshot, newest first.
// Unreadable manifests are logged and skipped rather than failing the
// whole listing.
func (a *Archiver) List(ctx context.Context) ([]Manifest, error) {
	names, err := a.backend.List(ctx, manifestSuffix)
	if err != nil {
		return nil, err
	}

	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		id := strings.TrimSuffix(name, manifestSuffix)
		m, err := a.Manifest(ctx, id)
		if err != nil {
			a.logger.Warn("skipping unreadable manifest",
				slog.String("object", name),
				slog.String("error", err.Error()))
			continue
		}
		manifests = append(manifests, *m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ExportedAtMilli > manifests[j].ExportedAtMilli
	})
	return manifests, nil
}

// collect materializes a snapshot's live graph.
func (a *Archiver) collect(ctx context.Context, snapID string) ([]isg.InterfaceNode, []isg.Edge, error) {
	var nodes []isg.InterfaceNode
	if err := a.store.IterateNodes(ctx, snapID, func(n isg.InterfaceNode) error {
		nodes = append(nodes, n)
		return nil
	}); err != nil {
		return nil, nil, err
	}

	var edges []isg.Edge
	if err := a.store.IterateEdges(ctx, snapID, func(e isg.Edge) error {
		edges = append(edges, e)
		return nil
	}); err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

// readArchive fetches, decodes, and fully verifies one archive.
func (a *Archiver) readArchive(ctx context.Context, snapID string) (*Manifest, *isg.Snapshot, []isg.InterfaceNode, []isg.Edge, error) {
	manifest, err := a.Manifest(ctx, snapID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if manifest.FormatVersion != FormatVersion {
		return nil, nil, nil, nil, fmt.Errorf("%w: archive has %s, supported %s",
			ErrFormatVersion, manifest.FormatVersion, FormatVersion)
	}

	rc, err := a.backend.Get(ctx, dataName(snapID))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer rc.Close()

	hasher := sha256.New()
	tee := io.TeeReader(rc, hasher)
	gz, err := gzip.NewReader(tee)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open compressed stream: %w", err)
	}
	defer gz.Close()

	var (
		head  *isg.Snapshot
		nodes []isg.InterfaceNode
		edges []isg.Edge
	)
	dec := json.NewDecoder(gz)
	first := true
	for {
		var rec record
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("decode archive record: %w", err)
		}

		switch rec.Kind {
		case recordSnapshot:
			if !first || rec.Snapshot == nil {
				return nil, nil, nil, nil, fmt.Errorf("archive %s: misplaced snapshot header", snapID)
			}
			head = rec.Snapshot
		case recordNode:
			if rec.Node == nil {
				return nil, nil, nil, nil, fmt.Errorf("archive %s: node record without node", snapID)
			}
			nodes = append(nodes, *rec.Node)
		case recordEdge:
			if rec.Edge == nil {
				return nil, nil, nil, nil, fmt.Errorf("archive %s: edge record without edge", snapID)
			}
			edges = append(edges, *rec.Edge)
		default:
			return nil, nil, nil, nil, fmt.Errorf("archive %s: unknown record kind %q", snapID, rec.Kind)
		}
		first = false
	}
	if head == nil {
		return nil, nil, nil, nil, fmt.Errorf("archive %s: missing snapshot header", snapID)
	}

	// Drain past the gzip trailer so the hash covers every byte of
	// the object, trailing garbage included.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("drain archive: %w", err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != manifest.ContentHash {
		return nil, nil, nil, nil, fmt.Errorf("%w: manifest records %s, object hashes to %s",
			ErrCorrupted, manifest.ContentHash, got)
	}
	if fp := isg.Fingerprint(nodes, edges); fp != manifest.Fingerprint {
		return nil, nil, nil, nil, fmt.Errorf("%w: manifest records %s, graph hashes to %s",
			ErrFingerprintMismatch, manifest.Fingerprint, fp)
	}

	return manifest, head, nodes, edges, nil
}

// countingWriter wraps a writer and counts bytes written.
type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}
