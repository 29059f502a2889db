// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

var tracer = otel.Tracer("harbor.store")

// writeChunkSize bounds the number of operations per transaction so
// large graphs never exceed BadgerDB's transaction size limit.
const writeChunkSize = 500

// OrphanEdge is an edge quarantined because an endpoint was missing at
// write time. Quarantined edges never appear in traversals; they are
// queryable for diagnostics and promoted back when the endpoint shows
// up in the same snapshot.
type OrphanEdge struct {
	// Edge is the quarantined edge.
	Edge isg.Edge `json:"edge"`

	// Missing names the absent endpoint, "src" or "dst". When both
	// are absent the first one checked is recorded.
	Missing string `json:"missing"`

	// QuarantinedAtMilli is when quarantine happened (Unix ms UTC).
	QuarantinedAtMilli int64 `json:"quarantined_at"`
}

// Stats summarizes one snapshot's contents.
type Stats struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	Orphans int `json:"orphans"`
}

// GraphStore persists graph snapshots.
//
// Ownership Model:
//
//	One process opens one GraphStore per data directory. Snapshot
//	construction is single-writer: the builder creates a snapshot,
//	populates it, and commits it; nothing mutates a snapshot after
//	commit. Reads may run concurrently with a build because they are
//	pinned to committed snapshot ids.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type GraphStore struct {
	db     *DB
	logger *slog.Logger

	// commitMu serializes current-pointer transitions (commit, revert,
	// drop) so concurrent lifecycle calls cannot interleave.
	commitMu sync.Mutex
}

// NewGraphStore opens a graph store with the given database config.
//
// Outputs:
//
//	*GraphStore - The opened store. Call Close() when done.
//	error - Non-nil if the database cannot be opened.
func NewGraphStore(cfg Config, logger *slog.Logger) (*GraphStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	return &GraphStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for sibling stores that share the
// data directory (the code row table lives beside the snapshots). The
// GraphStore retains ownership; callers must not close it.
func (s *GraphStore) DB() *DB {
	return s.db
}

// ensureUncommitted rejects writes against a committed snapshot.
func (s *GraphStore) ensureUncommitted(ctx context.Context, snapID string) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(snapMetaKey(snapID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrSnapshotCommitted, snapID)
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// UpsertNodes writes nodes into an uncommitted snapshot.
//
// # Description
//
// Inserts or replaces nodes by id, maintaining the file index. Writes
// are batched; a node that fails validation aborts the whole call
// before anything is written.
//
// # Thread Safety
//
// Safe for concurrent use, though snapshot construction is expected to
// be single-writer.
func (s *GraphStore) UpsertNodes(ctx context.Context, snapID string, nodes []isg.InterfaceNode) error {
	ctx, span := tracer.Start(ctx, "GraphStore.UpsertNodes")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.snapshot", snapID),
		attribute.Int("store.node_count", len(nodes)),
	)

	for i := range nodes {
		if err := nodes[i].Validate(); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	if err := s.ensureUncommitted(ctx, snapID); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range nodes {
		if i%writeChunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("upsert nodes cancelled: %w", err)
			}
		}
		data, err := json.Marshal(&nodes[i])
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", nodes[i].ID, err)
		}
		if err := wb.Set(nodeKey(snapID, nodes[i].ID), data); err != nil {
			return fmt.Errorf("batch node %s: %w", nodes[i].ID, err)
		}
		if err := wb.Set(fileKey(snapID, nodes[i].FilePath, nodes[i].ID), []byte(nodes[i].ID)); err != nil {
			return fmt.Errorf("batch file index %s: %w", nodes[i].ID, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush nodes: %w", err)
	}
	return nil
}

// DeleteNodes removes nodes from an uncommitted snapshot.
//
// # Description
//
// Removes each node, its file index entry, and quarantines every edge
// that referenced it. Quarantine instead of silent deletion keeps the
// no-dangling-edge invariant while preserving the edge for diagnostics
// and later promotion.
func (s *GraphStore) DeleteNodes(ctx context.Context, snapID string, ids []isg.NodeID) error {
	if err := s.ensureUncommitted(ctx, snapID); err != nil {
		return err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("delete nodes cancelled: %w", err)
		}
		if err := s.deleteNode(ctx, snapID, id); err != nil {
			return err
		}
	}
	return nil
}

// deleteNode removes one node and quarantines its incident edges in a
// single transaction.
func (s *GraphStore) deleteNode(ctx context.Context, snapID string, id isg.NodeID) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(snapID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read node %s: %w", id, err)
		}
		var node isg.InterfaceNode
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			return fmt.Errorf("decode node %s: %w", id, err)
		}

		// Collect incident edges first; mutating while iterating is
		// not safe.
		outgoing, err := collectEdges(txn, edgeOutPrefix(snapID, id), snapID)
		if err != nil {
			return err
		}
		incoming, err := collectReverse(txn, reverseInPrefix(snapID, id), snapID)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		for _, e := range outgoing {
			if err := quarantineEdge(txn, snapID, e, "src", now); err != nil {
				return err
			}
		}
		for _, e := range incoming {
			if err := quarantineEdge(txn, snapID, e, "dst", now); err != nil {
				return err
			}
		}

		if err := txn.Delete(nodeKey(snapID, id)); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
		if err := txn.Delete(fileKey(snapID, node.FilePath, id)); err != nil {
			return fmt.Errorf("delete file index %s: %w", id, err)
		}
		return nil
	})
}

// quarantineEdge moves one edge from the live set to quarantine.
func quarantineEdge(txn *badger.Txn, snapID string, e isg.Edge, missing string, nowMilli int64) error {
	orphan := OrphanEdge{Edge: e, Missing: missing, QuarantinedAtMilli: nowMilli}
	data, err := json.Marshal(&orphan)
	if err != nil {
		return fmt.Errorf("marshal orphan: %w", err)
	}
	if err := txn.Set(orphanKey(snapID, e), data); err != nil {
		return fmt.Errorf("quarantine edge: %w", err)
	}
	if err := txn.Delete(edgeKey(snapID, e)); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	if err := txn.Delete(reverseKey(snapID, e)); err != nil {
		return fmt.Errorf("delete reverse edge: %w", err)
	}
	return nil
}

// collectEdges reads all forward edges under a prefix.
func collectEdges(txn *badger.Txn, prefix []byte, snapID string) ([]isg.Edge, error) {
	var out []isg.Edge
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		e, ok := edgeFromKey(it.Item().Key(), snapID, "e")
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// collectReverse reads all incoming edges under a reverse prefix.
func collectReverse(txn *badger.Txn, prefix []byte, snapID string) ([]isg.Edge, error) {
	var out []isg.Edge
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		e, ok := edgeFromReverseKey(it.Item().Key(), snapID)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// edgeFromKey parses "s:<snap>:<section>:<src>:<kk>:<dst>".
func edgeFromKey(key []byte, snapID, section string) (isg.Edge, bool) {
	prefix := fmt.Sprintf("s:%s:%s:", snapID, section)
	rest := strings.TrimPrefix(string(key), prefix)
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return isg.Edge{}, false
	}
	kind, err := parseEdgeKindDigits(parts[1])
	if err != nil {
		return isg.Edge{}, false
	}
	return isg.Edge{Src: isg.NodeID(parts[0]), Kind: kind, Dst: isg.NodeID(parts[2])}, true
}

// edgeFromReverseKey parses "s:<snap>:r:<dst>:<kk>:<src>".
func edgeFromReverseKey(key []byte, snapID string) (isg.Edge, bool) {
	prefix := fmt.Sprintf("s:%s:r:", snapID)
	rest := strings.TrimPrefix(string(key), prefix)
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return isg.Edge{}, false
	}
	kind, err := parseEdgeKindDigits(parts[1])
	if err != nil {
		return isg.Edge{}, false
	}
	return isg.Edge{Src: isg.NodeID(parts[2]), Kind: kind, Dst: isg.NodeID(parts[0])}, true
}

func parseEdgeKindDigits(s string) (isg.EdgeKind, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%02d", &n); err != nil {
		return isg.EdgeUnknown, err
	}
	kind := isg.EdgeKind(n)
	if !kind.Valid() {
		return isg.EdgeUnknown, fmt.Errorf("edge kind out of range: %d", n)
	}
	return kind, nil
}

// UpsertEdges writes edges into an uncommitted snapshot.
//
// # Description
//
// Each edge's endpoints are checked inside the write transaction. An
// edge with both endpoints present is written to the live set and the
// reverse index; an edge with a missing endpoint goes to quarantine
// instead of being dropped. Edges previously quarantined are promoted
// when re-upserted with both endpoints present.
//
// # Outputs
//
//   - int: number of edges quarantined in this call.
//   - error: validation or storage failure. Nothing in the failed
//     chunk is written.
func (s *GraphStore) UpsertEdges(ctx context.Context, snapID string, edges []isg.Edge) (int, error) {
	ctx, span := tracer.Start(ctx, "GraphStore.UpsertEdges")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.snapshot", snapID),
		attribute.Int("store.edge_count", len(edges)),
	)

	for i := range edges {
		if err := edges[i].Validate(); err != nil {
			return 0, fmt.Errorf("edge %d: %w", i, err)
		}
	}
	if err := s.ensureUncommitted(ctx, snapID); err != nil {
		return 0, err
	}

	quarantined := 0
	for start := 0; start < len(edges); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(edges) {
			end = len(edges)
		}
		chunk := edges[start:end]

		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			now := time.Now().UnixMilli()
			for _, e := range chunk {
				missing, err := missingEndpoint(txn, snapID, e)
				if err != nil {
					return err
				}
				if missing != "" {
					orphan := OrphanEdge{Edge: e, Missing: missing, QuarantinedAtMilli: now}
					data, err := json.Marshal(&orphan)
					if err != nil {
						return fmt.Errorf("marshal orphan: %w", err)
					}
					if err := txn.Set(orphanKey(snapID, e), data); err != nil {
						return fmt.Errorf("quarantine edge: %w", err)
					}
					quarantined++
					continue
				}

				data, err := json.Marshal(&e)
				if err != nil {
					return fmt.Errorf("marshal edge: %w", err)
				}
				if err := txn.Set(edgeKey(snapID, e), data); err != nil {
					return fmt.Errorf("write edge: %w", err)
				}
				if err := txn.Set(reverseKey(snapID, e), nil); err != nil {
					return fmt.Errorf("write reverse edge: %w", err)
				}
				// A previously quarantined copy is now resolved.
				if err := txn.Delete(orphanKey(snapID, e)); err != nil {
					return fmt.Errorf("clear orphan: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return quarantined, err
		}
	}

	if quarantined > 0 {
		s.logger.Warn("edges quarantined during upsert",
			slog.String("snapshot", snapID),
			slog.Int("count", quarantined))
	}
	return quarantined, nil
}

// missingEndpoint reports which endpoint of an edge is absent, "" when
// both exist.
func missingEndpoint(txn *badger.Txn, snapID string, e isg.Edge) (string, error) {
	if _, err := txn.Get(nodeKey(snapID, e.Src)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "src", nil
		}
		return "", fmt.Errorf("check src %s: %w", e.Src, err)
	}
	if _, err := txn.Get(nodeKey(snapID, e.Dst)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "dst", nil
		}
		return "", fmt.Errorf("check dst %s: %w", e.Dst, err)
	}
	return "", nil
}

// DeleteEdges removes edges from an uncommitted snapshot, including any
// quarantined copies.
func (s *GraphStore) DeleteEdges(ctx context.Context, snapID string, edges []isg.Edge) error {
	if err := s.ensureUncommitted(ctx, snapID); err != nil {
		return err
	}

	for start := 0; start < len(edges); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(edges) {
			end = len(edges)
		}
		chunk := edges[start:end]

		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			for _, e := range chunk {
				if err := txn.Delete(edgeKey(snapID, e)); err != nil {
					return err
				}
				if err := txn.Delete(reverseKey(snapID, e)); err != nil {
					return err
				}
				if err := txn.Delete(orphanKey(snapID, e)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ResolveOrphans promotes quarantined edges whose endpoints now exist.
//
// # Description
//
// Called after a build's node upserts so that edges quarantined early
// in the write sequence recover once their endpoints arrive. Orphans
// whose endpoints are still missing stay quarantined.
//
// # Outputs
//
//   - int: number of edges promoted to the live set.
func (s *GraphStore) ResolveOrphans(ctx context.Context, snapID string) (int, error) {
	ctx, span := tracer.Start(ctx, "GraphStore.ResolveOrphans")
	defer span.End()

	if err := s.ensureUncommitted(ctx, snapID); err != nil {
		return 0, err
	}

	orphans, err := s.Orphans(ctx, snapID)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	promoted := 0
	for start := 0; start < len(orphans); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(orphans) {
			end = len(orphans)
		}
		chunk := orphans[start:end]

		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			for _, o := range chunk {
				missing, err := missingEndpoint(txn, snapID, o.Edge)
				if err != nil {
					return err
				}
				if missing != "" {
					continue
				}
				data, err := json.Marshal(&o.Edge)
				if err != nil {
					return fmt.Errorf("marshal edge: %w", err)
				}
				if err := txn.Set(edgeKey(snapID, o.Edge), data); err != nil {
					return err
				}
				if err := txn.Set(reverseKey(snapID, o.Edge), nil); err != nil {
					return err
				}
				if err := txn.Delete(orphanKey(snapID, o.Edge)); err != nil {
					return err
				}
				promoted++
			}
			return nil
		})
		if err != nil {
			return promoted, err
		}
	}

	if promoted > 0 {
		s.logger.Info("orphan edges promoted",
			slog.String("snapshot", snapID),
			slog.Int("count", promoted))
	}
	span.SetAttributes(attribute.Int("store.promoted", promoted))
	return promoted, nil
}

// Orphans lists the quarantined edges of a snapshot in key order.
func (s *GraphStore) Orphans(ctx context.Context, snapID string) ([]OrphanEdge, error) {
	var out []OrphanEdge
	prefix := orphanPrefix(snapID)

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var o OrphanEdge
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				return fmt.Errorf("decode orphan: %w", err)
			}
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsClean reports whether the snapshot has no quarantined edges. A
// clean snapshot is safe to promote to current without caveats.
func (s *GraphStore) IsClean(ctx context.Context, snapID string) (bool, error) {
	clean := true
	prefix := orphanPrefix(snapID)

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		clean = !it.ValidForPrefix(prefix)
		return nil
	})
	if err != nil {
		return false, err
	}
	return clean, nil
}

// GetNode performs a point lookup by node id.
//
// # Outputs
//
//   - *isg.InterfaceNode: the node, or nil with ErrNodeNotFound.
func (s *GraphStore) GetNode(ctx context.Context, snapID string, id isg.NodeID) (*isg.InterfaceNode, error) {
	var node isg.InterfaceNode
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(snapID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// NodesByFile returns the nodes declared in one file, in id order.
func (s *GraphStore) NodesByFile(ctx context.Context, snapID, filePath string) ([]isg.InterfaceNode, error) {
	var ids []isg.NodeID
	prefix := filePrefix(snapID, filePath)

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				ids = append(ids, isg.NodeID(val))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]isg.InterfaceNode, 0, len(ids))
	for _, id := range ids {
		node, err := s.GetNode(ctx, snapID, id)
		if errors.Is(err, ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, nil
}

// IterateNodes streams every node of a snapshot in id order. The
// callback returning an error stops the iteration and propagates.
func (s *GraphStore) IterateNodes(ctx context.Context, snapID string, fn func(isg.InterfaceNode) error) error {
	prefix := nodePrefix(snapID)
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
			if count%writeChunkSize == 0 {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("node iteration cancelled: %w", err)
				}
			}
			var node isg.InterfaceNode
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			}); err != nil {
				return fmt.Errorf("decode node: %w", err)
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
}

// IterateEdges streams every live edge of a snapshot in key order.
func (s *GraphStore) IterateEdges(ctx context.Context, snapID string, fn func(isg.Edge) error) error {
	prefix := edgePrefix(snapID)
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
			if count%writeChunkSize == 0 {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("edge iteration cancelled: %w", err)
				}
			}
			e, ok := edgeFromKey(it.Item().Key(), snapID, "e")
			if !ok {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats counts the contents of a snapshot.
func (s *GraphStore) Stats(ctx context.Context, snapID string) (Stats, error) {
	var st Stats
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		st.Nodes = countPrefix(txn, nodePrefix(snapID))
		st.Edges = countPrefix(txn, edgePrefix(snapID))
		st.Orphans = countPrefix(txn, orphanPrefix(snapID))
		return nil
	})
	return st, err
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}
