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
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// CreateSnapshot allocates a new uncommitted snapshot.
//
// # Description
//
// Returns a fresh snapshot id. With an empty base the snapshot starts
// empty (full rebuild); with a base id every key of the base is cloned
// into the new range (incremental rebuild), leaving the base untouched.
// The snapshot stays invisible to readers until CommitSnapshot.
//
// # Inputs
//
//   - ctx: Cancellation context, checked between copy batches.
//   - baseID: Committed snapshot to clone, or "" for an empty start.
//
// # Outputs
//
//   - string: the new snapshot id.
//   - error: ErrSnapshotNotFound when the base does not exist.
func (s *GraphStore) CreateSnapshot(ctx context.Context, baseID string) (string, error) {
	ctx, span := tracer.Start(ctx, "GraphStore.CreateSnapshot")
	defer span.End()

	newID := uuid.New().String()
	span.SetAttributes(
		attribute.String("store.snapshot", newID),
		attribute.String("store.base", baseID),
	)

	if baseID == "" {
		return newID, nil
	}

	if _, err := s.GetSnapshot(ctx, baseID); err != nil {
		return "", err
	}

	srcPrefix := snapPrefix(baseID)
	dstPrefix := snapPrefix(newID)

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	copied := 0
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(srcPrefix); it.ValidForPrefix(srcPrefix); it.Next() {
			copied++
			if copied%writeChunkSize == 0 {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("snapshot clone cancelled: %w", err)
				}
			}

			item := it.Item()
			suffix := item.Key()[len(srcPrefix):]
			newKey := make([]byte, 0, len(dstPrefix)+len(suffix))
			newKey = append(newKey, dstPrefix...)
			newKey = append(newKey, suffix...)

			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value: %w", err)
			}
			if err := wb.Set(newKey, val); err != nil {
				return fmt.Errorf("batch clone key: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := wb.Flush(); err != nil {
		return "", fmt.Errorf("flush snapshot clone: %w", err)
	}

	s.logger.Debug("snapshot cloned",
		slog.String("base", baseID),
		slog.String("snapshot", newID),
		slog.Int("keys", copied))
	return newID, nil
}

// CommitSnapshot records the snapshot and promotes it to current.
//
// # Description
//
// Writes the snapshot record and moves the current pointer in one
// transaction, so readers switch between complete graphs and never see
// a half-promoted state. Committing freezes the snapshot's key range.
func (s *GraphStore) CommitSnapshot(ctx context.Context, snap isg.Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id must not be empty")
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(snapMetaKey(snap.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrSnapshotCommitted, snap.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(snapMetaKey(snap.ID), data); err != nil {
			return err
		}
		return txn.Set(currentKey, []byte(snap.ID))
	})
	if err != nil {
		return err
	}

	s.logger.Info("snapshot committed",
		slog.String("snapshot", snap.ID),
		slog.String("fingerprint", snap.Fingerprint),
		slog.Int("nodes", snap.NodeCount),
		slog.Int("edges", snap.EdgeCount),
		slog.Int("orphans", snap.OrphanCount),
		slog.Bool("incremental", snap.Incremental))
	return nil
}

// CurrentSnapshotID returns the id the current pointer references.
func (s *GraphStore) CurrentSnapshotID(ctx context.Context) (string, error) {
	var id string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(currentKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoCurrentSnapshot
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSnapshot reads one snapshot record.
func (s *GraphStore) GetSnapshot(ctx context.Context, snapID string) (*isg.Snapshot, error) {
	var snap isg.Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(snapMetaKey(snapID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns every committed snapshot, newest first. Ties on
// creation time break by id so the order is stable.
func (s *GraphStore) ListSnapshots(ctx context.Context) ([]isg.Snapshot, error) {
	var snaps []isg.Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(snapMetaPrefix); it.ValidForPrefix(snapMetaPrefix); it.Next() {
			var snap isg.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAtMilli != snaps[j].CreatedAtMilli {
			return snaps[i].CreatedAtMilli > snaps[j].CreatedAtMilli
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps, nil
}

// RevertTo moves the current pointer back to a committed snapshot.
//
// # Description
//
// Reverting is a pointer move, not a data rewrite: the newer snapshot's
// keys stay on disk until dropped, and readers pinned to them finish
// undisturbed.
func (s *GraphStore) RevertTo(ctx context.Context, snapID string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if _, err := s.GetSnapshot(ctx, snapID); err != nil {
		return err
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(currentKey, []byte(snapID))
	})
	if err != nil {
		return err
	}

	s.logger.Warn("graph reverted", slog.String("snapshot", snapID))
	return nil
}

// DropSnapshot deletes a committed snapshot's record and key range.
// The current snapshot cannot be dropped.
func (s *GraphStore) DropSnapshot(ctx context.Context, snapID string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	current, err := s.CurrentSnapshotID(ctx)
	if err != nil && !errors.Is(err, ErrNoCurrentSnapshot) {
		return err
	}
	if current == snapID {
		return fmt.Errorf("%w: %s", ErrCurrentSnapshot, snapID)
	}
	if _, err := s.GetSnapshot(ctx, snapID); err != nil {
		return err
	}

	// Collect keys under a read transaction, delete in batches.
	prefix := snapPrefix(snapID)
	var keys [][]byte
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, key := range keys {
		if i%writeChunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("snapshot drop cancelled: %w", err)
			}
		}
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
	}
	if err := wb.Delete(snapMetaKey(snapID)); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush snapshot drop: %w", err)
	}

	s.logger.Info("snapshot dropped",
		slog.String("snapshot", snapID),
		slog.Int("keys", len(keys)))
	return nil
}

// PruneSnapshots drops all but the keep newest committed snapshots.
//
// # Description
//
// Pruning is always explicit; nothing in the store prunes on its own.
// The current snapshot survives regardless of age, so after a revert
// the pointer target is safe even when newer snapshots push it past
// the keep window.
//
// # Inputs
//
//   - ctx: Cancellation context, honored between drops.
//   - keep: Number of newest snapshots to retain. Must be at least 1.
//
// # Outputs
//
//   - int: count of snapshots dropped.
//   - error: first drop failure; earlier drops stand.
func (s *GraphStore) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune keep must be at least 1, got %d", keep)
	}

	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keep {
		return 0, nil
	}

	current, err := s.CurrentSnapshotID(ctx)
	if err != nil && !errors.Is(err, ErrNoCurrentSnapshot) {
		return 0, err
	}

	dropped := 0
	for _, snap := range snaps[keep:] {
		if snap.ID == current {
			continue
		}
		if err := ctx.Err(); err != nil {
			return dropped, fmt.Errorf("prune cancelled: %w", err)
		}
		if err := s.DropSnapshot(ctx, snap.ID); err != nil {
			return dropped, fmt.Errorf("drop %s: %w", snap.ID, err)
		}
		dropped++
	}

	s.logger.Info("snapshots pruned",
		slog.Int("kept", len(snaps)-dropped),
		slog.Int("dropped", dropped))
	return dropped, nil
}

// Fingerprint recomputes the content fingerprint of a snapshot from its
// stored nodes and live edges.
func (s *GraphStore) Fingerprint(ctx context.Context, snapID string) (string, error) {
	var nodes []isg.InterfaceNode
	if err := s.IterateNodes(ctx, snapID, func(n isg.InterfaceNode) error {
		nodes = append(nodes, n)
		return nil
	}); err != nil {
		return "", err
	}

	var edges []isg.Edge
	if err := s.IterateEdges(ctx, snapID, func(e isg.Edge) error {
		edges = append(edges, e)
		return nil
	}); err != nil {
		return "", err
	}

	return isg.Fingerprint(nodes, edges), nil
}

// PutManifest attaches the source manifest blob to an uncommitted
// snapshot. The blob lives in the snapshot's key range, so it is cloned
// into derived snapshots and removed with DropSnapshot.
func (s *GraphStore) PutManifest(ctx context.Context, snapID string, data []byte) error {
	if err := s.ensureUncommitted(ctx, snapID); err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(manifestKey(snapID), data)
	})
}

// Manifest returns the manifest blob attached to a snapshot, or
// ErrManifestNotFound when the snapshot never had one.
func (s *GraphStore) Manifest(ctx context.Context, snapID string) ([]byte, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(snapID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrManifestNotFound, snapID)
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// VerifySnapshot recomputes a committed snapshot's fingerprint and
// compares it against the recorded one.
func (s *GraphStore) VerifySnapshot(ctx context.Context, snapID string) error {
	snap, err := s.GetSnapshot(ctx, snapID)
	if err != nil {
		return err
	}

	actual, err := s.Fingerprint(ctx, snapID)
	if err != nil {
		return err
	}
	if actual != snap.Fingerprint {
		return fmt.Errorf("snapshot %s fingerprint mismatch: recorded %s, computed %s",
			snapID, snap.Fingerprint, actual)
	}
	return nil
}
