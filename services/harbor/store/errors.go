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

import "errors"

var (
	// ErrNodeNotFound indicates a point lookup missed.
	ErrNodeNotFound = errors.New("node not found")

	// ErrSnapshotNotFound indicates the snapshot id has no record.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrNoCurrentSnapshot indicates no snapshot has been committed yet.
	ErrNoCurrentSnapshot = errors.New("no current snapshot")

	// ErrSnapshotCommitted indicates a write against an already
	// committed snapshot. Committed snapshots are immutable; writes
	// belong to a fresh snapshot cloned from the current one.
	ErrSnapshotCommitted = errors.New("snapshot already committed")

	// ErrCurrentSnapshot indicates an attempt to delete the snapshot
	// the current pointer references.
	ErrCurrentSnapshot = errors.New("snapshot is current")

	// ErrInvalidTraversal indicates traversal options that cannot be
	// satisfied, such as a non-positive depth.
	ErrInvalidTraversal = errors.New("invalid traversal options")

	// ErrManifestNotFound indicates the snapshot carries no source
	// manifest. Full rebuilds of pre-manifest snapshots hit this.
	ErrManifestNotFound = errors.New("snapshot has no manifest")
)
