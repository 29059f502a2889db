// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive exports committed snapshots as portable files and
// imports them into another store.
//
// An export is two objects: a gzip-compressed JSON-lines stream
// (snapshot header, then nodes, then edges) and a manifest naming the
// content fingerprint and a hash of the compressed bytes. Import
// refuses anything whose hashes do not match, so a truncated upload
// or a tampered object never reaches the store. Quarantined edges do
// not travel; an archive carries the live graph only, which is
// exactly what the fingerprint covers.
//
// Backends store the objects: a directory on disk or a GCS bucket.
package archive

import (
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// FormatVersion is the archive schema version. Bump on any change to
// the record layout or the manifest.
const FormatVersion = "1.0"

// Object name building blocks. The data object and its manifest share
// the snapshot id stem.
const (
	dataSuffix     = ".isg.jsonl.gz"
	manifestSuffix = ".manifest.json"
)

func dataName(snapID string) string {
	return snapID + dataSuffix
}

func manifestName(snapID string) string {
	return snapID + manifestSuffix
}

// Manifest describes one export for verification and discovery.
//
// # Thread Safety
//
// Immutable after creation.
type Manifest struct {
	// FormatVersion is the archive schema version.
	FormatVersion string `json:"format_version"`

	// SnapshotID is the exported snapshot.
	SnapshotID string `json:"snapshot_id"`

	// Fingerprint is the content hash over the node and edge sets,
	// identical to the snapshot's recorded fingerprint.
	Fingerprint string `json:"fingerprint"`

	// Root is the workspace the snapshot was built from.
	Root string `json:"root"`

	// CreatedAtMilli is when the snapshot was committed.
	CreatedAtMilli int64 `json:"created_at_milli"`

	// ExportedAtMilli is when this archive was written.
	ExportedAtMilli int64 `json:"exported_at_milli"`

	// NodeCount and EdgeCount describe the archived graph.
	NodeCount int `json:"node_count"`
	EdgeCount int `json:"edge_count"`

	// ContentHash is the SHA256 of the compressed data object.
	ContentHash string `json:"content_hash"`

	// CompressedSize and UncompressedSize are the data object sizes
	// in bytes.
	CompressedSize   int64 `json:"compressed_size"`
	UncompressedSize int64 `json:"uncompressed_size"`
}

// Age returns how long ago the archive was written.
func (m *Manifest) Age() time.Duration {
	return time.Since(time.UnixMilli(m.ExportedAtMilli))
}

// CompressionRatio returns compressed over uncompressed size.
func (m *Manifest) CompressionRatio() float64 {
	if m.UncompressedSize == 0 {
		return 0
	}
	return float64(m.CompressedSize) / float64(m.UncompressedSize)
}

// Record kinds in the data stream.
const (
	recordSnapshot = "snapshot"
	recordNode     = "node"
	recordEdge     = "edge"
)

// record is one JSON line in the data stream. Exactly one payload
// field is set, selected by Kind. The first record is always the
// snapshot header.
type record struct {
	Kind     string             `json:"kind"`
	Snapshot *isg.Snapshot      `json:"snapshot,omitempty"`
	Node     *isg.InterfaceNode `json:"node,omitempty"`
	Edge     *isg.Edge          `json:"edge,omitempty"`
}
