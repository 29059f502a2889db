// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package isg

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Snapshot identifies one complete graph state.
//
// A snapshot is immutable once committed. External proposals are tagged
// with the snapshot fingerprint they were computed against, so drift
// between proposal time and apply time is detectable.
type Snapshot struct {
	// ID is the snapshot's unique identifier (UUID).
	ID string `json:"id"`

	// Fingerprint is the content hash over the full node and edge sets.
	// See Fingerprint.
	Fingerprint string `json:"fingerprint"`

	// CreatedAtMilli is the Unix timestamp in milliseconds when the
	// snapshot was committed.
	CreatedAtMilli int64 `json:"created_at_milli"`

	// Root is the workspace root the snapshot was built from.
	Root string `json:"root"`

	// NodeCount is the number of nodes in the snapshot.
	NodeCount int `json:"node_count"`

	// EdgeCount is the number of committed (non-quarantined) edges.
	EdgeCount int `json:"edge_count"`

	// OrphanCount is the number of quarantined edges. A build is clean
	// only when this is zero.
	OrphanCount int `json:"orphan_count"`

	// Incremental records whether the snapshot was produced by an
	// incremental rebuild rather than a full one.
	Incremental bool `json:"incremental"`
}

// Fingerprint computes the content hash identifying an exact graph state.
//
// # Description
//
// The hash covers every node's id and signature hash plus every edge's
// canonical key, each set sorted lexicographically first, so the result
// is independent of emission order. Two graphs with the same fingerprint
// hold the same structure.
//
// # Inputs
//
//   - nodes: The full node set. Order does not matter.
//   - edges: The full edge set. Order does not matter.
//
// # Outputs
//
//   - string: Lowercase hex SHA-256.
func Fingerprint(nodes []InterfaceNode, edges []Edge) string {
	nodeKeys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		nodeKeys = append(nodeKeys, string(n.ID)+"#"+n.SigHash)
	}
	sort.Strings(nodeKeys)

	edgeKeys := make([]string, 0, len(edges))
	for _, e := range edges {
		edgeKeys = append(edgeKeys, e.Key())
	}
	sort.Strings(edgeKeys)

	h := sha256.New()
	for _, k := range nodeKeys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	// Separator between the node and edge sections so a value cannot
	// migrate between them without changing the hash.
	h.Write([]byte{0})
	for _, k := range edgeKeys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
