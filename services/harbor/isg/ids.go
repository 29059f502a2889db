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
)

// nodeIDBytes is the number of hash bytes kept in a NodeID (hex encoded,
// so ids are twice this length). 16 bytes keeps ids short enough for key
// construction while leaving collisions out of practical reach.
const nodeIDBytes = 16

// NewNodeID derives the stable identifier for a node.
//
// # Description
//
// The id is a truncated SHA-256 over the node's kind, workspace-relative
// file path, enclosing scope, and name, joined with NUL separators so no
// component can bleed into its neighbor. Byte-identical inputs always
// produce the same id; source locations never participate, so moving a
// declaration within its file does not change its identity.
//
// # Inputs
//
//   - kind: The node kind.
//   - filePath: Workspace-relative declaring file (package dir for
//     module nodes).
//   - scope: Enclosing scope ("" for top-level declarations).
//   - name: Declared identifier.
//
// # Outputs
//
//   - NodeID: Lowercase hex, 32 characters.
func NewNodeID(kind NodeKind, filePath, scope, name string) NodeID {
	h := sha256.New()
	h.Write([]byte(kind.String()))
	h.Write([]byte{0})
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(name))
	sum := h.Sum(nil)
	return NodeID(hex.EncodeToString(sum[:nodeIDBytes]))
}

// HashSignature returns the content hash of a signature string.
//
// Used to detect whether a node's shape changed between rebuilds: while
// the hash is unchanged, the node's embedding reference remains valid.
func HashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}
