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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Key layout. Every snapshot owns a disjoint range under "s:<snap>:",
// so cloning, dropping, and pinned reads are prefix operations. Node
// ids are fixed-width hex and edge kinds two-digit decimal, which keeps
// lexicographic iteration order stable across builds.
//
//	s:<snap>:n:<node-id>                  node record (JSON)
//	s:<snap>:e:<src>:<kk>:<dst>           forward edge (JSON)
//	s:<snap>:r:<dst>:<kk>:<src>           reverse index (empty value)
//	s:<snap>:q:<src>:<kk>:<dst>           quarantined orphan edge (JSON)
//	s:<snap>:f:<file-hash>:<node-id>      file index (value = node id)
//	s:<snap>:m                            source manifest (JSON)
//	meta:snap:<snap>                      snapshot record (JSON)
//	meta:current                          current snapshot id

func snapPrefix(snapID string) []byte {
	return []byte(fmt.Sprintf("s:%s:", snapID))
}

func nodeKey(snapID string, id isg.NodeID) []byte {
	return []byte(fmt.Sprintf("s:%s:n:%s", snapID, id))
}

func nodePrefix(snapID string) []byte {
	return []byte(fmt.Sprintf("s:%s:n:", snapID))
}

func edgeKey(snapID string, e isg.Edge) []byte {
	return []byte(fmt.Sprintf("s:%s:e:%s", snapID, e.Key()))
}

func edgePrefix(snapID string) []byte {
	return []byte(fmt.Sprintf("s:%s:e:", snapID))
}

// edgeOutPrefix scans the forward edges of one source node.
func edgeOutPrefix(snapID string, src isg.NodeID) []byte {
	return []byte(fmt.Sprintf("s:%s:e:%s:", snapID, src))
}

func reverseKey(snapID string, e isg.Edge) []byte {
	return []byte(fmt.Sprintf("s:%s:r:%s:%02d:%s", snapID, e.Dst, int(e.Kind), e.Src))
}

// reverseInPrefix scans the incoming edges of one destination node.
func reverseInPrefix(snapID string, dst isg.NodeID) []byte {
	return []byte(fmt.Sprintf("s:%s:r:%s:", snapID, dst))
}

func orphanKey(snapID string, e isg.Edge) []byte {
	return []byte(fmt.Sprintf("s:%s:q:%s", snapID, e.Key()))
}

func orphanPrefix(snapID string) []byte {
	return []byte(fmt.Sprintf("s:%s:q:", snapID))
}

// fileHash collapses a path to fixed-width hex so file index keys stay
// colon-free regardless of the path's characters.
func fileHash(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

func fileKey(snapID, filePath string, id isg.NodeID) []byte {
	return []byte(fmt.Sprintf("s:%s:f:%s:%s", snapID, fileHash(filePath), id))
}

func filePrefix(snapID, filePath string) []byte {
	return []byte(fmt.Sprintf("s:%s:f:%s:", snapID, fileHash(filePath)))
}

// manifestKey holds the file manifest the snapshot was built from.
// Living inside the snapshot range, it clones and drops with it.
func manifestKey(snapID string) []byte {
	return []byte(fmt.Sprintf("s:%s:m", snapID))
}

func snapMetaKey(snapID string) []byte {
	return []byte("meta:snap:" + snapID)
}

var (
	snapMetaPrefix = []byte("meta:snap:")
	currentKey     = []byte("meta:current")
)
