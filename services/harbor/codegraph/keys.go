// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegraph

import (
	"fmt"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Key layout. The row table shares the graph store's database; these
// prefixes are disjoint from the snapshot ranges ("s:", "meta:").
//
//	row:<node-id>                row record (JSON)
//	run:<node-id>:<run-id>       validation run (JSON)
//	apv:<token>                  approval record (JSON)
//
// The apply controller additionally owns rvt:<commit-id> for revert
// records.

var (
	rowKeyPrefix = []byte("row:")
	apvKeyPrefix = []byte("apv:")
)

func rowKey(id isg.NodeID) []byte {
	return []byte("row:" + string(id))
}

func runKey(id isg.NodeID, runID string) []byte {
	return []byte(fmt.Sprintf("run:%s:%s", id, runID))
}

func runPrefix(id isg.NodeID) []byte {
	return []byte(fmt.Sprintf("run:%s:", id))
}

func apvKey(token string) []byte {
	return []byte("apv:" + token)
}
