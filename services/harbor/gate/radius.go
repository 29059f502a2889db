// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"errors"
	"sort"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// BlastRadius expands the set of nodes a change can plausibly affect:
// every node within hops of a seed, following edges in both directions.
//
// # Description
//
// Seeds the snapshot does not know (a create's node id) contribute
// nothing; they cannot have edges yet. The seeds themselves are always
// members.
func BlastRadius(ctx context.Context, st *store.GraphStore, snapID string, seeds []isg.NodeID, hops int) (map[isg.NodeID]struct{}, error) {
	radius := make(map[isg.NodeID]struct{}, len(seeds))
	for _, seed := range seeds {
		radius[seed] = struct{}{}

		tv, err := st.Neighborhood(ctx, snapID, seed, store.TraversalOptions{
			Direction: store.DirectionBoth,
			MaxDepth:  hops,
		})
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		for id := range tv.Depths {
			radius[id] = struct{}{}
		}
	}
	return radius, nil
}

// RelevantTests selects the tests worth running for a radius: test
// nodes whose outbound dependency closure (calls and uses, within
// hops) intersects it.
//
// # Outputs
//
//   - []isg.NodeID: Sorted ascending for deterministic runs. Empty
//     means the test stage has nothing to do.
func RelevantTests(ctx context.Context, st *store.GraphStore, snapID string, radius map[isg.NodeID]struct{}, hops int) ([]isg.NodeID, error) {
	var tests []isg.InterfaceNode
	err := st.IterateNodes(ctx, snapID, func(n isg.InterfaceNode) error {
		if n.IsTest {
			tests = append(tests, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var relevant []isg.NodeID
	for _, tn := range tests {
		// A changed test validates itself.
		if _, ok := radius[tn.ID]; ok {
			relevant = append(relevant, tn.ID)
			continue
		}

		tv, err := st.Neighborhood(ctx, snapID, tn.ID, store.TraversalOptions{
			Direction: store.DirectionOut,
			MaxDepth:  hops,
			Kinds:     []isg.EdgeKind{isg.EdgeCalls, isg.EdgeUses},
		})
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		for id := range tv.Depths {
			if _, ok := radius[id]; ok {
				relevant = append(relevant, tn.ID)
				break
			}
		}
	}

	sort.Slice(relevant, func(i, j int) bool { return relevant[i] < relevant[j] })
	return relevant, nil
}
