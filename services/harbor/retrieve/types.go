// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieve fuses exact graph traversal with approximate
// similarity search into one ranked, budgeted answer.
//
// The retriever is strictly read-only: its constructor accepts narrow
// read interfaces and nothing in this package can reach a write
// surface. When the similarity backend is down, retrieval degrades to
// structural results instead of failing.
package retrieve

import (
	"context"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/vector"
)

// Default bounds. HopLimit matches the store's traversal default so a
// plain query sees the same neighborhood the traverse API would
// return.
const (
	DefaultHopLimit   = 2
	DefaultFanOut     = 10
	DefaultK          = 10
	DefaultExactBonus = 1.0
	DefaultMaxResults = 20
	DefaultMaxBytes   = 1 << 20
)

// NodeReader is the structural read surface the retriever depends on.
// *store.GraphStore satisfies it.
type NodeReader interface {
	GetNode(ctx context.Context, snapID string, id isg.NodeID) (*isg.InterfaceNode, error)
	Neighborhood(ctx context.Context, snapID string, root isg.NodeID, opts store.TraversalOptions) (*store.Traversal, error)
	CurrentSnapshotID(ctx context.Context) (string, error)
}

// Searcher is the similarity read surface. Both vector backends
// satisfy it.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int) ([]vector.Hit, error)
}

// Config holds the retriever defaults. Every field can be overridden
// per query.
type Config struct {
	// HopLimit bounds the BFS depth from each seed.
	HopLimit int

	// FanOut caps neighbors expanded per node during BFS.
	FanOut int

	// K is the similarity result count requested from the index.
	K int

	// ExactBonus is the score contribution of a structural hit.
	ExactBonus float64

	// MaxResults caps the ranked result count.
	MaxResults int

	// MaxBytes caps the serialized size of the result set.
	MaxBytes int
}

// DefaultConfig returns the default retrieval bounds.
func DefaultConfig() Config {
	return Config{
		HopLimit:   DefaultHopLimit,
		FanOut:     DefaultFanOut,
		K:          DefaultK,
		ExactBonus: DefaultExactBonus,
		MaxResults: DefaultMaxResults,
		MaxBytes:   DefaultMaxBytes,
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.HopLimit <= 0 {
		c.HopLimit = defaults.HopLimit
	}
	if c.FanOut <= 0 {
		c.FanOut = defaults.FanOut
	}
	if c.K <= 0 {
		c.K = defaults.K
	}
	if c.ExactBonus == 0 {
		c.ExactBonus = defaults.ExactBonus
	}
	if c.MaxResults <= 0 {
		c.MaxResults = defaults.MaxResults
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaults.MaxBytes
	}
}

// Query is one retrieval request. At least one of Seeds or Embedding
// must be set. Zero-valued bounds fall back to the retriever config.
type Query struct {
	// Seeds are the starting nodes for exact traversal.
	Seeds []isg.NodeID `json:"seeds,omitempty"`

	// Embedding is the query vector for similarity search.
	Embedding []float32 `json:"embedding,omitempty"`

	// HopLimit overrides the BFS depth.
	HopLimit int `json:"hop_limit,omitempty"`

	// FanOut overrides the per-node expansion cap.
	FanOut int `json:"fan_out,omitempty"`

	// K overrides the similarity result count.
	K int `json:"k,omitempty"`

	// MaxResults overrides the result count budget.
	MaxResults int `json:"max_results,omitempty"`

	// MaxBytes overrides the serialized size budget.
	MaxBytes int `json:"max_bytes,omitempty"`
}

// Result is one ranked node.
type Result struct {
	// ID is the node id.
	ID isg.NodeID `json:"id"`

	// Node is the full interface record.
	Node isg.InterfaceNode `json:"node"`

	// Score ranks the result: exact bonus plus similarity.
	Score float64 `json:"score"`

	// Exact reports the node was reached by traversal.
	Exact bool `json:"exact"`

	// Depth is the hop distance from the nearest seed. Only
	// meaningful when Exact is true.
	Depth int `json:"depth,omitempty"`

	// Similarity is the normalized vector similarity, zero when the
	// node was not a similarity hit.
	Similarity float64 `json:"similarity,omitempty"`
}

// ResultSet is a ranked retrieval answer.
type ResultSet struct {
	// SnapshotID is the snapshot the structural results came from.
	SnapshotID string `json:"snapshot_id"`

	// Results is ranked best first; ties break on ascending id so
	// identical inputs always produce identical output.
	Results []Result `json:"results"`

	// Truncated reports that a budget cut the ranked list short.
	Truncated bool `json:"truncated,omitempty"`

	// Degraded reports the similarity backend was unavailable and the
	// answer is structural-only.
	Degraded bool `json:"degraded,omitempty"`
}
