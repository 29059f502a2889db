// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vector is the similarity side of retrieval: an index of
// node embeddings, queryable by vector, keyed by node id.
//
// Two backends implement the same Index interface. The local backend
// keeps an HNSW graph in process and persists it to the data dir; the
// remote backend talks to Weaviate through a circuit breaker so an
// unavailable service degrades retrieval instead of breaking it.
package vector

import (
	"context"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Hit is one similarity result.
type Hit struct {
	// ID is the matched node.
	ID isg.NodeID `json:"id"`

	// Similarity is normalized to [0,1]; higher is closer.
	Similarity float64 `json:"similarity"`
}

// Index is the similarity index surface.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert stores or replaces the vector for a node.
	Upsert(ctx context.Context, id isg.NodeID, vec []float32) error

	// Delete removes a node's vector. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, id isg.NodeID) error

	// Search returns up to k nearest nodes, best first.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
}

// Embedder produces vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Metric selects the distance function.
type Metric int

const (
	// MetricCosine ranks by angle; the default.
	MetricCosine Metric = iota

	// MetricDot ranks by inner product.
	MetricDot

	// MetricEuclidean ranks by L2 distance.
	MetricEuclidean

	// NumMetrics is the total number of metrics (for array sizing).
	NumMetrics
)

// metricNames maps Metric values to their string representations.
var metricNames = map[Metric]string{
	MetricCosine:    "cosine",
	MetricDot:       "dot",
	MetricEuclidean: "euclidean",
}

// String returns the string representation of the Metric.
func (m Metric) String() string {
	if name, ok := metricNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMetric converts a string to a Metric.
// Returns -1 if the string is not a valid metric.
func ParseMetric(s string) Metric {
	for m, name := range metricNames {
		if name == s {
			return m
		}
	}
	return Metric(-1)
}

// Valid returns true if the Metric is a known value.
func (m Metric) Valid() bool {
	return m >= MetricCosine && m < NumMetrics
}
