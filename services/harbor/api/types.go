// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// ServiceVersion is the Harbor API version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// NodeResponse wraps one interface node with the snapshot it was read
// from.
type NodeResponse struct {
	// SnapshotID is the snapshot the node was resolved against.
	SnapshotID string `json:"snapshot_id"`

	// Node is the full interface record.
	Node isg.InterfaceNode `json:"node"`
}

// TraverseRequest asks for the bounded neighborhood of one node.
type TraverseRequest struct {
	// Root is the node to expand from.
	Root string `json:"root" binding:"required"`

	// Direction selects followed edges: out, in, or both.
	// Default: out.
	Direction string `json:"direction,omitempty"`

	// MaxDepth is the hop bound. Default: 2.
	MaxDepth int `json:"max_depth,omitempty"`

	// FanOut caps neighbors expanded per node.
	FanOut int `json:"fan_out,omitempty"`

	// Kinds filters followed edge kinds by name. Empty follows all.
	Kinds []string `json:"kinds,omitempty"`

	// NodeBudget caps total visited nodes.
	NodeBudget int `json:"node_budget,omitempty"`

	// Snapshot pins the read. Empty reads the current snapshot.
	Snapshot string `json:"snapshot,omitempty"`
}

// TraverseResponse carries one bounded expansion.
type TraverseResponse struct {
	// SnapshotID is the snapshot the expansion ran against.
	SnapshotID string `json:"snapshot_id"`

	// Traversal is the visited subgraph.
	Traversal *store.Traversal `json:"traversal"`
}

// RetrieveRequest asks for ranked edit context.
//
// Callers supply seeds, a precomputed embedding, free text, or any
// combination. Text is embedded server-side when an embedder is
// configured.
type RetrieveRequest struct {
	// Seeds are node ids to expand structurally.
	Seeds []string `json:"seeds,omitempty"`

	// Query is free text for similarity search.
	Query string `json:"query,omitempty"`

	// Embedding is a precomputed query vector. Takes precedence over
	// Query.
	Embedding []float32 `json:"embedding,omitempty"`

	// HopLimit overrides the BFS depth.
	HopLimit int `json:"hop_limit,omitempty"`

	// FanOut overrides the per-node expansion cap.
	FanOut int `json:"fan_out,omitempty"`

	// K overrides the similarity result count.
	K int `json:"k,omitempty"`

	// MaxResults overrides the result count budget.
	MaxResults int `json:"max_results,omitempty"`

	// MaxBytes overrides the payload byte budget.
	MaxBytes int `json:"max_bytes,omitempty"`
}

// RowsResponse lists candidate rows.
type RowsResponse struct {
	// Rows is the filtered row set, ascending by node id.
	Rows []codegraph.Row `json:"rows"`

	// Total is len(Rows).
	Total int `json:"total"`
}

// DiffResponse carries one row's current-versus-future unified diff.
type DiffResponse struct {
	// NodeID is the row the diff belongs to.
	NodeID isg.NodeID `json:"node_id"`

	// Diff is the unified diff text. Empty when current and future
	// match.
	Diff string `json:"diff"`
}

// RunsResponse lists a row's validation runs, newest last.
type RunsResponse struct {
	// NodeID is the row the runs belong to.
	NodeID isg.NodeID `json:"node_id"`

	// Runs is the recorded history.
	Runs []codegraph.ValidationRun `json:"runs"`
}

// SnapshotsResponse lists committed snapshots.
type SnapshotsResponse struct {
	// Current is the snapshot live reads resolve against. Empty before
	// the first build.
	Current string `json:"current,omitempty"`

	// Snapshots is every committed snapshot, oldest first.
	Snapshots []isg.Snapshot `json:"snapshots"`
}

// OrphansResponse lists quarantined edges for one snapshot.
type OrphansResponse struct {
	// SnapshotID is the snapshot the quarantine belongs to.
	SnapshotID string `json:"snapshot_id"`

	// Orphans is the quarantined edge set.
	Orphans []store.OrphanEdge `json:"orphans"`

	// Total is len(Orphans).
	Total int `json:"total"`
}

// FutureRequest attaches or replaces a row's candidate code.
type FutureRequest struct {
	// Action classifies the candidate: create, edit, or delete.
	// Ignored when Patch is set.
	Action string `json:"action,omitempty"`

	// Code is the candidate source. Required for create and edit
	// unless Patch is set; ignored for delete.
	Code string `json:"code,omitempty"`

	// Patch is a unified diff against the row's current code, applied
	// server-side instead of Code. Only valid for edits.
	Patch string `json:"patch,omitempty"`

	// File is the workspace-relative target file, required when the
	// action is create and the graph has not seen the node.
	File string `json:"file,omitempty"`
}

// ApprovalRequest asks for a token covering an exact id set.
type ApprovalRequest struct {
	// NodeIDs is the row set the token must cover. Every row must be
	// ReadyToApply.
	NodeIDs []string `json:"node_ids" binding:"required"`
}

// ApplyRequest promotes the rows covered by a token.
type ApplyRequest struct {
	// Token is an unexpired approval covering the promoted set.
	Token string `json:"token" binding:"required"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	// Status is "healthy" when the server is up.
	Status string `json:"status"`

	// Version is the API version.
	Version string `json:"version"`

	// SnapshotID is the current graph snapshot. Empty before the
	// first build.
	SnapshotID string `json:"snapshot_id,omitempty"`
}
