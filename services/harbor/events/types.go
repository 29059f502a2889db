// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the in-process event stream: builds, row
// transitions, gate stage results, promotions.
//
// Events let the API's websocket feed, the watch TUI, and tests
// observe the pipeline without coupling to its packages.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use. Event
//	structs are immutable after publication.
package events

import (
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeBuildStarted is emitted when a graph build begins.
	TypeBuildStarted Type = "build_started"

	// TypeBuildFinished is emitted when a graph build completes,
	// successfully or not.
	TypeBuildFinished Type = "build_finished"

	// TypeRowTransition is emitted when a code row changes state.
	TypeRowTransition Type = "row_transition"

	// TypeStageResult is emitted when a gate stage records an outcome.
	TypeStageResult Type = "stage_result"

	// TypePromoted is emitted when a candidate set is applied to the
	// working tree.
	TypePromoted Type = "promoted"

	// TypeReverted is emitted when a promotion is rolled back after
	// failed re-verification.
	TypeReverted Type = "reverted"
)

// Event is one item on the stream.
//
// # Description
//
// Each event has a type that determines the structure of its Data
// field. Use the matching typed data struct (BuildFinishedData,
// RowTransitionData, ...) when setting Data so websocket consumers get
// a stable shape.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Data contains event-specific data.
	Data any `json:"data,omitempty"`
}

// BuildStartedData is the data for build start events.
type BuildStartedData struct {
	// Root is the workspace being indexed.
	Root string `json:"root"`

	// Incremental is true for delta rebuilds.
	Incremental bool `json:"incremental"`
}

// BuildFinishedData is the data for build completion events.
type BuildFinishedData struct {
	// SnapshotID is the committed snapshot, empty when the build
	// failed before commit.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Nodes and Edges count the committed graph.
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`

	// Orphans counts quarantined dangling edges.
	Orphans int `json:"orphans"`

	// Incremental is true for delta rebuilds.
	Incremental bool `json:"incremental"`

	// DurationMilli is the build wall time.
	DurationMilli int64 `json:"duration_milli"`

	// Err is the failure text, empty on success.
	Err string `json:"error,omitempty"`
}

// RowTransitionData is the data for row state changes.
type RowTransitionData struct {
	// NodeID is the row that moved.
	NodeID isg.NodeID `json:"node_id"`

	// From and To are row state names.
	From string `json:"from"`
	To   string `json:"to"`

	// Reason explains the transition when it was not caller-driven,
	// such as a supersession.
	Reason string `json:"reason,omitempty"`
}

// StageResultData is the data for gate stage outcomes.
type StageResultData struct {
	// NodeID is the row under validation.
	NodeID isg.NodeID `json:"node_id"`

	// RunID is the validation run the stage belongs to.
	RunID string `json:"run_id"`

	// Stage and Outcome are their enum names.
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`

	// DurationMilli is the stage wall time.
	DurationMilli int64 `json:"duration_milli"`

	// Diagnostics counts hard diagnostics for overlay failures.
	Diagnostics int `json:"diagnostics,omitempty"`
}

// PromotedData is the data for successful promotions.
type PromotedData struct {
	// CommitID labels the promotion.
	CommitID string `json:"commit_id"`

	// NodeIDs is the promoted set.
	NodeIDs []isg.NodeID `json:"node_ids"`

	// SnapshotID is the post-promotion rebuild's snapshot.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// RevertedData is the data for rolled-back promotions.
type RevertedData struct {
	// CommitID labels the promotion that was rolled back.
	CommitID string `json:"commit_id"`

	// NodeIDs is the reverted set.
	NodeIDs []isg.NodeID `json:"node_ids"`

	// Reason is what re-verification reported.
	Reason string `json:"reason"`
}
