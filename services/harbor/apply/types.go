// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply promotes approved candidate sets into the workspace
// and rolls them back when the workspace disagrees.
//
// The controller is the only component that writes source files. A
// promotion is: capture pre-images, promote the rows, splice the
// files, rebuild the graph, re-verify the result. Any failure after
// the row promotion restores both the files and the rows, so the
// workspace and the row table never drift apart.
package apply

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/builder"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/gate"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Rebuilder refreshes the interface graph after the workspace changes.
// *builder.Builder satisfies it.
type Rebuilder interface {
	Build(ctx context.Context) (*builder.Result, error)
}

// Runners are the re-verification stages run against the promoted
// workspace.
type Runners struct {
	// Checker reruns stage-1 diagnostics. Optional; nil skips it.
	Checker gate.OverlayChecker

	// Builder reruns the compile check. Required.
	Builder gate.BuildRunner
}

// Config tunes the apply controller.
type Config struct {
	// VerifyBudget bounds post-promotion re-verification, rebuild
	// included. Zero means 4 minutes.
	VerifyBudget time.Duration
}

// DefaultConfig returns the default apply configuration.
func DefaultConfig() Config {
	return Config{
		VerifyBudget: 4 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	if c.VerifyBudget <= 0 {
		c.VerifyBudget = 4 * time.Minute
	}
}

// Report describes one promotion attempt.
type Report struct {
	// CommitID labels the promotion on every touched row.
	CommitID string `json:"commit_id"`

	// NodeIDs is the promoted row set, ascending.
	NodeIDs []isg.NodeID `json:"node_ids"`

	// Files is the workspace-relative files written, sorted.
	Files []string `json:"files"`

	// SnapshotID is the post-promotion graph snapshot. Empty when the
	// promotion was reverted before a snapshot committed.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Reverted reports that re-verification failed and the promotion
	// was rolled back.
	Reverted bool `json:"reverted,omitempty"`

	// Reason is what failed, set only on revert.
	Reason string `json:"reason,omitempty"`

	// Duration is the promotion wall time.
	Duration time.Duration `json:"duration"`
}

// RevertRecord is the audit record of a rolled-back promotion.
type RevertRecord struct {
	// CommitID is the promotion that was rolled back.
	CommitID string `json:"commit_id"`

	// NodeIDs is the reverted row set.
	NodeIDs []isg.NodeID `json:"node_ids"`

	// Files is the workspace-relative files restored.
	Files []string `json:"files"`

	// Reason is what re-verification reported.
	Reason string `json:"reason"`

	// AtMilli is when the revert happened (Unix milliseconds UTC).
	AtMilli int64 `json:"at_milli"`
}

// rvtKey addresses a revert record. The prefix is disjoint from the
// graph store's ranges and the row table's.
func rvtKey(commitID string) []byte {
	return []byte("rvt:" + commitID)
}

var rvtKeyPrefix = []byte("rvt:")
