// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate validates candidates before they may touch the
// workspace: a sequential three-stage pipeline (overlay diagnostics,
// build, selective tests) that short-circuits on the first failure and
// records every stage through the code row audit trail.
//
// # Description
//
// The gate owns no state of its own. It reads rows, assembles an
// in-memory overlay of the changed files, and drives the row state
// machine via the code graph's validation operations. Stage runners
// sit behind interfaces so deployments choose their toolchain and
// tests inject fakes.
//
// # Thread Safety
//
// A Gate is safe for concurrent use. A weighted semaphore caps
// concurrent candidates; the stages of a single candidate are strictly
// sequential.
package gate

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Severity classifies a diagnostic.
type Severity int

const (
	// SeverityInfo is advisory output.
	SeverityInfo Severity = iota

	// SeverityWarning is suspicious but not disqualifying.
	SeverityWarning

	// SeverityError disqualifies the candidate.
	SeverityError

	// NumSeverities is the total number of severities (for array
	// sizing).
	NumSeverities
)

// severityNames maps Severity values to their string representations.
var severityNames = map[Severity]string{
	SeverityInfo:    "info",
	SeverityWarning: "warning",
	SeverityError:   "error",
}

// String returns the string representation of the Severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Diagnostic is one finding from the overlay stage.
type Diagnostic struct {
	// Path is the workspace-relative file the finding is in.
	Path string `json:"path"`

	// Line is the 1-based line, zero when unknown.
	Line int `json:"line,omitempty"`

	// Message describes the finding.
	Message string `json:"message"`

	// Severity classifies it. Only SeverityError fails the stage.
	Severity Severity `json:"severity"`
}

// BuildReport is the build stage's result.
type BuildReport struct {
	// Success reports a clean build.
	Success bool `json:"success"`

	// Output carries the tool output, trimmed for the audit trail.
	Output string `json:"output,omitempty"`
}

// TestReport is the test stage's result.
type TestReport struct {
	// Ran counts executed tests.
	Ran int `json:"ran"`

	// Failed names the failing tests, empty on success.
	Failed []string `json:"failed,omitempty"`

	// Output carries the tool output, trimmed for the audit trail.
	Output string `json:"output,omitempty"`
}

// OverlayChecker is the stage-1 runner: diagnostics over the overlay
// without touching the workspace.
type OverlayChecker interface {
	Check(ctx context.Context, overlay *Overlay) ([]Diagnostic, error)
}

// BuildRunner is the stage-2 runner: compile the overlay.
type BuildRunner interface {
	Build(ctx context.Context, overlay *Overlay) (*BuildReport, error)
}

// TestRunner is the stage-3 runner: execute the selected tests against
// the overlay.
type TestRunner interface {
	Run(ctx context.Context, overlay *Overlay, tests []isg.NodeID) (*TestReport, error)
}

// Config tunes the gate.
type Config struct {
	// MaxConcurrent caps candidates validating at once. Default: 4.
	MaxConcurrent int64

	// OverlayBudget bounds stage 1. Default: 10s.
	OverlayBudget time.Duration

	// BuildBudget bounds stage 2. Default: 2m.
	BuildBudget time.Duration

	// TestBudget bounds stage 3. Default: 5m.
	TestBudget time.Duration

	// BlastHops bounds the radius traversal for test selection.
	// Default: 2.
	BlastHops int

	// MetricsEnabled controls metric recording.
	MetricsEnabled bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		OverlayBudget:  10 * time.Second,
		BuildBudget:    2 * time.Minute,
		TestBudget:     5 * time.Minute,
		BlastHops:      2,
		MetricsEnabled: true,
	}
}

// applyDefaults fills zero fields with defaults.
func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.OverlayBudget <= 0 {
		c.OverlayBudget = 10 * time.Second
	}
	if c.BuildBudget <= 0 {
		c.BuildBudget = 2 * time.Minute
	}
	if c.TestBudget <= 0 {
		c.TestBudget = 5 * time.Minute
	}
	if c.BlastHops <= 0 {
		c.BlastHops = 2
	}
}
