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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// =============================================================================
// SHADOW RUNNER
// =============================================================================

// defaultMaxToolOutput is the maximum tool output to capture per command.
const defaultMaxToolOutput = 64 * 1024 // 64KB

// goFailLinePattern matches per-test failure lines in `go test -v` output.
var goFailLinePattern = regexp.MustCompile(`^--- FAIL: (\S+)`)

// NodeResolver maps a node id to its graph node. The shadow runner uses
// it to turn selected test ids into runnable test names and packages.
type NodeResolver func(ctx context.Context, id isg.NodeID) (*isg.InterfaceNode, error)

// ShadowRunner executes the Go toolchain against a materialized shadow
// of an overlay. It implements both BuildRunner and TestRunner and never
// writes to the workspace itself: each call builds its own hardlinked
// shadow tree and removes it when the command finishes.
//
// A non-zero exit from the tool is a verdict, not an error: Build
// reports it as Success=false and Run reports it through Failed. Errors
// are reserved for infrastructure failures such as a missing toolchain
// or an unmaterializable overlay.
//
// # Thread Safety
//
// Safe for concurrent use. Each call operates on its own shadow.
type ShadowRunner struct {
	resolve   NodeResolver
	logger    *slog.Logger
	maxOutput int
}

// NewShadowRunner creates a runner that resolves test ids through
// resolve.
//
// # Inputs
//
//   - resolve: maps node ids to graph nodes; required
//   - logger: structured logger; defaults to slog.Default()
//
// # Outputs
//
//   - *ShadowRunner: the runner
//   - error: ErrNoResolver when resolve is nil
func NewShadowRunner(resolve NodeResolver, logger *slog.Logger) (*ShadowRunner, error) {
	if resolve == nil {
		return nil, ErrNoResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShadowRunner{
		resolve:   resolve,
		logger:    logger.With(slog.String("component", "gate.shadow")),
		maxOutput: defaultMaxToolOutput,
	}, nil
}

// Build compiles the overlay in a shadow tree with `go build ./...`.
//
// # Inputs
//
//   - ctx: carries the stage budget
//   - overlay: the candidate overlay to compile
//
// # Outputs
//
//   - *BuildReport: compiler verdict with captured output
//   - error: non-nil on infrastructure failure, including ctx expiry
func (r *ShadowRunner) Build(ctx context.Context, overlay *Overlay) (*BuildReport, error) {
	shadow, cleanup, err := overlay.Materialize()
	if err != nil {
		return nil, fmt.Errorf("materialize overlay: %w", err)
	}
	defer cleanup()

	out, exitCode, err := r.run(ctx, shadow, "go", "build", "./...")
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Shadow build finished",
		slog.Bool("success", exitCode == 0),
		slog.Int("exit_code", exitCode),
		slog.Int("output_bytes", len(out)),
	)
	return &BuildReport{Success: exitCode == 0, Output: out}, nil
}

// Run executes the selected tests in a shadow tree, one `go test`
// invocation per package directory.
//
// # Inputs
//
//   - ctx: carries the stage budget
//   - overlay: the candidate overlay
//   - tests: ids of test function nodes to run; empty runs nothing
//
// # Outputs
//
//   - *TestReport: names of failing tests and combined output
//   - error: non-nil on infrastructure failure, including ctx expiry
func (r *ShadowRunner) Run(ctx context.Context, overlay *Overlay, tests []isg.NodeID) (*TestReport, error) {
	report := &TestReport{}
	if len(tests) == 0 {
		return report, nil
	}

	// Resolve ids before paying for the shadow; a dangling id is an
	// infrastructure failure, not a test verdict.
	byDir := make(map[string][]string)
	for _, id := range tests {
		node, err := r.resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve test %s: %w", id, err)
		}
		dir := path.Dir(node.FilePath)
		byDir[dir] = append(byDir[dir], node.Name)
	}

	shadow, cleanup, err := overlay.Materialize()
	if err != nil {
		return nil, fmt.Errorf("materialize overlay: %w", err)
	}
	defer cleanup()

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var combined strings.Builder
	for _, dir := range dirs {
		names := byDir[dir]
		sort.Strings(names)
		out, exitCode, err := r.run(ctx, shadow,
			"go", "test", "-v", "-run", testNamePattern(names), "./"+dir)
		combined.WriteString(out)
		if err != nil {
			return nil, err
		}
		report.Ran += len(names)
		if exitCode != 0 {
			failed := parseFailedTests(out)
			if len(failed) == 0 {
				// Package-level failure with no per-test line; charge
				// every selected test in the package.
				failed = names
			}
			report.Failed = append(report.Failed, failed...)
		}
	}
	sort.Strings(report.Failed)
	report.Output = combined.String()

	r.logger.Debug("Shadow tests finished",
		slog.Int("ran", report.Ran),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// run executes a command in dir with output capped at maxOutput.
func (r *ShadowRunner) run(ctx context.Context, dir, command string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir

	var out bytes.Buffer
	limited := &limitedWriter{w: &out, limit: r.maxOutput}
	cmd.Stdout = limited
	cmd.Stderr = limited

	r.logger.Debug("Executing command",
		slog.String("command", command),
		slog.Any("args", args),
		slog.String("dir", dir),
	)

	err := cmd.Run()

	// Context expiry outranks the exit status: a killed process reports
	// a nonzero exit that is not a tool verdict.
	if ctx.Err() != nil {
		return out.String(), -1, ctx.Err()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out.String(), exitErr.ExitCode(), nil
		}
		return out.String(), -1, fmt.Errorf("command execution failed: %w", err)
	}
	return out.String(), 0, nil
}

// testNamePattern builds the -run anchor for an exact set of test names.
func testNamePattern(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

// parseFailedTests extracts failing test names from `go test -v` output.
func parseFailedTests(output string) []string {
	var failed []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if matches := goFailLinePattern.FindStringSubmatch(line); len(matches) > 1 {
			failed = append(failed, matches[1])
		}
	}
	return failed
}

// =============================================================================
// LIMITED WRITER
// =============================================================================

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil // Silently discard
	}

	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}

	n, err = lw.w.Write(p)
	lw.written += n
	return len(p), err // Return original length to avoid breaking callers
}
