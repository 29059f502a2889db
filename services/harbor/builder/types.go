// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"runtime"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Options configures a Builder.
type Options struct {
	// Root is the workspace directory to index. Required.
	Root string

	// Workers bounds concurrent file analysis. Default: NumCPU,
	// capped at 8.
	Workers int

	// MaxAttempts is how many times one file's analysis is tried
	// before it is recorded as failed and the build moves on.
	// Default: 2.
	MaxAttempts int

	// IncludePrivate controls whether unexported declarations become
	// nodes. Default: true.
	IncludePrivate bool
}

// Option is a functional option for configuring a Builder.
type Option func(*Options)

// WithWorkers sets the analysis parallelism.
func WithWorkers(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Workers = n
		}
	}
}

// WithMaxAttempts sets the per-file attempt bound.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithIncludePrivate controls extraction of unexported declarations.
func WithIncludePrivate(include bool) Option {
	return func(o *Options) {
		o.IncludePrivate = include
	}
}

// defaultOptions returns the builder defaults for a workspace root.
func defaultOptions(root string) Options {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return Options{
		Root:           root,
		Workers:        workers,
		MaxAttempts:    2,
		IncludePrivate: true,
	}
}

// FileFailure records one file whose analysis failed after the attempt
// bound. The build continues without it.
type FileFailure struct {
	// Path is the workspace-relative file path.
	Path string `json:"path"`

	// Attempts is how many times analysis was tried.
	Attempts int `json:"attempts"`

	// Err is the final attempt's error text.
	Err string `json:"error"`
}

// Result summarizes one build.
type Result struct {
	// Snapshot is the committed snapshot record.
	Snapshot isg.Snapshot `json:"snapshot"`

	// Failures lists files excluded after repeated analysis failures.
	Failures []FileFailure `json:"failures,omitempty"`

	// FilesAnalyzed counts files that went through the analyzer.
	FilesAnalyzed int `json:"files_analyzed"`

	// FilesReused counts files served from the unchanged-result cache.
	FilesReused int `json:"files_reused"`

	// Warnings carries non-fatal assembly diagnostics, such as a
	// dependency cycle broken during edge resolution.
	Warnings []string `json:"warnings,omitempty"`

	// Duration is the wall time of the whole build.
	Duration time.Duration `json:"duration"`
}
