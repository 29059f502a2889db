// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch drives incremental rebuilds from filesystem events.
//
// # Description
//
// A Watcher observes a workspace root with fsnotify, coalesces the raw
// event stream through a debounce window (so a save storm becomes one
// batch), and feeds batches to an incremental rebuild loop throttled by a
// rate limiter. Registered callbacks see every coalesced batch, whether or
// not a rebuild runs for it.
//
// The workspace manifest diff inside the rebuild decides what actually
// changed; the watcher's own filtering only keeps editor noise out of the
// pipeline.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/builder"
)

// Change represents one coalesced file system change.
type Change struct {
	// Path is the absolute path to the changed file.
	Path string `json:"path"`

	// Op is the type of change.
	Op Op `json:"op"`

	// Time is when the change was detected.
	Time time.Time `json:"time"`
}

// Op represents the type of file operation.
type Op int

const (
	// OpCreate indicates a file was created.
	OpCreate Op = iota

	// OpWrite indicates a file was modified.
	OpWrite

	// OpRemove indicates a file was deleted.
	OpRemove

	// OpRename indicates a file was renamed.
	OpRename
)

// String returns the string representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Rebuilder runs one incremental rebuild pass. *builder.Builder satisfies
// this.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*builder.Result, error)
}

// Config configures a Watcher.
type Config struct {
	// DebounceWindow is how long to wait for more changes before
	// flushing a batch. Default 100ms.
	DebounceWindow time.Duration

	// MinRebuildInterval is the floor between two rebuild passes.
	// Batches flushed faster than this are merged into the next pass.
	// Default 2s.
	MinRebuildInterval time.Duration

	// IgnorePatterns are names or glob patterns never forwarded.
	// Defaults cover VCS metadata, dependency trees, and editor
	// droppings, matching what build discovery skips.
	IgnorePatterns []string

	// BufferSize is the capacity of the raw change channel. Default 1000.
	BufferSize int
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:     100 * time.Millisecond,
		MinRebuildInterval: 2 * time.Second,
		IgnorePatterns: []string{
			".git", "vendor", "node_modules", "testdata",
			".idea", "*.swp", "*.tmp", "__pycache__",
		},
		BufferSize: 1000,
	}
}

// Validate checks the configuration for correctness.
//
// # Outputs
//
//   - error: nil if valid, descriptive error otherwise.
func (c *Config) Validate() error {
	if c.DebounceWindow < 0 {
		return fmt.Errorf("watch: DebounceWindow must not be negative, got %v", c.DebounceWindow)
	}
	if c.MinRebuildInterval < 0 {
		return fmt.Errorf("watch: MinRebuildInterval must not be negative, got %v", c.MinRebuildInterval)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("watch: BufferSize must not be negative, got %d", c.BufferSize)
	}
	return nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.DebounceWindow == 0 {
		c.DebounceWindow = defaults.DebounceWindow
	}
	if c.MinRebuildInterval == 0 {
		c.MinRebuildInterval = defaults.MinRebuildInterval
	}
	if c.IgnorePatterns == nil {
		c.IgnorePatterns = defaults.IgnorePatterns
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaults.BufferSize
	}
}
