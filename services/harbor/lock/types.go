// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock guards a Harbor data directory against concurrent writers.
//
// # Description
//
// A Manager places an advisory flock on a well-known file inside the data
// directory and mirrors the holder's identity (PID, session, TTL) as JSON
// into that same file. The flock is the source of truth: the kernel releases
// it when the holder exits, however abruptly. The JSON metadata exists so a
// process that fails to acquire can report who holds the workspace, and so
// leftovers from a crashed holder can be recognized and cleared.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Two Managers on the same directory
// exclude each other even within a single process, because each open of the
// lock file creates a separate flock owner.
package lock

import (
	"fmt"
	"os"
	"time"
)

const (
	// LockFileName is the well-known lock file inside a data directory.
	LockFileName = "harbor.lock"

	// DefaultTTL bounds how long lock metadata is trusted after the holder
	// stops refreshing it. The flock itself never expires while the holder
	// lives; the TTL only affects how stale leftovers are judged.
	DefaultTTL = time.Hour
)

// Config configures a workspace lock Manager.
type Config struct {
	// Dir is the data directory to guard. Required.
	Dir string

	// SessionID identifies the holder in lock metadata.
	// Defaults to "harbor-<pid>".
	SessionID string

	// TTL is the freshness window stamped into lock metadata.
	// Defaults to DefaultTTL.
	TTL time.Duration

	// CleanupOnInit clears stale metadata left by crashed holders when the
	// Manager is constructed.
	CleanupOnInit bool
}

// DefaultConfig returns a Config with production defaults. Dir must still be
// set by the caller.
func DefaultConfig() Config {
	return Config{
		TTL: DefaultTTL,
	}
}

// Validate checks the configuration for correctness.
//
// # Outputs
//
//   - error: nil if valid, descriptive error otherwise.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("lock: Dir is required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("lock: TTL must not be negative, got %v", c.TTL)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = fmt.Sprintf("harbor-%d", os.Getpid())
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
}

// Info is the JSON metadata written into a held lock file.
type Info struct {
	Dir       string    `json:"dir"`
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// IsExpired reports whether the metadata's freshness window has passed.
func (i *Info) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// Stale reports whether the metadata no longer corresponds to a live holder:
// either the freshness window has passed or the recorded process is gone.
func (i *Info) Stale() bool {
	return i.IsExpired() || !IsProcessAlive(i.PID)
}
