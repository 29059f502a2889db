// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest tracks the source files that feed the signature
// graph. A Manifest is a hash snapshot of every tracked file under a
// workspace root; diffing two manifests yields the added, modified,
// and deleted sets that drive incremental graph builds.
//
// # Design Principles
//
// Paths are validated against the workspace root before any file is
// touched. Hashing is TOCTOU-safe: a file that changes while being
// read is retried and eventually reported unstable rather than hashed
// wrong. Change detection is mtime-first so an unchanged tree costs
// one stat per file.
//
// # Thread Safety
//
// Tracker is safe for concurrent use. A Manifest is not safe for
// concurrent modification after creation.
package manifest

import (
	"errors"
	"fmt"
)

// Sentinel errors for manifest operations.
var (
	// ErrPathEscapesRoot is returned when a path resolves outside the
	// workspace root. Nothing outside the root is ever read.
	ErrPathEscapesRoot = errors.New("path escapes workspace root")

	// ErrFileTooLarge is returned when a file exceeds the configured
	// size cap. Oversized files are recorded and skipped, not hashed.
	ErrFileTooLarge = errors.New("file too large to hash")

	// ErrFileUnstable is returned when a file keeps changing across
	// every hashing attempt. The file is being actively written.
	ErrFileUnstable = errors.New("file changed during hashing")

	// ErrInvalidHash is returned for a malformed stored hash. Valid
	// hashes are exactly 64 lowercase hex characters.
	ErrInvalidHash = errors.New("invalid hash format")

	// ErrSymlinkCycle is returned when symlink resolution revisits an
	// inode already on the walk.
	ErrSymlinkCycle = errors.New("symlink cycle detected")

	// ErrInvalidRoot is returned when the workspace root is missing or
	// not a directory.
	ErrInvalidRoot = errors.New("invalid workspace root")
)

// ScanError records a non-fatal failure against a single file. The
// scan keeps going; callers inspect Manifest.Errors afterwards.
type ScanError struct {
	// Path is the root-relative path that failed.
	Path string `json:"path"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Reason preserves the cause across JSON round-trips since error
	// values do not survive unmarshalling.
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is support.
func (e ScanError) Unwrap() error {
	return e.Err
}
