// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Default limits applied by NewTracker.
const (
	// DefaultMaxFileSize caps hashed files at 100MB.
	DefaultMaxFileSize = 100 * 1024 * 1024

	// DefaultMaxRetries bounds re-reads of a file that changed while
	// being hashed.
	DefaultMaxRetries = 3
)

// FileEntry is one tracked file: its root-relative path, content hash,
// and the stat fields used for cheap change detection.
type FileEntry struct {
	// Path is relative to the workspace root, forward slashes.
	Path string `json:"path"`

	// Hash is the lowercase hex SHA-256 of the file content.
	Hash string `json:"hash"`

	// Mtime is the modification time in nanoseconds at hash time.
	Mtime int64 `json:"mtime"`

	// Size is the file size in bytes at hash time.
	Size int64 `json:"size"`
}

// Validate checks the entry for a usable path and well-formed hash.
func (e FileEntry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("file entry has empty path")
	}
	if len(e.Hash) != 64 {
		return fmt.Errorf("%w: %s has %d chars, want 64", ErrInvalidHash, e.Path, len(e.Hash))
	}
	for _, c := range e.Hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %s contains %q", ErrInvalidHash, e.Path, c)
		}
	}
	return nil
}

// Manifest is the hash snapshot of one workspace scan.
//
// # Thread Safety
//
// Not safe for concurrent modification. Build it, then share it
// read-only.
type Manifest struct {
	// Root is the absolute workspace root the scan ran against.
	Root string `json:"root"`

	// Files maps root-relative path to its entry.
	Files map[string]FileEntry `json:"files"`

	// Errors holds the non-fatal failures encountered.
	Errors []ScanError `json:"errors,omitempty"`

	// CreatedAtMilli is when this manifest was created.
	CreatedAtMilli int64 `json:"created_at_milli"`

	// UpdatedAtMilli is when the scan finished.
	UpdatedAtMilli int64 `json:"updated_at_milli"`

	// Incomplete is set when the scan was cancelled before finishing.
	// An incomplete manifest must not be used as a diff baseline.
	Incomplete bool `json:"incomplete,omitempty"`
}

// NewManifest creates an empty manifest for the given root.
func NewManifest(root string) *Manifest {
	return &Manifest{
		Root:           root,
		Files:          make(map[string]FileEntry),
		CreatedAtMilli: time.Now().UnixMilli(),
	}
}

// FileCount returns the number of tracked files.
func (m *Manifest) FileCount() int {
	return len(m.Files)
}

// ErrorCount returns the number of recorded scan failures.
func (m *Manifest) ErrorCount() int {
	return len(m.Errors)
}

// HasErrors reports whether any file failed to scan.
func (m *Manifest) HasErrors() bool {
	return len(m.Errors) > 0
}

// Paths returns the tracked paths in sorted order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Encode serializes the manifest for persistence alongside a graph
// snapshot.
func (m *Manifest) Encode() ([]byte, error) {
	for i := range m.Errors {
		if m.Errors[i].Err != nil {
			m.Errors[i].Reason = m.Errors[i].Err.Error()
		}
	}
	return json.Marshal(m)
}

// DecodeManifest restores a manifest persisted with Encode.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = make(map[string]FileEntry)
	}
	return &m, nil
}

// Changes is the outcome of diffing two manifests. Each slice holds
// root-relative paths in sorted order.
type Changes struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// HasChanges reports whether any file differs.
func (c *Changes) HasChanges() bool {
	return len(c.Added)+len(c.Modified)+len(c.Deleted) > 0
}

// IsEmpty is the inverse of HasChanges.
func (c *Changes) IsEmpty() bool {
	return !c.HasChanges()
}

// Count returns the total number of changed paths.
func (c *Changes) Count() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// Touched returns every changed path that still exists, the set a
// rebuild must re-analyze.
func (c *Changes) Touched() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	sort.Strings(out)
	return out
}
