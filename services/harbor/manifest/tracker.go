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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// Tracker scans a workspace into manifests and diffs them.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	hasher         Hasher
	matcher        *GlobMatcher
	maxFileSize    int64
	followSymlinks bool
	maxRetries     int
}

// NewTracker creates a Tracker.
//
// Defaults: Go sources only (DefaultIncludes/DefaultExcludes), 100MB
// size cap, symlinks not followed, three hash retries.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		maxFileSize: DefaultMaxFileSize,
		maxRetries:  DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.hasher == nil {
		t.hasher = NewSHA256Hasher(t.maxFileSize)
	}
	if t.matcher == nil {
		t.matcher = NewGlobMatcher(DefaultIncludes, DefaultExcludes)
	}
	return t
}

// WithIncludes replaces the include patterns.
func WithIncludes(patterns ...string) TrackerOption {
	return func(t *Tracker) {
		excludes := DefaultExcludes
		if t.matcher != nil {
			excludes = t.matcher.excludes
		}
		t.matcher = NewGlobMatcher(patterns, excludes)
	}
}

// WithExcludes replaces the exclude patterns.
func WithExcludes(patterns ...string) TrackerOption {
	return func(t *Tracker) {
		includes := DefaultIncludes
		if t.matcher != nil {
			includes = t.matcher.includes
		}
		t.matcher = NewGlobMatcher(includes, patterns)
	}
}

// WithMaxFileSize sets the hashing size cap in bytes.
func WithMaxFileSize(bytes int64) TrackerOption {
	return func(t *Tracker) {
		t.maxFileSize = bytes
	}
}

// WithFollowSymlinks enables following symlinks inside the root.
func WithFollowSymlinks(follow bool) TrackerOption {
	return func(t *Tracker) {
		t.followSymlinks = follow
	}
}

// WithHasher replaces the content hasher.
func WithHasher(h Hasher) TrackerOption {
	return func(t *Tracker) {
		t.hasher = h
	}
}

// inodeKey identifies a file for symlink cycle detection.
type inodeKey struct {
	dev uint64
	ino uint64
}

func inodeOf(info os.FileInfo) inodeKey {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return inodeKey{dev: uint64(stat.Dev), ino: stat.Ino}
	}
	return inodeKey{}
}

// ValidatePath rejects paths that resolve outside the workspace root.
func ValidatePath(root, path string) error {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	rel, err := filepath.Rel(root, filepath.Clean(abs))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathEscapesRoot, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	return nil
}

// Scan walks the workspace and builds a manifest of tracked files.
//
// # Description
//
// Recursively walks root, prunes excluded directories, and hashes
// every matching file. Per-file failures (no permission, oversized,
// unstable) go into Manifest.Errors and the scan continues.
//
// # Inputs
//
//   - ctx: Cancellation. A cancelled scan returns the partial
//     manifest with Incomplete set.
//   - root: Workspace root directory.
//
// # Outputs
//
//   - *Manifest: Never nil on nil error.
//   - error: ErrInvalidRoot when root is missing or not a directory.
func (t *Tracker) Scan(ctx context.Context, root string) (*Manifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}

	m := NewManifest(absRoot)
	visited := make(map[inodeKey]bool)

	if err := t.scanDir(ctx, absRoot, absRoot, m, visited); err != nil {
		if ctx.Err() != nil {
			m.Incomplete = true
			return m, nil
		}
		return m, err
	}

	m.UpdatedAtMilli = time.Now().UnixMilli()
	return m, nil
}

// scanDir scans one directory level. Entries are processed in sorted
// order so scan errors list deterministically.
func (t *Tracker) scanDir(ctx context.Context, root, dir string, m *Manifest, visited map[inodeKey]bool) error {
	if err := ctx.Err(); err != nil {
		m.Incomplete = true
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		rel, _ := filepath.Rel(root, dir)
		m.Errors = append(m.Errors, ScanError{Path: filepath.ToSlash(rel), Err: err})
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			m.Incomplete = true
			return err
		}

		path := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(root, path)
		if err != nil {
			m.Errors = append(m.Errors, ScanError{Path: path, Err: err})
			continue
		}
		relSlash := filepath.ToSlash(rel)

		info, err := os.Lstat(path)
		if err != nil {
			m.Errors = append(m.Errors, ScanError{Path: relSlash, Err: err})
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, targetInfo, err := t.resolveSymlink(root, path, relSlash, m, visited)
			if err != nil || target == "" {
				continue
			}
			path = target
			info = targetInfo
		}

		if info.IsDir() {
			if !t.matcher.ExcludesDir(relSlash) {
				if err := t.scanDir(ctx, root, path, m, visited); err != nil {
					return err
				}
			}
			continue
		}

		if !t.matcher.Match(relSlash) {
			continue
		}
		if t.maxFileSize > 0 && info.Size() > t.maxFileSize {
			m.Errors = append(m.Errors, ScanError{
				Path: relSlash,
				Err:  fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size()),
			})
			continue
		}

		fe, err := t.hasher.HashFileAtomic(path, t.maxRetries)
		if err != nil {
			m.Errors = append(m.Errors, ScanError{Path: relSlash, Err: err})
			continue
		}
		fe.Path = relSlash
		m.Files[relSlash] = fe
	}

	return nil
}

// resolveSymlink follows a symlink when configured to, enforcing the
// root boundary and cycle detection. Returns ("", nil, nil) for links
// that are skipped rather than failed.
func (t *Tracker) resolveSymlink(root, path, relSlash string, m *Manifest, visited map[inodeKey]bool) (string, os.FileInfo, error) {
	if !t.followSymlinks {
		return "", nil, nil
	}

	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		m.Errors = append(m.Errors, ScanError{Path: relSlash, Err: err})
		return "", nil, err
	}
	if err := ValidatePath(root, target); err != nil {
		m.Errors = append(m.Errors, ScanError{Path: relSlash, Err: err})
		return "", nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		m.Errors = append(m.Errors, ScanError{Path: relSlash, Err: err})
		return "", nil, err
	}

	key := inodeOf(info)
	if visited[key] {
		err := fmt.Errorf("%w: %s", ErrSymlinkCycle, target)
		m.Errors = append(m.Errors, ScanError{Path: relSlash, Err: err})
		return "", nil, err
	}
	visited[key] = true

	return target, info, nil
}

// ScanFiles hashes an explicit root-relative file list into a
// manifest, skipping the walk. Used when discovery already happened
// elsewhere; the matcher is not consulted.
func (t *Tracker) ScanFiles(ctx context.Context, root string, files []string) (*Manifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	m := NewManifest(absRoot)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			m.Incomplete = true
			return m, nil
		}
		if err := ValidatePath(absRoot, rel); err != nil {
			m.Errors = append(m.Errors, ScanError{Path: rel, Err: err})
			continue
		}

		abs := filepath.Join(absRoot, filepath.FromSlash(rel))
		fe, err := t.hasher.HashFileAtomic(abs, t.maxRetries)
		if err != nil {
			m.Errors = append(m.Errors, ScanError{Path: rel, Err: err})
			continue
		}
		fe.Path = rel
		m.Files[rel] = fe
	}

	m.UpdatedAtMilli = time.Now().UnixMilli()
	return m, nil
}

// Matches reports whether a root-relative path is tracked by the
// configured patterns. Watchers use this to discard irrelevant events.
func (t *Tracker) Matches(path string) bool {
	return t.matcher.Match(path)
}

// Diff compares two manifests by content hash.
//
// A nil old manifest means everything in new is added. Slices in the
// result are sorted.
func (t *Tracker) Diff(old, new *Manifest) *Changes {
	c := &Changes{
		Added:    make([]string, 0),
		Modified: make([]string, 0),
		Deleted:  make([]string, 0),
	}

	if old == nil {
		for path := range new.Files {
			c.Added = append(c.Added, path)
		}
		sort.Strings(c.Added)
		return c
	}

	for path, ne := range new.Files {
		oe, ok := old.Files[path]
		switch {
		case !ok:
			c.Added = append(c.Added, path)
		case oe.Hash != ne.Hash:
			c.Modified = append(c.Modified, path)
		}
	}
	for path := range old.Files {
		if _, ok := new.Files[path]; !ok {
			c.Deleted = append(c.Deleted, path)
		}
	}

	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Deleted)
	return c
}

// QuickCheck reports whether a tracked file changed since hashing.
//
// # Description
//
// Mtime-first: matching mtime and size short-circuit to unchanged
// without re-reading. Deleted files report changed.
func (t *Tracker) QuickCheck(ctx context.Context, root string, entry FileEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidatePath(root, entry.Path); err != nil {
		return false, err
	}

	abs := filepath.Join(root, filepath.FromSlash(entry.Path))
	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if info.ModTime().UnixNano() == entry.Mtime && info.Size() == entry.Size {
		return false, nil
	}

	fresh, err := t.hasher.HashFileAtomic(abs, t.maxRetries)
	if err != nil {
		return false, err
	}
	return fresh.Hash != entry.Hash, nil
}
