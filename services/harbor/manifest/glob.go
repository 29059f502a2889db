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
	"path/filepath"
	"strings"
)

// Default patterns for graph-relevant sources.
var (
	// DefaultIncludes tracks Go sources. Test files are tracked on
	// purpose: the selective test stage needs them in the graph.
	DefaultIncludes = []string{
		"**/*.go",
	}

	// DefaultExcludes skips dependency trees, fixtures, and our own
	// state directory.
	DefaultExcludes = []string{
		"vendor/**",
		"node_modules/**",
		".git/**",
		".harbor/**",
		"**/testdata/**",
	}
)

// GlobMatcher filters paths against include and exclude patterns.
//
// Patterns use slash-separated glob syntax where * matches within one
// segment, ** matches any number of segments, ? matches one character,
// and [abc] matches a character class. A pattern with no slash also
// matches against the bare file name, so "*.go" works anywhere in the
// tree.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type GlobMatcher struct {
	includes []string
	excludes []string
}

// NewGlobMatcher creates a matcher. Empty includes means everything
// not excluded is tracked.
func NewGlobMatcher(includes, excludes []string) *GlobMatcher {
	return &GlobMatcher{includes: includes, excludes: excludes}
}

// Match reports whether a root-relative path should be tracked.
// Excludes win over includes.
func (m *GlobMatcher) Match(path string) bool {
	path = filepath.ToSlash(path)

	for _, pattern := range m.excludes {
		if matchGlob(pattern, path) {
			return false
		}
	}

	if len(m.includes) == 0 {
		return true
	}
	for _, pattern := range m.includes {
		if matchGlob(pattern, path) {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether a directory (and so its whole subtree)
// is excluded. Used to prune the walk before descending.
func (m *GlobMatcher) ExcludesDir(dir string) bool {
	dir = filepath.ToSlash(dir)
	for _, pattern := range m.excludes {
		if matchGlob(pattern, dir) {
			return true
		}
	}
	return false
}

// matchGlob matches a slash path against a glob pattern, segment by
// segment. A slash-free pattern also tries the bare file name.
func matchGlob(pattern, path string) bool {
	ps := strings.Split(pattern, "/")
	xs := strings.Split(path, "/")

	if matchSegments(ps, xs) {
		return true
	}
	if len(ps) == 1 && len(xs) > 1 {
		ok, _ := filepath.Match(pattern, xs[len(xs)-1])
		return ok
	}
	return false
}

// matchSegments walks pattern and path segments in lockstep. A **
// segment consumes zero or more path segments; an empty trailing
// pattern after ** matches everything below, including the directory
// itself.
func matchSegments(ps, xs []string) bool {
	for len(ps) > 0 {
		p := ps[0]
		if p == "**" {
			rest := ps[1:]
			if len(rest) == 0 {
				// "vendor/**" reaches here for the bare "vendor"
				// directory too, which is what prunes the subtree.
				return true
			}
			for i := 0; i <= len(xs); i++ {
				if matchSegments(rest, xs[i:]) {
					return true
				}
			}
			return false
		}
		if len(xs) == 0 {
			return false
		}
		if ok, _ := filepath.Match(p, xs[0]); !ok {
			return false
		}
		ps = ps[1:]
		xs = xs[1:]
	}
	return len(xs) == 0
}
