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

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/*.go", "main.go", true},
		{"**/*.go", "services/store/db.go", true},
		{"**/*.go", "README.md", false},
		{"vendor/**", "vendor/github.com/x/y.go", true},
		{"vendor/**", "vendor", true},
		{"vendor/**", "myvendor/x.go", false},
		{"**/testdata/**", "pkg/testdata/fix.go", true},
		{"**/testdata/**", "testdata/fix.go", true},
		{"**/testdata/**", "pkg/data/fix.go", false},
		{".harbor/**", ".harbor/graph/000001.vlog", true},
		{"*.go", "deep/nested/file.go", true},
		{"*_test.go", "pkg/graph_test.go", true},
		{"cmd/*/main.go", "cmd/harbor/main.go", true},
		{"cmd/*/main.go", "cmd/harbor/sub/main.go", false},
		{"a/**/z.go", "a/z.go", true},
		{"a/**/z.go", "a/b/c/z.go", true},
		{"a/**/z.go", "b/z.go", false},
	}

	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.path); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestGlobMatcher_Match(t *testing.T) {
	t.Run("default patterns track Go including tests", func(t *testing.T) {
		m := NewGlobMatcher(DefaultIncludes, DefaultExcludes)

		if !m.Match("services/store/graph.go") {
			t.Error("Match(graph.go) = false, want true")
		}
		if !m.Match("services/store/graph_test.go") {
			t.Error("Match(graph_test.go) = false, want true: test files feed test selection")
		}
		if m.Match("vendor/lib/lib.go") {
			t.Error("Match(vendor file) = true, want false")
		}
		if m.Match(".harbor/graph/MANIFEST") {
			t.Error("Match(.harbor state) = true, want false")
		}
		if m.Match("docs/readme.md") {
			t.Error("Match(markdown) = true, want false")
		}
	})

	t.Run("excludes win over includes", func(t *testing.T) {
		m := NewGlobMatcher([]string{"**/*.go"}, []string{"gen/**"})
		if m.Match("gen/api.go") {
			t.Error("Match(excluded include) = true, want false")
		}
	})

	t.Run("empty includes track everything not excluded", func(t *testing.T) {
		m := NewGlobMatcher(nil, []string{"*.tmp"})
		if !m.Match("notes.txt") {
			t.Error("Match(notes.txt) = false, want true")
		}
		if m.Match("scratch.tmp") {
			t.Error("Match(scratch.tmp) = true, want false")
		}
	})
}

func TestGlobMatcher_ExcludesDir(t *testing.T) {
	m := NewGlobMatcher(DefaultIncludes, DefaultExcludes)

	if !m.ExcludesDir("vendor") {
		t.Error("ExcludesDir(vendor) = false, want true")
	}
	if !m.ExcludesDir("pkg/testdata") {
		t.Error("ExcludesDir(pkg/testdata) = false, want true")
	}
	if m.ExcludesDir("services") {
		t.Error("ExcludesDir(services) = true, want false")
	}
}
