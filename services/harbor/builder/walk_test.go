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
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// writeTree materializes a map of relative path -> content under dir.
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestDiscoverFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":                 "package main\n",
		"main_test.go":            "package main\n",
		"internal/api/api.go":     "package api\n",
		"vendor/dep/dep.go":       "package dep\n",
		"node_modules/x/x.go":     "package x\n",
		"testdata/fixture.go":     "package fixture\n",
		".git/hook.go":            "package hook\n",
		"_scratch/draft.go":       "package draft\n",
		"docs/readme.md":          "# docs\n",
		"internal/api/.hidden.go": "package api\n",
	})

	got, err := DiscoverFiles(root)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}

	want := []string{
		"internal/api/api.go",
		"main.go",
		"main_test.go",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiscoverFiles = %v, want %v", got, want)
	}
}

func TestDiscoverFiles_EmptyRoot(t *testing.T) {
	got, err := DiscoverFiles(t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("DiscoverFiles = %v, want empty", got)
	}
}

func TestModulePath(t *testing.T) {
	tests := []struct {
		name  string
		gomod string
		want  string
	}{
		{
			name:  "simple module",
			gomod: "module example.com/demo\n\ngo 1.24\n",
			want:  "example.com/demo",
		},
		{
			name:  "module with deps",
			gomod: "module github.com/acme/widget\n\ngo 1.24\n\nrequire github.com/google/uuid v1.6.0\n",
			want:  "github.com/acme/widget",
		},
		{
			name:  "no module directive",
			gomod: "go 1.24\n",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeTree(t, root, map[string]string{"go.mod": tt.gomod})
			if got := ModulePath(root); got != tt.want {
				t.Errorf("ModulePath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestModulePath_NoGoMod(t *testing.T) {
	if got := ModulePath(t.TempDir()); got != "" {
		t.Errorf("ModulePath = %q, want empty", got)
	}
}
