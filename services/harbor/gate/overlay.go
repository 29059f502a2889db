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
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
)

// Overlay is an in-memory path→content substitution over a workspace.
//
// # Description
//
// The gate validates candidates against the workspace as it would look
// after the change, without writing it. Files carries the full
// post-change content of every touched file; untouched files read
// through to the workspace.
type Overlay struct {
	// Root is the workspace the overlay shadows.
	Root string

	// Files maps workspace-relative paths to their substituted content.
	Files map[string]string
}

// Paths returns the substituted paths, sorted.
func (o *Overlay) Paths() []string {
	paths := make([]string, 0, len(o.Files))
	for p := range o.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ReadFile returns a file's content, preferring the overlay over the
// workspace.
func (o *Overlay) ReadFile(path string) ([]byte, error) {
	if content, ok := o.Files[path]; ok {
		return []byte(content), nil
	}
	return os.ReadFile(filepath.Join(o.Root, filepath.FromSlash(path)))
}

// BuildOverlay assembles the overlay for a row set.
//
// # Description
//
// For each touched file, reads the workspace content and splices every
// row's candidate over its byte span, highest offset first so earlier
// spans stay valid. Creates of files the workspace does not have yet
// become whole-file content; creates into an existing file append.
// Rows without a candidate contribute nothing.
//
// # Outputs
//
//   - *Overlay: Ready for the stage runners.
//   - error: ErrOverlayConflict on overlapping spans, or a read error
//     for a file the workspace should have.
func BuildOverlay(root string, rows []*codegraph.Row) (*Overlay, error) {
	o := &Overlay{Root: root, Files: make(map[string]string)}

	byFile := make(map[string][]*codegraph.Row)
	for _, row := range rows {
		if row == nil || !row.HasCandidate() {
			continue
		}
		byFile[row.FilePath] = append(byFile[row.FilePath], row)
	}

	for path, group := range byFile {
		content, err := spliceFile(root, path, group)
		if err != nil {
			return nil, err
		}
		o.Files[path] = content
	}
	return o, nil
}

// spliceFile produces one file's post-change content.
func spliceFile(root, path string, group []*codegraph.Row) (string, error) {
	var edits, appends []*codegraph.Row
	for _, row := range group {
		if row.FutureAction == codegraph.ActionCreate || row.EndByte <= row.StartByte {
			appends = append(appends, row)
			continue
		}
		edits = append(edits, row)
	}

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		if len(edits) > 0 {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		data = nil
	}

	// Splice highest offset first so earlier spans keep their
	// positions.
	sort.Slice(edits, func(i, j int) bool { return edits[i].StartByte > edits[j].StartByte })
	for i := 1; i < len(edits); i++ {
		if edits[i].EndByte > edits[i-1].StartByte {
			return "", fmt.Errorf("%w: %s", ErrOverlayConflict, path)
		}
	}

	content := string(data)
	for _, row := range edits {
		if int(row.EndByte) > len(content) {
			return "", fmt.Errorf("%w: %s spans past end of %s", ErrOverlayConflict, row.NodeID, path)
		}
		content = content[:row.StartByte] + *row.FutureCode + content[row.EndByte:]
	}

	// Appends in id order for determinism.
	sort.Slice(appends, func(i, j int) bool { return appends[i].NodeID < appends[j].NodeID })
	for _, row := range appends {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		if content != "" {
			content += "\n"
		}
		content += *row.FutureCode
	}
	return content, nil
}

// Materialize writes the overlaid workspace into a temp directory:
// hardlinks for untouched files, real writes for substituted ones.
//
// # Description
//
// Stage runners that shell out to a toolchain need the post-change
// tree on disk. The shadow lives outside the workspace, which the gate
// never writes. Hardlinks keep the copy cheap; link failures (cross
// device) fall back to byte copies.
//
// # Outputs
//
//   - string: The shadow root.
//   - func(): Removes the shadow. Always non-nil.
//   - error: Non-nil when the shadow could not be assembled.
func (o *Overlay) Materialize() (string, func(), error) {
	shadow, err := os.MkdirTemp("", "harbor-shadow-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create shadow dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(shadow) }

	err = filepath.WalkDir(o.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(o.Root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(shadow, rel), 0o750)
		}
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") {
			return nil
		}
		if _, substituted := o.Files[filepath.ToSlash(rel)]; substituted {
			return nil
		}
		dst := filepath.Join(shadow, rel)
		if linkErr := os.Link(path, dst); linkErr != nil {
			return copyFile(path, dst)
		}
		return nil
	})
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("shadow workspace: %w", err)
	}

	for rel, content := range o.Files {
		dst := filepath.Join(shadow, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			cleanup()
			return "", func() {}, err
		}
		if err := os.WriteFile(dst, []byte(content), 0o640); err != nil {
			cleanup()
			return "", func() {}, fmt.Errorf("write overlay file %s: %w", rel, err)
		}
	}
	return shadow, cleanup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
