// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// FutureFromPatch turns a unified diff into candidate code.
//
// # Description
//
// Parses the patch and applies its hunks to current. Removed and
// context lines must match current exactly; a drifted patch is
// rejected rather than fuzzily placed. The candidate action follows
// the file headers: a patch to /dev/null deletes, a patch from
// /dev/null creates, anything else edits.
//
// # Inputs
//
//   - current: The row's current code, the text the patch claims to
//     modify.
//   - patch: One file's unified diff.
//
// # Outputs
//
//   - string: The post-patch code. Empty for a deletion.
//   - FutureAction: The action the headers imply.
//   - error: ErrBadPatch when the patch is malformed, spans more than
//     one file, or does not match current.
func FutureFromPatch(current, patch string) (string, FutureAction, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return "", ActionNone, fmt.Errorf("%w: %v", ErrBadPatch, err)
	}
	if len(fds) != 1 {
		return "", ActionNone, fmt.Errorf("%w: want one file diff, got %d", ErrBadPatch, len(fds))
	}
	fd := fds[0]

	switch {
	case fd.NewName == "/dev/null":
		return "", ActionDelete, nil
	case fd.OrigName == "/dev/null":
		return addedLines(fd), ActionCreate, nil
	}

	applied, err := applyHunks(current, fd.Hunks)
	if err != nil {
		return "", ActionNone, err
	}
	return applied, ActionEdit, nil
}

// SetFutureFromPatch proposes a candidate expressed as a unified diff
// against the row's current code.
//
// # Outputs
//
//   - error: ErrRowNotFound, ErrBadPatch, or whatever SetFuture
//     returns for the row's state.
func (g *Graph) SetFutureFromPatch(ctx context.Context, id isg.NodeID, patch string) error {
	row, err := g.Row(ctx, id)
	if err != nil {
		return err
	}
	code, action, err := FutureFromPatch(row.CurrentCode, patch)
	if err != nil {
		return fmt.Errorf("patch for %s: %w", id, err)
	}
	return g.SetFuture(ctx, id, code, action)
}

// addedLines extracts a new file's content from its hunks.
func addedLines(fd *diff.FileDiff) string {
	var lines []string
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if strings.HasPrefix(line, "+") {
				lines = append(lines, line[1:])
			}
		}
	}
	return strings.Join(lines, "\n")
}

// applyHunks splices each hunk over the original, verifying removed
// and context lines against it.
func applyHunks(original string, hunks []*diff.Hunk) (string, error) {
	origLines := strings.Split(original, "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < origIdx {
			return "", fmt.Errorf("%w: hunks overlap at line %d", ErrBadPatch, hunk.OrigStartLine)
		}
		for origIdx < hunkStart && origIdx < len(origLines) {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				newLines = append(newLines, line[1:])
			case strings.HasPrefix(line, "-"):
				if origIdx >= len(origLines) || origLines[origIdx] != line[1:] {
					return "", fmt.Errorf("%w: removed line %d does not match", ErrBadPatch, origIdx+1)
				}
				origIdx++
			case strings.HasPrefix(line, " "):
				if origIdx >= len(origLines) || origLines[origIdx] != line[1:] {
					return "", fmt.Errorf("%w: context line %d does not match", ErrBadPatch, origIdx+1)
				}
				newLines = append(newLines, origLines[origIdx])
				origIdx++
			}
			// A bare empty element is the trailing split artifact, not
			// a hunk line.
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}
	return strings.Join(newLines, "\n"), nil
}
