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

	"github.com/pmezard/go-difflib/difflib"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// diffContextLines is the unified diff context window.
const diffContextLines = 3

// Diff renders the row's pending change as a unified diff.
//
// # Description
//
// Compares CurrentCode against FutureCode with file headers in the
// conventional a/ and b/ form. Creations diff from /dev/null and
// deletions diff to /dev/null, so the output drops straight into
// review tooling.
//
// # Outputs
//
//   - string: The unified diff. Empty when the candidate is identical
//     to the current code.
//   - error: ErrRowNotFound or ErrNoCandidate.
func (g *Graph) Diff(ctx context.Context, id isg.NodeID) (string, error) {
	row, err := g.loadRow(ctx, id)
	if err != nil {
		return "", err
	}
	if !row.HasCandidate() {
		return "", fmt.Errorf("%w: %s", ErrNoCandidate, id)
	}

	fromFile := "a/" + row.FilePath
	toFile := "b/" + row.FilePath
	switch row.FutureAction {
	case ActionCreate:
		fromFile = "/dev/null"
	case ActionDelete:
		toFile = "/dev/null"
	}

	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(row.CurrentCode),
		B:        difflib.SplitLines(*row.FutureCode),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  diffContextLines,
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("render diff for %s: %w", id, err)
	}
	return out, nil
}
