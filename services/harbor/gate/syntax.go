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
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// maxSyntaxDiagnostics caps findings per file; one broken brace can
// cascade into hundreds of error nodes.
const maxSyntaxDiagnostics = 10

// SyntaxChecker is the built-in stage-1 runner: parses every
// substituted Go file and reports error and missing nodes.
//
// # Thread Safety
//
// Safe for concurrent use. Parsers are created per call.
type SyntaxChecker struct{}

// NewSyntaxChecker creates the built-in overlay checker.
func NewSyntaxChecker() *SyntaxChecker {
	return &SyntaxChecker{}
}

// Check parses each substituted file and collects syntax diagnostics.
//
// # Outputs
//
//   - []Diagnostic: SeverityError per syntax error, capped per file.
//   - error: Non-nil only when parsing itself fails (cancellation,
//     not candidate problems).
func (c *SyntaxChecker) Check(ctx context.Context, overlay *Overlay) ([]Diagnostic, error) {
	var diags []Diagnostic
	for _, path := range overlay.Paths() {
		if !strings.HasSuffix(path, ".go") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		parser := sitter.NewParser()
		parser.SetLanguage(golang.GetLanguage())

		tree, err := parser.ParseCtx(ctx, nil, []byte(overlay.Files[path]))
		if err != nil {
			parser.Close()
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		count := 0
		collectSyntaxErrors(tree.RootNode(), path, &diags, &count)
		tree.Close()
		parser.Close()
	}
	return diags, nil
}

// collectSyntaxErrors walks the tree gathering error and missing nodes
// up to the per-file cap.
func collectSyntaxErrors(node *sitter.Node, path string, diags *[]Diagnostic, count *int) {
	if node == nil || *count >= maxSyntaxDiagnostics {
		return
	}
	if node.IsError() || node.IsMissing() {
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		}
		*diags = append(*diags, Diagnostic{
			Path:     path,
			Line:     int(node.StartPoint().Row) + 1,
			Message:  msg,
			Severity: SeverityError,
		})
		*count++
		return
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		collectSyntaxErrors(node.Child(int(i)), path, diags, count)
		if *count >= maxSyntaxDiagnostics {
			return
		}
	}
}
