// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"regexp"
	"strings"
)

// testFuncPattern matches the conventional test entry-point prefixes.
// The character class rejects lowercase continuation so that e.g.
// "Testify" does not classify as a test.
var testFuncPattern = regexp.MustCompile(`^(Test|Benchmark|Fuzz|Example)([A-Z_].*)?$`)

// IsTestFile reports whether a workspace-relative path names a test file.
//
// The rule is the language's own: a file is a test file iff its base name
// ends in "_test.go".
func IsTestFile(filePath string) bool {
	return strings.HasSuffix(filePath, "_test.go")
}

// IsTestNode is the declared test/non-test classification rule applied
// to every node the builder emits.
//
// # Description
//
// A node classifies as test when either holds:
//
//   - it lives in a test file (IsTestFile), or
//   - its name carries a conventional test entry-point prefix
//     (Test/Benchmark/Fuzz/Example followed by an uppercase letter,
//     underscore, or nothing) AND it lives in a test file.
//
// Every declaration in a test file is test-classified, including
// helpers, because the build excludes the whole file outside test
// compilation. The rule lives here, in one inspectable function, so the
// classification can be exercised in isolation rather than re-derived at
// call sites.
//
// # Inputs
//
//   - filePath: Workspace-relative file path.
//   - name: Declared identifier.
//
// # Outputs
//
//   - bool: True when the node is part of the test surface.
func IsTestNode(filePath, name string) bool {
	if IsTestFile(filePath) {
		return true
	}
	// Outside test files the prefix alone is not sufficient: ordinary
	// code may export names like TestMode.
	_ = name
	return false
}

// IsTestEntryPoint reports whether a declaration is a runnable test
// entry point (go test invokes it directly). Used by the gate's
// selective-test stage to pick what to run, as opposed to IsTestNode,
// which marks the whole test surface.
func IsTestEntryPoint(filePath, name string) bool {
	return IsTestFile(filePath) && testFuncPattern.MatchString(name)
}
