// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"testing"
)

// TestExitCodeConstants tests exit code constant values.
func TestExitCodeConstants(t *testing.T) {
	if CLIExitSuccess != 0 {
		t.Errorf("CLIExitSuccess = %d, want 0", CLIExitSuccess)
	}
	if CLIExitFindings != 1 {
		t.Errorf("CLIExitFindings = %d, want 1", CLIExitFindings)
	}
	if CLIExitError != 2 {
		t.Errorf("CLIExitError = %d, want 2", CLIExitError)
	}
}

// TestOutputError_ReturnsErrorCode tests that outputError always yields
// the error exit code for os.Exit.
func TestOutputError_ReturnsErrorCode(t *testing.T) {
	prev := jsonOutput
	defer func() { jsonOutput = prev }()

	jsonOutput = false
	if code := outputError("something broke", errors.New("boom")); code != CLIExitError {
		t.Errorf("text mode exit code = %d, want %d", code, CLIExitError)
	}

	jsonOutput = true
	if code := outputError("something broke", errors.New("boom")); code != CLIExitError {
		t.Errorf("json mode exit code = %d, want %d", code, CLIExitError)
	}
}
