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
	"encoding/json"
	"fmt"
	"os"
)

// Exit codes for CLI commands.
const (
	// CLIExitSuccess means the operation completed and passed.
	CLIExitSuccess = 0

	// CLIExitFindings means the operation completed but the verdict was
	// negative: a failed validation, a reverted promotion, a dirty graph.
	CLIExitFindings = 1

	// CLIExitError means the operation itself failed.
	CLIExitError = 2
)

// outputJSON writes structured data as indented JSON to stdout.
func outputJSON(data any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		os.Exit(CLIExitError)
	}
}

// outputError writes a command failure in the selected format and
// returns CLIExitError for the caller to exit with.
func outputError(msg string, err error) int {
	if jsonOutput {
		outputJSON(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("%s: %v", msg, err),
		})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	}
	return CLIExitError
}
