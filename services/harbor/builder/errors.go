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

import "errors"

var (
	// ErrNoRoot indicates the builder was configured without a
	// workspace root.
	ErrNoRoot = errors.New("workspace root not configured")

	// ErrBuildInProgress indicates a second build was requested while
	// one is running. Snapshot construction is single-writer.
	ErrBuildInProgress = errors.New("build already in progress")

	// ErrNothingToBuild indicates discovery found no Go source files.
	ErrNothingToBuild = errors.New("no Go source files under root")
)
