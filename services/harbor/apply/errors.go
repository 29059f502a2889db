// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import "errors"

var (
	// ErrApplyInProgress indicates another promotion is mid-flight.
	// Promotions write the workspace; they never overlap.
	ErrApplyInProgress = errors.New("apply already in progress")

	// ErrReverted indicates the promotion was rolled back because
	// post-apply re-verification failed. The workspace and every row
	// are restored; the error wraps the verification failure.
	ErrReverted = errors.New("promotion reverted")

	// ErrMissingRunner indicates the controller was constructed
	// without a build runner for re-verification.
	ErrMissingRunner = errors.New("build runner is required")

	// ErrMissingRebuilder indicates the controller was constructed
	// without a graph rebuilder.
	ErrMissingRebuilder = errors.New("rebuilder is required")
)
