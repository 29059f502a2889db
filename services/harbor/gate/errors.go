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

import "errors"

var (
	// ErrGateBusy indicates the concurrency cap is saturated. The gate
	// has no waiting room; callers retry or surface the rejection.
	ErrGateBusy = errors.New("gate at concurrency capacity")

	// ErrCancelled indicates the validation was cancelled mid-flight,
	// by supersession or by the caller. Row state is intact; the run is
	// finalized as cancelled in the audit trail.
	ErrCancelled = errors.New("validation cancelled")

	// ErrMissingRunner indicates the gate was constructed without one
	// of its three stage runners.
	ErrMissingRunner = errors.New("stage runner is required")

	// ErrOverlayConflict indicates two rows claim overlapping byte
	// ranges in the same file, which would make the splice ambiguous.
	ErrOverlayConflict = errors.New("overlapping overlay spans")

	// ErrNoResolver indicates a shadow runner was constructed without a
	// node resolver, so selected test ids cannot be mapped to names.
	ErrNoResolver = errors.New("node resolver is required")
)
