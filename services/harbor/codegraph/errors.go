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

import "errors"

var (
	// ErrRowNotFound indicates no row exists for the node id.
	ErrRowNotFound = errors.New("code row not found")

	// ErrInvalidRow indicates a row failed structural validation.
	ErrInvalidRow = errors.New("invalid code row")

	// ErrFutureInvariant indicates a row where the candidate code and
	// the candidate action disagree: code attached without an action,
	// or an action without code. Such a row is rejected, never
	// repaired.
	ErrFutureInvariant = errors.New("future code and future action disagree")

	// ErrInvalidTransition indicates an operation was called on a row
	// whose state does not permit it.
	ErrInvalidTransition = errors.New("row state does not permit transition")

	// ErrRowBlocked indicates the row exhausted its validation
	// attempts. ClearFuture unblocks it.
	ErrRowBlocked = errors.New("row blocked after repeated validation failures")

	// ErrNoCandidate indicates an operation that needs an attached
	// candidate found none.
	ErrNoCandidate = errors.New("row has no candidate")

	// ErrStaleCandidate indicates a result arrived for a candidate
	// that has been superseded or cleared.
	ErrStaleCandidate = errors.New("candidate superseded")

	// ErrNoValidation indicates a stage result arrived for a row with
	// no live validation run.
	ErrNoValidation = errors.New("no live validation run")

	// ErrApprovalRequired indicates apply was called without a token,
	// or with a token the store does not know.
	ErrApprovalRequired = errors.New("approval token required")

	// ErrTokenExpired indicates the approval token is past its TTL.
	ErrTokenExpired = errors.New("approval token expired")

	// ErrTokenMismatch indicates the approval token does not cover
	// exactly the ids being applied.
	ErrTokenMismatch = errors.New("approval token does not cover the id set")

	// ErrNoTargetFile indicates a create proposal for an unknown id
	// arrived without a target file path.
	ErrNoTargetFile = errors.New("create proposal needs a target file")

	// ErrBadPatch indicates a candidate patch could not be parsed or
	// does not apply cleanly to the row's current code.
	ErrBadPatch = errors.New("patch does not apply")
)
