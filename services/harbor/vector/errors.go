// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import "errors"

var (
	// ErrDimMismatch indicates a vector whose dimensionality differs
	// from the index's. The first upsert fixes the dimensionality.
	ErrDimMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyVector indicates an empty or nil vector.
	ErrEmptyVector = errors.New("empty vector")

	// ErrIndexClosed indicates an operation on a closed index.
	ErrIndexClosed = errors.New("vector index is closed")

	// ErrUnavailable indicates the remote index is not reachable.
	// Retrieval treats this as "no similarity signal", not as failure.
	ErrUnavailable = errors.New("vector index is not available")

	// ErrCircuitOpen indicates the remote index's circuit breaker is
	// open and requests are blocked until the cooldown expires.
	ErrCircuitOpen = errors.New("circuit breaker is open, vector requests blocked")

	// ErrMissingKey indicates an embedder was constructed without its
	// API key enclave.
	ErrMissingKey = errors.New("api key is required")
)
