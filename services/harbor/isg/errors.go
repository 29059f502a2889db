// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package isg

import "errors"

var (
	// ErrInvalidNode indicates a node failed structural validation.
	//
	// Returned by InterfaceNode.Validate when the id is empty, the kind
	// falls outside the closed set, or the level is below 1.
	ErrInvalidNode = errors.New("invalid interface node")

	// ErrInvalidEdge indicates an edge failed structural validation.
	//
	// Returned by Edge.Validate when an endpoint is empty or the kind
	// falls outside the closed set. Distinct from a dangling edge, which
	// is structurally valid but names a node that does not exist.
	ErrInvalidEdge = errors.New("invalid edge")
)
