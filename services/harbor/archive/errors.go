// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import "errors"

var (
	// ErrNotFound indicates no archive object exists under that name.
	ErrNotFound = errors.New("archive object not found")

	// ErrCorrupted indicates the compressed data object does not match
	// the manifest's content hash.
	ErrCorrupted = errors.New("archive corrupted: content hash mismatch")

	// ErrFingerprintMismatch indicates the decoded graph does not hash
	// to the manifest's fingerprint.
	ErrFingerprintMismatch = errors.New("archive fingerprint mismatch")

	// ErrFormatVersion indicates the archive was written by an
	// incompatible schema version.
	ErrFormatVersion = errors.New("unsupported archive format version")
)
