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

import "errors"

var (
	// ErrFileTooLarge indicates the file exceeds the configured size cap.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrInvalidContent indicates the file is not valid UTF-8.
	ErrInvalidContent = errors.New("file content is not valid UTF-8")

	// ErrNilContent indicates nil content was passed to AnalyzeFile.
	ErrNilContent = errors.New("file content is nil")

	// ErrParseFailed indicates tree-sitter could not produce a tree.
	ErrParseFailed = errors.New("parse failed")
)
