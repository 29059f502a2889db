// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher computes content hashes for tracked files.
type Hasher interface {
	// HashFile hashes a file's content in one pass.
	HashFile(path string) (string, error)

	// HashFileAtomic hashes a file and verifies it did not change
	// underneath the read, retrying up to maxRetries times.
	HashFileAtomic(path string, maxRetries int) (FileEntry, error)
}

// SHA256Hasher is the default Hasher.
//
// # Thread Safety
//
// Safe for concurrent use; it carries no mutable state.
type SHA256Hasher struct {
	maxFileSize int64
}

// NewSHA256Hasher creates a hasher with the given size cap.
// Zero means no limit; negative falls back to DefaultMaxFileSize.
func NewSHA256Hasher(maxFileSize int64) *SHA256Hasher {
	if maxFileSize < 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &SHA256Hasher{maxFileSize: maxFileSize}
}

// HashFile returns the lowercase hex SHA-256 of the file content.
//
// Returns ErrFileTooLarge when the file exceeds the configured cap.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if h.maxFileSize > 0 && info.Size() > h.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, info.Size())
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashFileAtomic hashes a file with TOCTOU protection.
//
// # Description
//
// Stats the file, hashes it, and stats again; if size or mtime moved
// during the read the result is discarded and the read retried. A file
// still moving after maxRetries attempts returns ErrFileUnstable.
//
// # Outputs
//
//   - FileEntry: path (as given), hash, and the stat fields observed
//     for the successful read.
//   - error: ErrFileTooLarge, ErrFileUnstable, or an I/O failure.
func (h *SHA256Hasher) HashFileAtomic(path string, maxRetries int) (FileEntry, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		before, err := os.Lstat(path)
		if err != nil {
			return FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
		}
		if h.maxFileSize > 0 && before.Size() > h.maxFileSize {
			return FileEntry{}, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, before.Size())
		}

		hash, err := h.HashFile(path)
		if err != nil {
			return FileEntry{}, err
		}

		after, err := os.Lstat(path)
		if err != nil {
			return FileEntry{}, fmt.Errorf("re-stat %s: %w", path, err)
		}

		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return FileEntry{
				Path:  path,
				Hash:  hash,
				Mtime: after.ModTime().UnixNano(),
				Size:  after.Size(),
			}, nil
		}
	}

	return FileEntry{}, fmt.Errorf("%w: %s after %d attempts", ErrFileUnstable, path, maxRetries)
}
