// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import "os"

// FileLocker abstracts platform-specific advisory file locking.
//
// # Description
//
// Implementations must be non-blocking: Lock returns ErrLocked immediately
// when the file is held elsewhere instead of waiting.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// Lock acquires an exclusive lock on the file.
	// Returns ErrLocked if the file is already locked elsewhere.
	Lock(f *os.File) error

	// Unlock releases the lock on the file. Safe to call when not locked.
	Unlock(f *os.File) error
}

// newFileLocker returns the platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}

// IsProcessAlive reports whether a process with the given PID exists.
//
// # Inputs
//
//   - pid: Process ID to check.
//
// # Outputs
//
//   - bool: True if the process exists and can be signaled.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}
