// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import "os"

// windowsFileLocker implements FileLocker for Windows.
//
// # Description
//
// TODO: Implement using golang.org/x/sys/windows.LockFileEx with
// LOCKFILE_EXCLUSIVE_LOCK|LOCKFILE_FAIL_IMMEDIATELY. Currently a no-op, so
// Windows builds get metadata-based staleness checks but no kernel-enforced
// exclusion.
//
// # Thread Safety
//
// Safe for concurrent use on different files.
type windowsFileLocker struct{}

// Lock acquires an exclusive lock on the file.
func (l *windowsFileLocker) Lock(f *os.File) error {
	// TODO: Implement Windows file locking via x/sys/windows.LockFileEx
	return nil
}

// Unlock releases the lock on the file.
func (l *windowsFileLocker) Unlock(f *os.File) error {
	// TODO: Implement Windows file unlocking via x/sys/windows.UnlockFileEx
	return nil
}

// isProcessAlive checks if a process with the given PID exists.
//
// # Description
//
// TODO: Implement using golang.org/x/sys/windows.OpenProcess with
// PROCESS_QUERY_LIMITED_INFORMATION. Currently reports false, so recorded
// holders always look stale on Windows.
func isProcessAlive(pid int) bool {
	return false
}

// newPlatformLocker returns a Windows-specific file locker.
func newPlatformLocker() FileLocker {
	return &windowsFileLocker{}
}
