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

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked indicates the workspace is held by another process or
	// another Manager.
	ErrLocked = errors.New("workspace is locked by another process")

	// ErrNotHeld indicates a release was attempted on a lock this Manager
	// does not hold.
	ErrNotHeld = errors.New("workspace lock is not held by this manager")
)

// HeldError reports a failed acquisition, naming the current holder when the
// lock metadata could be read.
type HeldError struct {
	Dir    string
	Holder *Info
	Err    error
}

func (e *HeldError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("workspace %s is locked by session %s (pid %d)",
			e.Dir, e.Holder.SessionID, e.Holder.PID)
	}
	return fmt.Sprintf("workspace %s is locked", e.Dir)
}

func (e *HeldError) Unwrap() error {
	return e.Err
}
