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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager holds the exclusive writer lock for one data directory.
//
// # Description
//
// Acquire takes a non-blocking flock on <dir>/harbor.lock and writes the
// holder's metadata into the same file. A second Manager on the same
// directory fails fast with ErrLocked. Release drops the metadata and the
// flock but leaves the lock file in place: unlinking it would race with a
// concurrent open of the same path.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger
	locker FileLocker

	mu   sync.Mutex
	file *os.File
	info *Info
}

// New creates a workspace lock Manager for the configured data directory.
//
// # Description
//
// Creates the data directory if missing. Does not acquire the lock; call
// Acquire when ready to write. With CleanupOnInit set, stale metadata left
// by crashed holders is cleared first.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultConfig() for defaults.
//   - logger: Structured logger. If nil, slog.Default() is used.
//
// # Outputs
//
//   - *Manager: Ready manager on success.
//   - error: Validation or filesystem error.
func New(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config: config,
		logger: logger.With(slog.String("component", "lock")),
		locker: newFileLocker(),
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	if config.CleanupOnInit {
		if _, err := m.CleanupStale(); err != nil {
			m.logger.Warn("stale lock cleanup failed",
				slog.String("dir", config.Dir),
				slog.String("error", err.Error()))
		}
	}

	return m, nil
}

// Path returns the lock file path inside the guarded directory.
func (m *Manager) Path() string {
	return filepath.Join(m.config.Dir, LockFileName)
}

// Acquire takes the exclusive workspace lock.
//
// # Description
//
// Non-blocking: when another process (or another Manager in this process)
// holds the lock, Acquire returns a *HeldError wrapping ErrLocked that names
// the holder when its metadata could be read. Re-acquiring from the same
// Manager refreshes the metadata's reason and expiry instead of failing.
//
// # Inputs
//
//   - reason: Human-readable note recorded in the lock metadata.
//
// # Outputs
//
//   - error: nil on success, *HeldError if held elsewhere.
func (m *Manager) Acquire(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		m.info.Reason = reason
		m.info.ExpiresAt = time.Now().Add(m.config.TTL)
		return m.writeInfoLocked()
	}

	path := m.Path()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := m.locker.Lock(f); err != nil {
		holder, readErr := readInfo(path)
		if readErr != nil {
			m.logger.Debug("holder metadata unreadable",
				slog.String("path", path),
				slog.String("error", readErr.Error()))
		}
		f.Close()
		if errors.Is(err, ErrLocked) {
			return &HeldError{Dir: m.config.Dir, Holder: holder, Err: ErrLocked}
		}
		return fmt.Errorf("flock %s: %w", path, err)
	}

	now := time.Now()
	m.file = f
	m.info = &Info{
		Dir:       m.config.Dir,
		PID:       os.Getpid(),
		SessionID: m.config.SessionID,
		LockedAt:  now,
		ExpiresAt: now.Add(m.config.TTL),
		Reason:    reason,
	}

	if err := m.writeInfoLocked(); err != nil {
		m.locker.Unlock(f)
		f.Close()
		m.file = nil
		m.info = nil
		return err
	}

	m.logger.Info("workspace lock acquired",
		slog.String("dir", m.config.Dir),
		slog.String("session", m.config.SessionID))
	return nil
}

// Release drops the workspace lock.
//
// # Description
//
// Truncates the metadata while the flock is still held, so a waiting process
// never reads this session as current, then releases the flock and closes
// the file. The lock file itself stays on disk.
//
// # Outputs
//
//   - error: nil on success, ErrNotHeld if this Manager holds no lock.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *Manager) releaseLocked() error {
	if m.file == nil {
		return ErrNotHeld
	}

	if err := m.file.Truncate(0); err != nil {
		m.logger.Warn("truncate lock metadata failed",
			slog.String("path", m.Path()),
			slog.String("error", err.Error()))
	}

	unlockErr := m.locker.Unlock(m.file)
	closeErr := m.file.Close()
	m.file = nil
	m.info = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", m.Path(), unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}

	m.logger.Info("workspace lock released", slog.String("dir", m.config.Dir))
	return nil
}

// Held reports whether this Manager currently holds the workspace lock.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file != nil
}

// Holder reports whether anyone holds the workspace lock, and who.
//
// # Description
//
// Advisory: answers from this Manager's own state first, then from the lock
// file's metadata. Metadata whose holder is expired or dead reads as
// unlocked. Because the check is metadata-based, it can race with a
// concurrent acquisition; Acquire's flock result is authoritative.
//
// # Outputs
//
//   - bool: True if a live holder was found.
//   - *Info: The holder's metadata (nil when unlocked).
//   - error: Filesystem or metadata parse error.
func (m *Manager) Holder() (bool, *Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		info := *m.info
		return true, &info, nil
	}

	info, err := readInfo(m.Path())
	if err != nil {
		return false, nil, err
	}
	if info == nil || info.Stale() {
		return false, nil, nil
	}
	return true, info, nil
}

// CleanupStale clears metadata left behind by a crashed or expired holder.
//
// # Description
//
// Only acts when the recorded holder is stale (expired TTL or dead process)
// or the metadata is unreadable. Takes the flock before truncating, proving
// no live holder exists; if the flock is contended the metadata is current
// after all and nothing is touched.
//
// # Outputs
//
//   - bool: True if stale metadata was cleared.
//   - error: Filesystem error.
func (m *Manager) CleanupStale() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		return false, nil
	}

	path := m.Path()
	info, err := readInfo(path)
	if err == nil && info == nil {
		return false, nil
	}
	if err == nil && !info.Stale() {
		return false, nil
	}

	f, openErr := os.OpenFile(path, os.O_RDWR, 0o644)
	if errors.Is(openErr, os.ErrNotExist) {
		return false, nil
	}
	if openErr != nil {
		return false, fmt.Errorf("open lock file: %w", openErr)
	}
	defer f.Close()

	if lockErr := m.locker.Lock(f); lockErr != nil {
		if errors.Is(lockErr, ErrLocked) {
			// A live process holds the flock; the metadata only looked stale.
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", path, lockErr)
	}
	defer m.locker.Unlock(f)

	if err := f.Truncate(0); err != nil {
		return false, fmt.Errorf("truncate lock file: %w", err)
	}

	if info != nil {
		m.logger.Info("cleared stale lock metadata",
			slog.String("dir", m.config.Dir),
			slog.String("session", info.SessionID),
			slog.Int("pid", info.PID))
	} else {
		m.logger.Info("cleared unreadable lock metadata",
			slog.String("path", path))
	}
	return true, nil
}

// Close releases the lock if held.
//
// # Outputs
//
//   - error: nil on success or when no lock was held.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.releaseLocked()
	if errors.Is(err, ErrNotHeld) {
		return nil
	}
	return err
}

// writeInfoLocked rewrites the lock file's metadata. Caller holds m.mu and
// the flock.
func (m *Manager) writeInfoLocked() error {
	data, err := json.MarshalIndent(m.info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock info: %w", err)
	}
	if err := m.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := m.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lock info: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// readInfo reads lock metadata from a lock file. A missing or empty file
// reads as (nil, nil).
func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return &info, nil
}
