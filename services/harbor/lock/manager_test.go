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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()

	config := DefaultConfig()
	config.Dir = dir
	config.SessionID = "test-session"

	m, err := New(config, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// ===== Configuration =====

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, DefaultTTL, config.TTL)
	assert.Empty(t, config.Dir)
	assert.False(t, config.CleanupOnInit)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) { c.Dir = "/tmp/harbor" },
		},
		{
			name:    "missing dir",
			mutate:  func(c *Config) {},
			wantErr: "Dir is required",
		},
		{
			name: "negative ttl",
			mutate: func(c *Config) {
				c.Dir = "/tmp/harbor"
				c.TTL = -time.Second
			},
			wantErr: "TTL must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	config := Config{Dir: "/tmp/harbor"}
	config.applyDefaults()

	assert.Equal(t, DefaultTTL, config.TTL)
	assert.Contains(t, config.SessionID, "harbor-")
}

// ===== Construction =====

func TestNew_RequiresDir(t *testing.T) {
	_, err := New(Config{}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Dir is required")
}

func TestNew_CreatesWorkspaceDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	m := newTestManager(t, dir)
	defer m.Close()

	_, err := os.Stat(dir)
	assert.NoError(t, err)
}

// ===== Acquire and release =====

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.NoError(t, m.Acquire("initial build"))
	assert.True(t, m.Held())

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)

	var info Info
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "test-session", info.SessionID)
	assert.Equal(t, "initial build", info.Reason)
	assert.True(t, info.ExpiresAt.After(info.LockedAt))

	locked, holder, err := m.Holder()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NotNil(t, holder)
	assert.Equal(t, "test-session", holder.SessionID)

	require.NoError(t, m.Release())
	assert.False(t, m.Held())

	locked, holder, err = m.Holder()
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Nil(t, holder)

	// The lock file stays behind, emptied.
	data, err = os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestAcquire_SecondManagerFailsFast(t *testing.T) {
	dir := t.TempDir()

	m1 := newTestManager(t, dir)
	require.NoError(t, m1.Acquire("writer one"))

	config := DefaultConfig()
	config.Dir = dir
	config.SessionID = "second-session"
	m2, err := New(config, testLogger())
	require.NoError(t, err)
	defer m2.Close()

	err = m2.Acquire("writer two")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	var held *HeldError
	require.ErrorAs(t, err, &held)
	require.NotNil(t, held.Holder)
	assert.Equal(t, "test-session", held.Holder.SessionID)
	assert.Equal(t, os.Getpid(), held.Holder.PID)
}

func TestAcquire_ReacquireRefreshesMetadata(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.NoError(t, m.Acquire("first"))
	first, err := readInfo(m.Path())
	require.NoError(t, err)

	require.NoError(t, m.Acquire("second"))
	second, err := readInfo(m.Path())
	require.NoError(t, err)

	assert.Equal(t, "second", second.Reason)
	assert.Equal(t, first.LockedAt, second.LockedAt)
	assert.False(t, second.ExpiresAt.Before(first.ExpiresAt))
}

func TestRelease_NotHeld(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	assert.ErrorIs(t, m.Release(), ErrNotHeld)
}

func TestRelease_AllowsNextAcquire(t *testing.T) {
	dir := t.TempDir()

	m1 := newTestManager(t, dir)
	require.NoError(t, m1.Acquire("writer one"))
	require.NoError(t, m1.Release())

	m2 := newTestManager(t, dir)
	assert.NoError(t, m2.Acquire("writer two"))
}

func TestClose_ReleasesLock(t *testing.T) {
	dir := t.TempDir()

	m1 := newTestManager(t, dir)
	require.NoError(t, m1.Acquire("writer one"))
	require.NoError(t, m1.Close())

	m2 := newTestManager(t, dir)
	assert.NoError(t, m2.Acquire("writer two"))
}

func TestClose_WithoutAcquireIsNil(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	assert.NoError(t, m.Close())
}

// ===== Holder reporting =====

func TestHolder_StaleMetadataReadsAsUnlocked(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	stale := Info{
		Dir:       dir,
		PID:       999999999,
		SessionID: "crashed-session",
		LockedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	data, err := json.MarshalIndent(&stale, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Path(), data, 0o644))

	locked, holder, err := m.Holder()
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Nil(t, holder)
}

func TestHolder_GarbageMetadataIsAnError(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.NoError(t, os.WriteFile(m.Path(), []byte("not json"), 0o644))

	_, _, err := m.Holder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse lock file")
}

// ===== Stale cleanup =====

func TestCleanupStale_RemovesCrashedHolder(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	stale := Info{
		Dir:       dir,
		PID:       999999999,
		SessionID: "crashed-session",
		LockedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Path(), data, 0o644))

	removed, err := m.CleanupStale()
	require.NoError(t, err)
	assert.True(t, removed)

	data, err = os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.NoError(t, m.Acquire("after cleanup"))
}

func TestCleanupStale_ClearsGarbageMetadata(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.NoError(t, os.WriteFile(m.Path(), []byte("{truncated"), 0o644))

	removed, err := m.CleanupStale()
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestCleanupStale_LeavesLiveHolderAlone(t *testing.T) {
	dir := t.TempDir()

	// A tiny TTL makes the metadata look expired while the flock is still
	// held, so only the flock probe protects the holder.
	config := DefaultConfig()
	config.Dir = dir
	config.SessionID = "short-ttl"
	config.TTL = time.Nanosecond

	m1, err := New(config, testLogger())
	require.NoError(t, err)
	defer m1.Close()
	require.NoError(t, m1.Acquire("long build"))

	m2 := newTestManager(t, dir)
	removed, err := m2.CleanupStale()
	require.NoError(t, err)
	assert.False(t, removed)

	info, err := readInfo(m1.Path())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "short-ttl", info.SessionID)
}

func TestCleanupStale_NoLockFile(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	removed, err := m.CleanupStale()
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestNew_CleanupOnInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	stale := Info{
		Dir:       dir,
		PID:       999999999,
		SessionID: "crashed-session",
		LockedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	config := DefaultConfig()
	config.Dir = dir
	config.CleanupOnInit = true

	m, err := New(config, testLogger())
	require.NoError(t, err)
	defer m.Close()

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

// ===== Errors =====

func TestHeldError_Message(t *testing.T) {
	withHolder := &HeldError{
		Dir:    "/data",
		Holder: &Info{SessionID: "other", PID: 42},
		Err:    ErrLocked,
	}
	assert.Contains(t, withHolder.Error(), "session other")
	assert.Contains(t, withHolder.Error(), "pid 42")
	assert.True(t, errors.Is(withHolder, ErrLocked))

	anonymous := &HeldError{Dir: "/data", Err: ErrLocked}
	assert.Equal(t, "workspace /data is locked", anonymous.Error())
}

// ===== Info =====

func TestInfo_IsExpired(t *testing.T) {
	fresh := Info{ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, fresh.IsExpired())

	expired := Info{ExpiresAt: time.Now().Add(-time.Hour)}
	assert.True(t, expired.IsExpired())
}

func TestInfo_Stale(t *testing.T) {
	live := Info{PID: os.Getpid(), ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, live.Stale())

	deadProcess := Info{PID: 999999999, ExpiresAt: time.Now().Add(time.Hour)}
	assert.True(t, deadProcess.Stale())

	expired := Info{PID: os.Getpid(), ExpiresAt: time.Now().Add(-time.Hour)}
	assert.True(t, expired.Stale())
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(999999999))
}
