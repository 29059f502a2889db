// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/builder"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRebuilder counts rebuild passes and returns a canned result.
type fakeRebuilder struct {
	mu     sync.Mutex
	calls  int
	times  []time.Time
	err    error
	result *builder.Result
}

func newFakeRebuilder() *fakeRebuilder {
	return &fakeRebuilder{
		result: &builder.Result{
			Snapshot: isg.Snapshot{
				ID:          "snap-1",
				NodeCount:   3,
				EdgeCount:   2,
				Incremental: true,
			},
		},
	}
}

func (f *fakeRebuilder) Rebuild(ctx context.Context) (*builder.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.times = append(f.times, time.Now())
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRebuilder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRebuilder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRebuilder) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.times))
	copy(out, f.times)
	return out
}

func newTestWatcher(t *testing.T, root string, rb Rebuilder, bus *events.Bus, mutate func(*Config)) *Watcher {
	t.Helper()

	config := DefaultConfig()
	config.DebounceWindow = 50 * time.Millisecond
	config.MinRebuildInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&config)
	}

	w, err := New(root, rb, bus, config, testLogger())
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

// startWatcher starts w and gives fsnotify a moment to register.
func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	require.NoError(t, w.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// ===== Configuration =====

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, config.DebounceWindow)
	assert.Equal(t, 2*time.Second, config.MinRebuildInterval)
	assert.Equal(t, 1000, config.BufferSize)
	assert.Contains(t, config.IgnorePatterns, ".git")
	assert.Contains(t, config.IgnorePatterns, "vendor")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.DebounceWindow = -time.Second },
			wantErr: "DebounceWindow",
		},
		{
			name:    "negative rebuild interval",
			mutate:  func(c *Config) { c.MinRebuildInterval = -time.Second },
			wantErr: "MinRebuildInterval",
		},
		{
			name:    "negative buffer",
			mutate:  func(c *Config) { c.BufferSize = -1 },
			wantErr: "BufferSize",
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
	config := Config{}
	config.applyDefaults()
	assert.Equal(t, DefaultConfig().DebounceWindow, config.DebounceWindow)
	assert.Equal(t, DefaultConfig().MinRebuildInterval, config.MinRebuildInterval)
	assert.Equal(t, DefaultConfig().BufferSize, config.BufferSize)
	assert.NotEmpty(t, config.IgnorePatterns)
}

// ===== Pure helpers =====

func TestOp_String(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "remove", OpRemove.String())
	assert.Equal(t, "rename", OpRename.String())
	assert.Equal(t, "unknown", Op(99).String())
}

func TestConvertOp(t *testing.T) {
	assert.Equal(t, OpCreate, convertOp(fsnotify.Create))
	assert.Equal(t, OpWrite, convertOp(fsnotify.Write))
	assert.Equal(t, OpRemove, convertOp(fsnotify.Remove))
	assert.Equal(t, OpRename, convertOp(fsnotify.Rename))
	assert.Equal(t, OpWrite, convertOp(fsnotify.Chmod))
}

func TestDedupe(t *testing.T) {
	now := time.Now()
	changes := []Change{
		{Path: "/ws/a.go", Op: OpCreate, Time: now},
		{Path: "/ws/b.go", Op: OpWrite, Time: now},
		{Path: "/ws/a.go", Op: OpRemove, Time: now.Add(time.Millisecond)},
	}

	result := dedupe(changes)
	require.Len(t, result, 2)
	assert.Equal(t, "/ws/a.go", result[0].Path)
	assert.Equal(t, OpRemove, result[0].Op)
	assert.Equal(t, "/ws/b.go", result[1].Path)

	assert.Empty(t, dedupe(nil))
}

func TestShouldIgnore(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, newFakeRebuilder(), nil, nil)

	sep := string(filepath.Separator)
	assert.True(t, w.shouldIgnore(root+sep+".git"))
	assert.True(t, w.shouldIgnore(root+sep+".harbor"))
	assert.True(t, w.shouldIgnore(root+sep+"_build"))
	assert.True(t, w.shouldIgnore(root+sep+"vendor"))
	assert.True(t, w.shouldIgnore(root+sep+"junk.tmp"))
	assert.True(t, w.shouldIgnore(root+sep+"editor.swp"))
	assert.True(t, w.shouldIgnore(root+sep+"vendor"+sep+"pkg"+sep+"a.go"))
	assert.False(t, w.shouldIgnore(root+sep+"main.go"))
	assert.False(t, w.shouldIgnore(root+sep+"pkg"+sep+"store.go"))
}

// ===== Construction =====

func TestNew_RequiresRebuilder(t *testing.T) {
	_, err := New(t.TempDir(), nil, nil, DefaultConfig(), testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil rebuilder")
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), newFakeRebuilder(), nil, DefaultConfig(), testLogger())
	assert.ErrorIs(t, err, ErrBadRoot)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.BufferSize = -1
	_, err := New(t.TempDir(), newFakeRebuilder(), nil, config, testLogger())
	require.Error(t, err)
}

// ===== Lifecycle =====

func TestStartStop(t *testing.T) {
	w := newTestWatcher(t, t.TempDir(), newFakeRebuilder(), nil, nil)
	assert.False(t, w.IsWatching())

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsWatching())

	// Second start is a no-op.
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	assert.False(t, w.IsWatching())

	// Stop is idempotent, restart is refused.
	w.Stop()
	assert.ErrorIs(t, w.Start(context.Background()), ErrStopped)
}

// ===== Rebuild pipeline =====

func TestWatch_TriggersRebuild(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	w := newTestWatcher(t, root, rb, nil, nil)

	batches := make(chan []Change, 16)
	w.RegisterCallback(func(batch []Change) { batches <- batch })

	startWatcher(t, w)
	writeFile(t, filepath.Join(root, "main.go"), "package main\n")

	require.Eventually(t, func() bool { return rb.count() >= 1 },
		3*time.Second, 10*time.Millisecond, "rebuild never ran")

	select {
	case batch := <-batches:
		require.NotEmpty(t, batch)
		found := false
		for _, c := range batch {
			if filepath.Base(c.Path) == "main.go" {
				found = true
			}
		}
		assert.True(t, found, "callback batch missing main.go: %v", batch)
	case <-time.After(3 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestWatch_CoalescesBursts(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	w := newTestWatcher(t, root, rb, nil, func(c *Config) {
		c.DebounceWindow = 250 * time.Millisecond
		// Large interval: only the limiter's initial token is spent, so a
		// second pass inside the test window would be a coalescing bug.
		c.MinRebuildInterval = time.Hour
	})

	startWatcher(t, w)

	writeFile(t, filepath.Join(root, "a.go"), "package a\n")
	writeFile(t, filepath.Join(root, "b.go"), "package a\n")
	writeFile(t, filepath.Join(root, "c.go"), "package a\n")

	require.Eventually(t, func() bool { return rb.count() == 1 },
		3*time.Second, 10*time.Millisecond, "burst did not trigger a rebuild")

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rb.count(), "burst was not coalesced into one rebuild")
}

func TestWatch_IgnoredChangesDoNotRebuild(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	w := newTestWatcher(t, root, rb, nil, nil)

	startWatcher(t, w)

	writeFile(t, filepath.Join(root, "junk.tmp"), "scratch")
	writeFile(t, filepath.Join(root, ".env"), "SECRET=1")

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, rb.count())
}

func TestWatch_RebuildErrorKeepsWatching(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	rb.setErr(errors.New("store unavailable"))
	w := newTestWatcher(t, root, rb, nil, nil)

	startWatcher(t, w)

	writeFile(t, filepath.Join(root, "a.go"), "package a\n")
	require.Eventually(t, func() bool { return rb.count() >= 1 },
		3*time.Second, 10*time.Millisecond)
	assert.True(t, w.IsWatching())

	rb.setErr(nil)
	writeFile(t, filepath.Join(root, "b.go"), "package a\n")
	require.Eventually(t, func() bool { return rb.count() >= 2 },
		3*time.Second, 10*time.Millisecond, "watcher stopped after a failed rebuild")
}

func TestWatch_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	w := newTestWatcher(t, root, rb, nil, nil)

	batches := make(chan []Change, 16)
	w.RegisterCallback(func(batch []Change) { batches <- batch })

	startWatcher(t, w)

	sub := filepath.Join(root, "internal")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the create event time to register the new directory.
	time.Sleep(300 * time.Millisecond)

	writeFile(t, filepath.Join(sub, "util.go"), "package internal\n")

	require.Eventually(t, func() bool {
		for {
			select {
			case batch := <-batches:
				for _, c := range batch {
					if filepath.Base(c.Path) == "util.go" {
						return true
					}
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 50*time.Millisecond, "change inside new directory never seen")
}

func TestWatch_RateLimiterSpacesRebuilds(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	w := newTestWatcher(t, root, rb, nil, func(c *Config) {
		c.DebounceWindow = 30 * time.Millisecond
		c.MinRebuildInterval = 300 * time.Millisecond
	})

	startWatcher(t, w)

	writeFile(t, filepath.Join(root, "a.go"), "package a\n")
	require.Eventually(t, func() bool { return rb.count() >= 1 },
		3*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(root, "b.go"), "package a\n")
	require.Eventually(t, func() bool { return rb.count() >= 2 },
		3*time.Second, 10*time.Millisecond)

	times := rb.callTimes()
	require.GreaterOrEqual(t, len(times), 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 200*time.Millisecond,
		"second rebuild ran before the rate limit allowed it")
}

// ===== Events =====

func TestWatch_PublishesBuildEvents(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	bus := events.NewBus(testLogger())
	defer bus.Close()

	sub, err := bus.Subscribe()
	require.NoError(t, err)

	w := newTestWatcher(t, root, rb, bus, nil)
	startWatcher(t, w)

	writeFile(t, filepath.Join(root, "main.go"), "package main\n")

	var got []events.Event
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for build events, have %d", len(got))
		}
	}

	assert.Equal(t, events.TypeBuildStarted, got[0].Type)
	started, ok := got[0].Data.(events.BuildStartedData)
	require.True(t, ok)
	assert.Equal(t, root, started.Root)
	assert.True(t, started.Incremental)

	assert.Equal(t, events.TypeBuildFinished, got[1].Type)
	finished, ok := got[1].Data.(events.BuildFinishedData)
	require.True(t, ok)
	assert.Equal(t, "snap-1", finished.SnapshotID)
	assert.Equal(t, 3, finished.Nodes)
	assert.Empty(t, finished.Err)
}

func TestWatch_PublishesFailureEvent(t *testing.T) {
	root := t.TempDir()
	rb := newFakeRebuilder()
	rb.setErr(errors.New("disk full"))
	bus := events.NewBus(testLogger())
	defer bus.Close()

	sub, err := bus.Subscribe(events.WithTypes(events.TypeBuildFinished))
	require.NoError(t, err)

	w := newTestWatcher(t, root, rb, bus, nil)
	startWatcher(t, w)

	writeFile(t, filepath.Join(root, "main.go"), "package main\n")

	select {
	case ev := <-sub.Events():
		finished, ok := ev.Data.(events.BuildFinishedData)
		require.True(t, ok)
		assert.Contains(t, finished.Err, "disk full")
		assert.Empty(t, finished.SnapshotID)
	case <-time.After(3 * time.Second):
		t.Fatal("no build_finished event after failed rebuild")
	}
}
