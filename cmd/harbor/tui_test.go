// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// TestNewWatchModel_NilRowStates verifies a nil baseline map is usable.
func TestNewWatchModel_NilRowStates(t *testing.T) {
	m := newWatchModel("/work", nil, nil)
	if m.rowStates == nil {
		t.Fatal("rowStates map was not initialized")
	}
}

// TestWatchModel_QuitKeys verifies every quit key ends the program.
func TestWatchModel_QuitKeys(t *testing.T) {
	keys := []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyRunes, Runes: []rune("Q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	}
	for _, key := range keys {
		m := newWatchModel("/work", nil, nil)
		updated, cmd := m.Update(key)
		got := updated.(watchModel)
		if !got.quitting {
			t.Errorf("key %q did not set quitting", key.String())
		}
		if cmd == nil {
			t.Fatalf("key %q returned no command", key.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("key %q did not return tea.Quit", key.String())
		}
	}
}

// TestWatchModel_WindowSize verifies resize messages update the width.
func TestWatchModel_WindowSize(t *testing.T) {
	m := newWatchModel("/work", nil, nil)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	if got := updated.(watchModel); got.width != 120 {
		t.Errorf("width = %d, want 120", got.width)
	}
}

// TestWatchModel_BuildEvents verifies build start/finish toggle the
// spinner state and record the last snapshot.
func TestWatchModel_BuildEvents(t *testing.T) {
	m := newWatchModel("/work", nil, nil)

	m.apply(events.New(events.TypeBuildStarted, events.BuildStartedData{Root: "/work"}))
	if !m.building {
		t.Error("build start did not set building")
	}

	m.apply(events.New(events.TypeBuildFinished, events.BuildFinishedData{
		SnapshotID: "snap-1", Nodes: 10, Edges: 20, Incremental: true,
	}))
	if m.building {
		t.Error("build finish did not clear building")
	}
	if m.builds != 1 {
		t.Errorf("builds = %d, want 1", m.builds)
	}
	if m.lastBuild == nil || m.lastBuild.SnapshotID != "snap-1" {
		t.Errorf("lastBuild = %+v, want snapshot snap-1", m.lastBuild)
	}
}

// TestWatchModel_RowTransitions verifies transitions move counts
// between states without going negative.
func TestWatchModel_RowTransitions(t *testing.T) {
	m := newWatchModel("/work", nil, map[string]int{"clean": 2})

	m.apply(events.New(events.TypeRowTransition, events.RowTransitionData{
		NodeID: "n1", From: "clean", To: "proposed",
	}))
	if m.rowStates["clean"] != 1 || m.rowStates["proposed"] != 1 {
		t.Errorf("counts = %v, want clean 1 proposed 1", m.rowStates)
	}

	// A transition out of a state the baseline never saw must not
	// underflow.
	m.apply(events.New(events.TypeRowTransition, events.RowTransitionData{
		NodeID: "n2", From: "validating", To: "ready_to_apply",
	}))
	if m.rowStates["validating"] != 0 {
		t.Errorf("validating = %d, want 0", m.rowStates["validating"])
	}
	if m.rowStates["ready_to_apply"] != 1 {
		t.Errorf("ready_to_apply = %d, want 1", m.rowStates["ready_to_apply"])
	}
}

// TestWatchModel_FeedIsBounded verifies the event feed and stage list
// stay within feedSize.
func TestWatchModel_FeedIsBounded(t *testing.T) {
	m := newWatchModel("/work", nil, nil)
	for i := 0; i < feedSize*3; i++ {
		m.apply(events.New(events.TypeStageResult, events.StageResultData{
			NodeID: "n1", Stage: "build", Outcome: "pass",
			DurationMilli: int64(i),
		}))
	}
	if len(m.feed) != feedSize {
		t.Errorf("feed length = %d, want %d", len(m.feed), feedSize)
	}
	if len(m.stages) != feedSize {
		t.Errorf("stages length = %d, want %d", len(m.stages), feedSize)
	}
	// The ring keeps the newest entries.
	last := m.stages[len(m.stages)-1]
	if !strings.Contains(last, fmt.Sprintf("%6dms", feedSize*3-1)) {
		t.Errorf("last stage line = %q, want the newest duration", last)
	}
}

// TestWatchModel_BusClosed verifies a closed subscription is surfaced.
func TestWatchModel_BusClosed(t *testing.T) {
	m := newWatchModel("/work", nil, nil)
	updated, _ := m.Update(busClosedMsg{})
	got := updated.(watchModel)
	if !got.busDown {
		t.Error("busClosedMsg did not set busDown")
	}
	if !strings.Contains(got.View(), "event bus closed") {
		t.Error("View does not warn about the closed bus")
	}
}

// TestWatchModel_View checks the panes render their headings and the
// quit hint.
func TestWatchModel_View(t *testing.T) {
	m := newWatchModel("/work", nil, map[string]int{"proposed": 3})
	view := m.View()

	for _, want := range []string{"harbor watch", "Build", "Rows", "proposed 3", "Events", "q to quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("View missing %q", want)
		}
	}

	m.quitting = true
	if got := m.View(); got != "Watch stopped.\n" {
		t.Errorf("quitting view = %q", got)
	}
}

// TestShortID tests id trimming.
func TestShortID(t *testing.T) {
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(abc) = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID long = %q, want first 12", got)
	}
}

// TestDescribeEvent tests the one-line rendering of every payload.
func TestDescribeEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "full build",
			ev:   events.New(events.TypeBuildStarted, events.BuildStartedData{Root: "/work"}),
			want: "full build",
		},
		{
			name: "incremental build",
			ev:   events.New(events.TypeBuildStarted, events.BuildStartedData{Incremental: true}),
			want: "incremental rebuild",
		},
		{
			name: "build finished",
			ev: events.New(events.TypeBuildFinished, events.BuildFinishedData{
				SnapshotID: "snapshot-0001-aaaa", Nodes: 5, Edges: 7, Orphans: 1,
			}),
			want: "snapshot snapshot-000: 5 nodes, 7 edges, 1 orphans",
		},
		{
			name: "build failed",
			ev:   events.New(events.TypeBuildFinished, events.BuildFinishedData{Err: "boom"}),
			want: "build failed",
		},
		{
			name: "transition",
			ev: events.New(events.TypeRowTransition, events.RowTransitionData{
				NodeID: "n1", From: "clean", To: "proposed",
			}),
			want: "n1: clean -> proposed",
		},
		{
			name: "transition with reason",
			ev: events.New(events.TypeRowTransition, events.RowTransitionData{
				NodeID: "n1", From: "validating", To: "proposed", Reason: "superseded by new candidate",
			}),
			want: "n1: validating -> proposed (superseded by new candidate)",
		},
		{
			name: "stage result",
			ev: events.New(events.TypeStageResult, events.StageResultData{
				NodeID: "n1", Stage: "tests", Outcome: "timeout", DurationMilli: 900,
			}),
			want: "n1 tests timeout in 900ms",
		},
		{
			name: "promoted",
			ev: events.New(events.TypePromoted, events.PromotedData{
				CommitID: "c1", NodeIDs: []isg.NodeID{"a", "b"},
			}),
			want: "commit c1 promoted 2 row(s)",
		},
		{
			name: "reverted",
			ev: events.New(events.TypeReverted, events.RevertedData{
				CommitID: "c1", Reason: "re-check failed",
			}),
			want: "commit c1 reverted: re-check failed",
		},
	}

	for _, tc := range cases {
		if got := describeEvent(tc.ev); got != tc.want {
			t.Errorf("%s: describeEvent = %q, want %q", tc.name, got, tc.want)
		}
	}
}
