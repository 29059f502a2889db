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
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
)

// feedSize bounds the event feed kept on the board.
const feedSize = 8

// =============================================================================
// MESSAGES
// =============================================================================

// busEventMsg carries one bus event into the board.
type busEventMsg events.Event

// busClosedMsg signals the subscription channel closed.
type busClosedMsg struct{}

// listenBus reads the next event off the subscription.
func listenBus(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events()
		if !ok {
			return busClosedMsg{}
		}
		return busEventMsg(ev)
	}
}

// =============================================================================
// MODEL
// =============================================================================

// watchModel is the bubbletea model for the watch status board: one
// pane per concern (build, rows, gate stages) plus a rolling event
// feed, all fed from a bus subscription.
type watchModel struct {
	root string
	sub  *events.Subscription

	spinner  spinner.Model
	building bool

	builds    int
	lastBuild *events.BuildFinishedData

	rowStates map[string]int
	stages    []string
	feed      []string

	width    int
	busDown  bool
	quitting bool
}

// newWatchModel builds the board with the row table's current counts
// as the baseline the transition stream updates.
func newWatchModel(root string, sub *events.Subscription, rowStates map[string]int) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	if rowStates == nil {
		rowStates = make(map[string]int)
	}
	return watchModel{
		root:      root,
		sub:       sub,
		spinner:   sp,
		rowStates: rowStates,
	}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listenBus(m.sub))
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case busEventMsg:
		m.apply(events.Event(msg))
		return m, listenBus(m.sub)

	case busClosedMsg:
		m.busDown = true
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// apply folds one event into the board state.
func (m *watchModel) apply(ev events.Event) {
	switch data := ev.Data.(type) {
	case events.BuildStartedData:
		m.building = true

	case events.BuildFinishedData:
		m.building = false
		m.builds++
		m.lastBuild = &data

	case events.RowTransitionData:
		if m.rowStates[data.From] > 0 {
			m.rowStates[data.From]--
		}
		m.rowStates[data.To]++

	case events.StageResultData:
		line := fmt.Sprintf("%-8s %-9s %6dms  %s",
			data.Stage, data.Outcome, data.DurationMilli, shortID(string(data.NodeID)))
		m.stages = append(m.stages, line)
		if len(m.stages) > feedSize {
			m.stages = m.stages[1:]
		}
	}

	m.feed = append(m.feed, fmt.Sprintf("%s  %s  %s",
		time.UnixMilli(ev.Timestamp).Format("15:04:05"), ev.Type, describeEvent(ev)))
	if len(m.feed) > feedSize {
		m.feed = m.feed[1:]
	}
}

// View implements tea.Model.
func (m watchModel) View() string {
	if m.quitting {
		return "Watch stopped.\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("harbor watch"))
	b.WriteString(dimStyle.Render("  " + m.root))
	b.WriteString("\n\n")

	// Build pane.
	b.WriteString(headingStyle.Render("Build"))
	b.WriteString("\n")
	switch {
	case m.building:
		b.WriteString(fmt.Sprintf("  %s rebuilding...\n", m.spinner.View()))
	case m.lastBuild == nil:
		b.WriteString("  waiting for changes\n")
	case m.lastBuild.SnapshotID == "":
		b.WriteString(failStyle.Render("  last rebuild failed") + "\n")
	default:
		b.WriteString(fmt.Sprintf("  snapshot %s  nodes %d  edges %d  orphans %d  (%d builds)\n",
			shortID(m.lastBuild.SnapshotID), m.lastBuild.Nodes,
			m.lastBuild.Edges, m.lastBuild.Orphans, m.builds))
	}

	// Rows pane.
	b.WriteString("\n")
	b.WriteString(headingStyle.Render("Rows"))
	b.WriteString("\n  ")
	var cells []string
	for _, state := range rowStateOrder {
		if n := m.rowStates[state]; n > 0 {
			cells = append(cells, fmt.Sprintf("%s %d", state, n))
		}
	}
	if len(cells) == 0 {
		b.WriteString(dimStyle.Render("none"))
	} else {
		b.WriteString(strings.Join(cells, "   "))
	}
	b.WriteString("\n")

	// Gate pane.
	if len(m.stages) > 0 {
		b.WriteString("\n")
		b.WriteString(headingStyle.Render("Gate stages"))
		b.WriteString("\n")
		for _, line := range m.stages {
			b.WriteString("  " + line + "\n")
		}
	}

	// Event feed.
	b.WriteString("\n")
	b.WriteString(headingStyle.Render("Events"))
	b.WriteString("\n")
	if len(m.feed) == 0 {
		b.WriteString(dimStyle.Render("  quiet\n"))
	}
	for _, line := range m.feed {
		b.WriteString("  " + line + "\n")
	}

	b.WriteString("\n")
	if m.busDown {
		b.WriteString(failStyle.Render("event bus closed") + "  ")
	}
	b.WriteString(dimStyle.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}

// =============================================================================
// RENDERING HELPERS
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("75"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))
)

// shortID trims long ids for board display.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// describeEvent renders one bus event as a single feed line.
func describeEvent(ev events.Event) string {
	switch data := ev.Data.(type) {
	case events.BuildStartedData:
		if data.Incremental {
			return "incremental rebuild"
		}
		return "full build"
	case events.BuildFinishedData:
		if data.SnapshotID == "" {
			return "build failed"
		}
		return fmt.Sprintf("snapshot %s: %d nodes, %d edges, %d orphans",
			shortID(data.SnapshotID), data.Nodes, data.Edges, data.Orphans)
	case events.RowTransitionData:
		line := fmt.Sprintf("%s: %s -> %s", shortID(string(data.NodeID)), data.From, data.To)
		if data.Reason != "" {
			line += " (" + data.Reason + ")"
		}
		return line
	case events.StageResultData:
		return fmt.Sprintf("%s %s %s in %dms",
			shortID(string(data.NodeID)), data.Stage, data.Outcome, data.DurationMilli)
	case events.PromotedData:
		return fmt.Sprintf("commit %s promoted %d row(s)", data.CommitID, len(data.NodeIDs))
	case events.RevertedData:
		return fmt.Sprintf("commit %s reverted: %s", data.CommitID, data.Reason)
	default:
		return ""
	}
}
