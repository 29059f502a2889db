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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/builder"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/watch"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	buildTimeout time.Duration
	watchPlain   bool
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the interface signature graph from the working tree",
	Long: `Build walks the workspace, analyzes every source file, and commits a
new graph snapshot. The row table is synced against the committed
snapshot afterwards, so freshly discovered nodes get clean rows.

Examples:
  harbor build
  harbor build --timeout 20m
  harbor build --json`,
	Args: cobra.NoArgs,
	Run:  runBuild,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the working tree and rebuild incrementally on change",
	Long: `Watch runs an initial build when the graph is empty, then follows
file system events: changes are debounced into batches and each batch
triggers an incremental rebuild plus a row sync.

On a terminal, watch renders a live status board of builds, gate
stages, and row transitions. Elsewhere (or with --plain) it streams
one line per event.

Examples:
  harbor watch
  harbor watch --plain`,
	Args: cobra.NoArgs,
	Run:  runWatch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the graph, row table, and workspace lock state",
	Args:  cobra.NoArgs,
	Run:   runStatus,
}

func init() {
	buildCmd.Flags().DurationVar(&buildTimeout, "timeout", 15*time.Minute,
		"Abort the build after this long")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false,
		"Stream events as lines even on a terminal")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// buildOutput is the JSON envelope for build results.
type buildOutput struct {
	Result *builder.Result      `json:"result"`
	Sync   *codegraph.SyncStats `json:"sync"`
}

// runBuild executes one full build and syncs the row table.
func runBuild(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	s, err := openSession("build")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	b, err := s.newBuilder()
	if err != nil {
		os.Exit(outputError("Failed to create builder", err))
	}

	res, err := b.Build(ctx)
	if err != nil {
		os.Exit(outputError("Build failed", err))
	}

	sync, err := s.syncRows(ctx, res.Snapshot.ID)
	if err != nil {
		os.Exit(outputError("Row sync failed", err))
	}

	if jsonOutput {
		outputJSON(buildOutput{Result: res, Sync: sync})
	} else {
		outputBuildText(res, sync)
	}

	if len(res.Failures) > 0 {
		os.Exit(CLIExitFindings)
	}
	os.Exit(CLIExitSuccess)
}

// runWatch builds a baseline if needed, then follows file changes.
func runWatch(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession("watch")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	b, err := s.newBuilder()
	if err != nil {
		os.Exit(outputError("Failed to create builder", err))
	}

	// Subscribe before the baseline build so its events reach the board.
	sub, err := s.bus.Subscribe(events.WithBuffer(512))
	if err != nil {
		os.Exit(outputError("Failed to subscribe to events", err))
	}
	defer s.bus.Unsubscribe(sub.ID())

	if _, err := s.store.CurrentSnapshotID(ctx); errors.Is(err, store.ErrNoCurrentSnapshot) {
		fmt.Fprintln(os.Stderr, "No snapshot yet; running initial build...")
		res, err := b.Build(ctx)
		if err != nil {
			os.Exit(outputError("Initial build failed", err))
		}
		if _, err := s.syncRows(ctx, res.Snapshot.ID); err != nil {
			os.Exit(outputError("Row sync failed", err))
		}
	} else if err != nil {
		os.Exit(outputError("Failed to read current snapshot", err))
	}

	w, err := watch.New(s.root, &syncingRebuilder{builder: b, session: s},
		s.bus, watch.DefaultConfig(), s.logger)
	if err != nil {
		os.Exit(outputError("Failed to create watcher", err))
	}
	if err := w.Start(ctx); err != nil {
		os.Exit(outputError("Failed to start watcher", err))
	}
	defer w.Stop()

	if watchPlain || jsonOutput || !isatty.IsTerminal(os.Stdout.Fd()) {
		streamEvents(ctx, sub)
		os.Exit(CLIExitSuccess)
	}

	rows, err := s.rows.Rows(ctx, nil)
	if err != nil {
		os.Exit(outputError("Failed to read rows", err))
	}
	board := newWatchModel(s.root, sub, countRowStates(rows))
	program := tea.NewProgram(board, tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		os.Exit(outputError("Status board failed", err))
	}
	os.Exit(CLIExitSuccess)
}

// statusOutput is the JSON envelope for status.
type statusOutput struct {
	Root       string         `json:"root"`
	DataDir    string         `json:"data_dir"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	Stats      *store.Stats   `json:"stats,omitempty"`
	Clean      bool           `json:"clean"`
	Snapshots  int            `json:"snapshots"`
	RowStates  map[string]int `json:"row_states,omitempty"`
}

// runStatus summarizes the graph and row table.
func runStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession("status")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	out := statusOutput{Root: s.root, DataDir: s.dataDir}

	snapID, err := s.store.CurrentSnapshotID(ctx)
	switch {
	case errors.Is(err, store.ErrNoCurrentSnapshot):
		// Empty store: report the bare workspace.
	case err != nil:
		os.Exit(outputError("Failed to read current snapshot", err))
	default:
		out.SnapshotID = snapID
		st, err := s.store.Stats(ctx, snapID)
		if err != nil {
			os.Exit(outputError("Failed to read graph stats", err))
		}
		out.Stats = &st
		clean, err := s.store.IsClean(ctx, snapID)
		if err != nil {
			os.Exit(outputError("Failed to check orphans", err))
		}
		out.Clean = clean
	}

	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		os.Exit(outputError("Failed to list snapshots", err))
	}
	out.Snapshots = len(snaps)

	rows, err := s.rows.Rows(ctx, nil)
	if err != nil {
		os.Exit(outputError("Failed to read rows", err))
	}
	out.RowStates = countRowStates(rows)

	if jsonOutput {
		outputJSON(out)
	} else {
		outputStatusText(out)
	}

	if out.SnapshotID != "" && !out.Clean {
		os.Exit(CLIExitFindings)
	}
	os.Exit(CLIExitSuccess)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// syncingRebuilder runs an incremental rebuild and then reconciles the
// row table, so watch keeps rows current with the graph.
type syncingRebuilder struct {
	builder *builder.Builder
	session *session
}

func (r *syncingRebuilder) Rebuild(ctx context.Context) (*builder.Result, error) {
	res, err := r.builder.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := r.session.syncRows(ctx, res.Snapshot.ID); err != nil {
		return nil, fmt.Errorf("row sync: %w", err)
	}
	return res, nil
}

// streamEvents prints one line per bus event until the context ends.
func streamEvents(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if jsonOutput {
				outputJSON(ev)
			} else {
				fmt.Printf("%s  %s  %s\n",
					time.UnixMilli(ev.Timestamp).Format("15:04:05"),
					ev.Type, describeEvent(ev))
			}
		}
	}
}

// countRowStates tallies rows per state name.
func countRowStates(rows []codegraph.Row) map[string]int {
	if len(rows) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.State.String()]++
	}
	return counts
}

// outputBuildText renders a build result for humans.
func outputBuildText(res *builder.Result, sync *codegraph.SyncStats) {
	fmt.Printf("Snapshot %s committed in %s\n", res.Snapshot.ID, res.Duration.Round(time.Millisecond))
	fmt.Printf("  nodes: %d  edges: %d  orphans: %d\n",
		res.Snapshot.NodeCount, res.Snapshot.EdgeCount, res.Snapshot.OrphanCount)
	fmt.Printf("  files analyzed: %d  reused: %d\n", res.FilesAnalyzed, res.FilesReused)
	fmt.Printf("  rows: %d created, %d refreshed, %d deleted, %d kept\n",
		sync.Created, sync.Refreshed, sync.Deleted, sync.Kept)

	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if len(res.Failures) > 0 {
		fmt.Printf("\n%d file(s) failed analysis:\n", len(res.Failures))
		for _, f := range res.Failures {
			fmt.Printf("  %s: %s (%d attempts)\n", f.Path, f.Err, f.Attempts)
		}
	}
}

// outputStatusText renders the status summary for humans.
func outputStatusText(out statusOutput) {
	fmt.Printf("Workspace: %s\n", out.Root)
	fmt.Printf("Data dir:  %s\n", out.DataDir)

	if out.SnapshotID == "" {
		fmt.Println("\nNo snapshot yet. Run 'harbor build' first.")
		return
	}

	fmt.Printf("\nSnapshot %s (%d total)\n", out.SnapshotID, out.Snapshots)
	fmt.Printf("  nodes: %d  edges: %d  orphans: %d\n",
		out.Stats.Nodes, out.Stats.Edges, out.Stats.Orphans)
	if out.Clean {
		fmt.Println("  graph is clean")
	} else {
		fmt.Println("  graph is DIRTY (dangling edges quarantined)")
	}

	if len(out.RowStates) > 0 {
		fmt.Println("\nRows:")
		for _, state := range rowStateOrder {
			if n := out.RowStates[state]; n > 0 {
				fmt.Printf("  %-18s %d\n", state, n)
			}
		}
	}
}

// rowStateOrder fixes the state listing order in text output.
var rowStateOrder = []string{
	"clean", "proposed", "validating", "ready_to_apply",
	"validation_failed", "applied", "blocked",
}
