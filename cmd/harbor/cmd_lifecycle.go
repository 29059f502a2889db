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
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/apply"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	proposeFile       string
	proposeAction     string
	proposePatch      bool
	proposeTargetFile string

	validateTimeout time.Duration

	approveYes bool

	applyTimeout time.Duration

	pruneKeep int
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var proposeCmd = &cobra.Command{
	Use:   "propose [node-id]",
	Short: "Attach a candidate to a row",
	Long: `Propose attaches candidate code to a row, entering the proposed
state. The candidate is staged only; the workspace file is untouched
until 'harbor apply'.

Code is read from --file, or from stdin when --file is omitted. With
--patch the input is a unified diff against the row's current code
instead of full replacement text. Proposing over a validating row
supersedes the in-flight candidate and cancels its run.

Creating a node that does not exist yet needs --action create and
--target-file naming where the code will live.

Examples:
  harbor propose 4f1f8ba92c3ad106 --file candidate.go.txt
  git diff | harbor propose 4f1f8ba92c3ad106 --patch
  harbor propose 9a3c01de77b2f044 --action create --target-file internal/retry/backoff.go --file new.go.txt
  harbor propose 4f1f8ba92c3ad106 --action delete`,
	Args: cobra.ExactArgs(1),
	Run:  runPropose,
}

var validateCmd = &cobra.Command{
	Use:   "validate [node-id]",
	Short: "Run a row's candidate through the three-stage gate",
	Long: `Validate drives the row's candidate through the overlay check, the
shadow build, and the blast-radius test stages. The pipeline stops at
the first non-passing stage.

A failing candidate is a finding, not an error: the run concludes with
its stage results and the command exits 1. Errors (gate at capacity,
wrong row state) exit 2.

Examples:
  harbor validate 4f1f8ba92c3ad106
  harbor validate 4f1f8ba92c3ad106 --timeout 30m --json`,
	Args: cobra.ExactArgs(1),
	Run:  runValidate,
}

var approveCmd = &cobra.Command{
	Use:   "approve [node-id...]",
	Short: "Issue an apply token for a set of validated rows",
	Long: `Approve issues a short-lived token covering exactly the given rows.
Every row must be ready_to_apply. The token is single use and feeds
'harbor apply'; superseding any covered candidate voids it.

On a terminal the command asks for confirmation first; pass --yes to
skip the prompt (required when stdin is not a terminal).

Examples:
  harbor approve 4f1f8ba92c3ad106
  harbor approve 4f1f8ba92c3ad106 9a3c01de77b2f044 --yes`,
	Args: cobra.MinimumNArgs(1),
	Run:  runApprove,
}

var applyCmd = &cobra.Command{
	Use:   "apply [token]",
	Short: "Promote the approved candidate set into the workspace",
	Long: `Apply promotes every row the token covers in one atomic unit: rows
flip to applied, workspace files are rewritten, the graph rebuilds, and
the promoted set is re-verified against the real workspace.

If re-verification fails the whole promotion rolls back — files
restored, rows returned to validation_failed — and the command reports
the revert and exits 1.

Examples:
  harbor apply 2f0ad8c1-77e4-4c29-a214-5f6cf9e3b901
  harbor apply 2f0ad8c1-77e4-4c29-a214-5f6cf9e3b901 --json`,
	Args: cobra.ExactArgs(1),
	Run:  runApply,
}

var discardCmd = &cobra.Command{
	Use:   "discard [node-id]",
	Short: "Detach a row's candidate and return it to clean",
	Long: `Discard clears the row's candidate. A validating row's run is
cancelled first. This is also the only way out of blocked: discarding
resets the attempt counter.`,
	Args: cobra.ExactArgs(1),
	Run:  runDiscard,
}

var revertGraphCmd = &cobra.Command{
	Use:   "revert-graph [snapshot-id]",
	Short: "Point the graph back at an earlier snapshot",
	Long: `Revert-graph flips the current-snapshot pointer to an earlier
committed snapshot and resyncs the row table against it. Later
snapshots are kept until 'harbor prune'.

Note this moves the graph, not the workspace files; promotion rollback
is automatic and does not use this command.

Examples:
  harbor revert-graph 0d9e4c12-8f3a-4b77-9e01-2c6db85a1f40`,
	Args: cobra.ExactArgs(1),
	Run:  runRevertGraph,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop old snapshots, keeping the newest n",
	Long: `Prune drops all but the --keep newest committed snapshots. The
current snapshot always survives, even when older than the cutoff.
Pruning never happens automatically.

Examples:
  harbor prune --keep 10`,
	Args: cobra.NoArgs,
	Run:  runPrune,
}

func init() {
	proposeCmd.Flags().StringVar(&proposeFile, "file", "",
		"Read candidate code from this file (default: stdin)")
	proposeCmd.Flags().StringVar(&proposeAction, "action", "edit",
		"What the candidate does: create, edit, or delete")
	proposeCmd.Flags().BoolVar(&proposePatch, "patch", false,
		"Treat the input as a unified diff against the row's current code")
	proposeCmd.Flags().StringVar(&proposeTargetFile, "target-file", "",
		"Workspace-relative file for created nodes")

	validateCmd.Flags().DurationVar(&validateTimeout, "timeout", 20*time.Minute,
		"Overall validation deadline")

	approveCmd.Flags().BoolVar(&approveYes, "yes", false,
		"Skip the confirmation prompt")

	applyCmd.Flags().DurationVar(&applyTimeout, "timeout", 15*time.Minute,
		"Overall promotion deadline")

	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 10,
		"Snapshots to keep")

	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(revertGraphCmd)
	rootCmd.AddCommand(pruneCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runPropose stages a candidate on a row.
func runPropose(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id := isg.NodeID(args[0])
	action := codegraph.ParseFutureAction(proposeAction)
	if action < 0 {
		os.Exit(outputError("Invalid action", fmt.Errorf("%q is not create, edit, or delete", proposeAction)))
	}

	var input string
	if action != codegraph.ActionDelete {
		raw, err := readCandidateInput()
		if err != nil {
			os.Exit(outputError("Failed to read candidate code", err))
		}
		input = raw
	}

	s, err := openSession("propose")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	if proposePatch {
		err = s.rows.SetFutureFromPatch(ctx, id, input)
	} else {
		var opts []codegraph.ProposeOption
		if proposeTargetFile != "" {
			opts = append(opts, codegraph.WithFile(proposeTargetFile))
		}
		err = s.rows.SetFuture(ctx, id, input, action, opts...)
	}
	if err != nil {
		os.Exit(outputError("Proposal rejected", err))
	}

	row, err := s.rows.Row(ctx, id)
	if err != nil {
		os.Exit(outputError("Failed to read row back", err))
	}

	if jsonOutput {
		outputJSON(row)
	} else {
		fmt.Printf("Candidate %s attached to %s (%s, attempt %d).\n",
			shortID(row.CandidateID), row.NodeID, row.FutureAction, row.Attempts+1)
		fmt.Println("Next: harbor validate", args[0])
	}
	os.Exit(CLIExitSuccess)
}

// runValidate runs the gate over one candidate.
func runValidate(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()

	s, err := openSession("validate")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	gt, err := s.newGate()
	if err != nil {
		os.Exit(outputError("Failed to assemble gate", err))
	}

	run, err := gt.Validate(ctx, isg.NodeID(args[0]))
	if err != nil {
		os.Exit(outputError("Validation could not run", err))
	}

	if jsonOutput {
		outputJSON(run)
	} else {
		outputRunText(run)
	}

	if run.Final != codegraph.OutcomePass {
		os.Exit(CLIExitFindings)
	}
	os.Exit(CLIExitSuccess)
}

// runApprove issues an apply token after confirmation.
func runApprove(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids := make([]isg.NodeID, 0, len(args))
	for _, a := range args {
		ids = append(ids, isg.NodeID(a))
	}

	s, err := openSession("approve")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	if !approveYes {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			os.Exit(outputError("Confirmation needed",
				errors.New("stdin is not a terminal; pass --yes to approve non-interactively")))
		}
		ok, err := confirmApproval(ctx, s, ids)
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Cancelled.")
				os.Exit(CLIExitSuccess)
			}
			os.Exit(outputError("Confirmation failed", err))
		}
		if !ok {
			fmt.Println("Cancelled.")
			os.Exit(CLIExitSuccess)
		}
	}

	token, err := s.rows.IssueApproval(ctx, ids)
	if err != nil {
		os.Exit(outputError("Approval refused", err))
	}
	apv, err := s.rows.LookupApproval(ctx, token)
	if err != nil {
		os.Exit(outputError("Failed to read approval back", err))
	}

	if jsonOutput {
		outputJSON(apv)
	} else {
		fmt.Printf("Token: %s\n", token)
		fmt.Printf("Covers %d row(s), expires %s.\n", len(apv.NodeIDs),
			time.UnixMilli(apv.ExpiresAtMilli).Format(time.RFC3339))
		fmt.Println("Next: harbor apply", token)
	}
	os.Exit(CLIExitSuccess)
}

// runApply promotes the approved set.
func runApply(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	s, err := openSession("apply")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	b, err := s.newBuilder()
	if err != nil {
		os.Exit(outputError("Failed to create builder", err))
	}
	ctrl, err := s.newApply(b)
	if err != nil {
		os.Exit(outputError("Failed to create apply controller", err))
	}

	rep, err := ctrl.Promote(ctx, args[0])
	if err != nil {
		if errors.Is(err, apply.ErrReverted) && rep != nil {
			if jsonOutput {
				outputJSON(rep)
			} else {
				outputReportText(rep)
			}
			os.Exit(CLIExitFindings)
		}
		os.Exit(outputError("Promotion failed", err))
	}

	if _, err := s.syncRows(ctx, rep.SnapshotID); err != nil {
		s.logger.Warn("row sync after promotion failed", slog.Any("error", err))
	}

	if jsonOutput {
		outputJSON(rep)
	} else {
		outputReportText(rep)
	}
	os.Exit(CLIExitSuccess)
}

// runDiscard detaches a candidate.
func runDiscard(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession("discard")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	if err := s.rows.ClearFuture(ctx, isg.NodeID(args[0])); err != nil {
		os.Exit(outputError("Discard failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"node_id": args[0], "cleared": true})
	} else {
		fmt.Printf("Candidate cleared; %s is clean.\n", args[0])
	}
	os.Exit(CLIExitSuccess)
}

// runRevertGraph flips the current-snapshot pointer back.
func runRevertGraph(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := openSession("revert-graph")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	if err := s.store.RevertTo(ctx, args[0]); err != nil {
		os.Exit(outputError("Revert failed", err))
	}
	stats, err := s.syncRows(ctx, args[0])
	if err != nil {
		os.Exit(outputError("Row sync after revert failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"snapshot_id": args[0], "sync": stats})
	} else {
		fmt.Printf("Graph reverted to %s.\n", args[0])
		fmt.Printf("Rows: %d created, %d refreshed, %d deleted, %d kept.\n",
			stats.Created, stats.Refreshed, stats.Deleted, stats.Kept)
	}
	os.Exit(CLIExitSuccess)
}

// runPrune drops old snapshots.
func runPrune(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s, err := openSession("prune")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	dropped, err := s.store.PruneSnapshots(ctx, pruneKeep)
	if err != nil {
		os.Exit(outputError("Prune failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"dropped": dropped, "keep": pruneKeep})
	} else {
		fmt.Printf("Dropped %d snapshot(s).\n", dropped)
	}
	os.Exit(CLIExitSuccess)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// readCandidateInput reads the candidate body from --file or stdin.
func readCandidateInput() (string, error) {
	if proposeFile != "" {
		raw, err := os.ReadFile(proposeFile)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return "", errors.New("no --file given and stdin is a terminal")
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// confirmApproval shows the covered rows and asks for confirmation.
func confirmApproval(ctx context.Context, s *session, ids []isg.NodeID) (bool, error) {
	fmt.Printf("Approving %d row(s):\n", len(ids))
	for _, id := range ids {
		row, err := s.rows.Row(ctx, id)
		if err != nil {
			return false, err
		}
		fmt.Printf("  %s  %-18s %s (%s)\n", row.NodeID, row.State, row.FilePath, row.FutureAction)
	}
	fmt.Println()

	var confirm bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Issue apply token?").
				Description("The token covers exactly this set and expires shortly.").
				Value(&confirm).
				Affirmative("Approve").
				Negative("Cancel"),
		),
	).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil {
		return false, err
	}
	return confirm, nil
}

// outputRunText renders a concluded validation run for humans.
func outputRunText(run *codegraph.ValidationRun) {
	fmt.Printf("Run %s on %s (candidate %s): %s\n",
		shortID(run.ID), run.NodeID, shortID(run.CandidateID), run.Final)
	for _, st := range run.Stages {
		fmt.Printf("  %-8s %-9s %6dms\n", st.Stage, st.Outcome, st.DurationMilli)
		if st.Detail != "" && st.Outcome != codegraph.OutcomePass {
			fmt.Printf("    %s\n", st.Detail)
		}
	}
	if run.Final == codegraph.OutcomePass {
		fmt.Println("Next: harbor approve", run.NodeID)
	}
}

// outputReportText renders a promotion report for humans.
func outputReportText(rep *apply.Report) {
	if rep.Reverted {
		fmt.Printf("Promotion %s REVERTED after %s: %s\n",
			shortID(rep.CommitID), rep.Duration.Round(time.Millisecond), rep.Reason)
		fmt.Println("Workspace restored; rows returned to validation_failed.")
		return
	}
	fmt.Printf("Promotion %s committed in %s.\n",
		shortID(rep.CommitID), rep.Duration.Round(time.Millisecond))
	fmt.Printf("  rows: %d  snapshot: %s\n", len(rep.NodeIDs), rep.SnapshotID)
	for _, f := range rep.Files {
		fmt.Printf("  wrote %s\n", f)
	}
}
