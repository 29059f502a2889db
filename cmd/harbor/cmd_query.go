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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/retrieve"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	querySnapshot string

	traverseDirection string
	traverseMaxDepth  int
	traverseFanOut    int
	traverseKinds     []string
	traverseBudget    int

	retrieveSeeds      []string
	retrieveQueryText  string
	retrieveHops       int
	retrieveFanOut     int
	retrieveK          int
	retrieveMaxResults int
	retrieveMaxBytes   int

	rowsStates []string
	rowsFile   string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read the graph: nodes, orphans, snapshots",
}

var queryNodeCmd = &cobra.Command{
	Use:   "node [node-id]",
	Short: "Look up one interface node by id",
	Long: `Look up one interface node by id.

Node ids are stable hex digests; find them via 'harbor retrieve',
'harbor traverse', or 'harbor rows'.

Examples:
  harbor query node 4f1f8ba92c3ad106
  harbor query node 4f1f8ba92c3ad106 --snapshot 0d9e... --json`,
	Args: cobra.ExactArgs(1),
	Run:  runQueryNode,
}

var queryOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List quarantined dangling edges in a snapshot",
	Args:  cobra.NoArgs,
	Run:   runQueryOrphans,
}

var querySnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List committed snapshots, newest first",
	Args:  cobra.NoArgs,
	Run:   runQuerySnapshots,
}

var traverseCmd = &cobra.Command{
	Use:   "traverse [root-node-id]",
	Short: "Expand the bounded neighborhood of a node",
	Long: `Traverse runs a breadth-first expansion from a root node over the
snapshot's live edges, bounded by depth, per-node fan-out, and a total
node budget.

Direction is one of: out, in, both.
Edge kinds: calls, implements, uses, depends, requires_bound,
feature_gated_by.

Examples:
  harbor traverse 4f1f8ba92c3ad106
  harbor traverse 4f1f8ba92c3ad106 --direction both --max-depth 3
  harbor traverse 4f1f8ba92c3ad106 --kind calls --kind uses --json`,
	Args: cobra.ExactArgs(1),
	Run:  runTraverse,
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Hybrid retrieval: graph walk fused with similarity search",
	Long: `Retrieve unions a bounded graph walk from seed nodes with a
similarity lookup against the vector index, ranks the union, and
truncates it to the result and byte budgets.

At least one of --seed or --query is required. --query embeds the text
with the configured embedder.

Examples:
  harbor retrieve --seed 4f1f8ba92c3ad106
  harbor retrieve --query "parse configuration file" --k 16
  harbor retrieve --seed 4f1f8ba9 --query "snapshot commit" --max-results 10`,
	Args: cobra.NoArgs,
	Run:  runRetrieve,
}

var rowsCmd = &cobra.Command{
	Use:   "rows",
	Short: "List code rows and their candidate state",
	Long: `List code rows, optionally filtered by state or file.

States: clean, proposed, validating, ready_to_apply, validation_failed,
applied, blocked.

Examples:
  harbor rows
  harbor rows --state proposed --state validating
  harbor rows --file internal/server/handler.go --json`,
	Args: cobra.NoArgs,
	Run:  runRows,
}

var diffCmd = &cobra.Command{
	Use:   "diff [node-id]",
	Short: "Show the unified diff of a row's candidate",
	Args:  cobra.ExactArgs(1),
	Run:   runDiff,
}

func init() {
	queryCmd.PersistentFlags().StringVar(&querySnapshot, "snapshot", "",
		"Snapshot id to read (default: current)")

	traverseCmd.Flags().StringVar(&traverseDirection, "direction", "out",
		"Edge direction to follow: out, in, or both")
	traverseCmd.Flags().IntVar(&traverseMaxDepth, "max-depth", 0,
		"Hop bound (0 uses the store default)")
	traverseCmd.Flags().IntVar(&traverseFanOut, "fan-out", 0,
		"Neighbors expanded per node (0 uses the store default)")
	traverseCmd.Flags().StringArrayVar(&traverseKinds, "kind", nil,
		"Edge kind to follow; repeatable (default: all kinds)")
	traverseCmd.Flags().IntVar(&traverseBudget, "budget", 0,
		"Total visited-node budget (0 uses the store default)")
	traverseCmd.Flags().StringVar(&querySnapshot, "snapshot", "",
		"Snapshot id to read (default: current)")

	retrieveCmd.Flags().StringArrayVar(&retrieveSeeds, "seed", nil,
		"Seed node id for the graph walk; repeatable")
	retrieveCmd.Flags().StringVar(&retrieveQueryText, "query", "",
		"Free text embedded for the similarity lookup")
	retrieveCmd.Flags().IntVar(&retrieveHops, "hops", 0,
		"Walk depth from each seed (0 uses the retriever default)")
	retrieveCmd.Flags().IntVar(&retrieveFanOut, "fan-out", 0,
		"Neighbors expanded per node (0 uses the retriever default)")
	retrieveCmd.Flags().IntVar(&retrieveK, "k", 0,
		"Similarity results requested (0 uses the retriever default)")
	retrieveCmd.Flags().IntVar(&retrieveMaxResults, "max-results", 0,
		"Ranked result cap (0 uses the retriever default)")
	retrieveCmd.Flags().IntVar(&retrieveMaxBytes, "max-bytes", 0,
		"Serialized size cap (0 uses the retriever default)")

	rowsCmd.Flags().StringArrayVar(&rowsStates, "state", nil,
		"Row state to keep; repeatable (default: all states)")
	rowsCmd.Flags().StringVar(&rowsFile, "file", "",
		"Keep only rows whose code lives in this file")

	queryCmd.AddCommand(queryNodeCmd)
	queryCmd.AddCommand(queryOrphansCmd)
	queryCmd.AddCommand(querySnapshotsCmd)

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(traverseCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(rowsCmd)
	rootCmd.AddCommand(diffCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runQueryNode looks up one node.
func runQueryNode(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession("query")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	snapID, err := s.currentSnapshot(ctx, querySnapshot)
	if err != nil {
		os.Exit(outputError("Failed to resolve snapshot", err))
	}

	node, err := s.store.GetNode(ctx, snapID, isg.NodeID(args[0]))
	if err != nil {
		os.Exit(outputError("Node lookup failed", err))
	}

	if jsonOutput {
		outputJSON(node)
	} else {
		outputNodeText(node)
	}
	os.Exit(CLIExitSuccess)
}

// runQueryOrphans lists quarantined edges.
func runQueryOrphans(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession("query")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	snapID, err := s.currentSnapshot(ctx, querySnapshot)
	if err != nil {
		os.Exit(outputError("Failed to resolve snapshot", err))
	}

	orphans, err := s.store.Orphans(ctx, snapID)
	if err != nil {
		os.Exit(outputError("Orphan query failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"snapshot_id": snapID, "orphans": orphans})
	} else {
		if len(orphans) == 0 {
			fmt.Printf("Snapshot %s is clean.\n", snapID)
		} else {
			fmt.Printf("%d quarantined edge(s) in %s:\n", len(orphans), snapID)
			for _, o := range orphans {
				fmt.Printf("  %s -[%s]-> %s  (missing %s)\n", o.Edge.Src, o.Edge.Kind, o.Edge.Dst, o.Missing)
			}
		}
	}

	if len(orphans) > 0 {
		os.Exit(CLIExitFindings)
	}
	os.Exit(CLIExitSuccess)
}

// runQuerySnapshots lists committed snapshots.
func runQuerySnapshots(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession("query")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		os.Exit(outputError("Snapshot listing failed", err))
	}
	current, _ := s.store.CurrentSnapshotID(ctx)

	if jsonOutput {
		outputJSON(map[string]any{"current": current, "snapshots": snaps})
	} else {
		if len(snaps) == 0 {
			fmt.Println("No snapshots. Run 'harbor build' first.")
		}
		for _, snap := range snaps {
			marker := " "
			if snap.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  nodes %d  edges %d  orphans %d\n",
				marker, snap.ID,
				time.UnixMilli(snap.CreatedAtMilli).Format(time.RFC3339),
				snap.NodeCount, snap.EdgeCount, snap.OrphanCount)
		}
	}
	os.Exit(CLIExitSuccess)
}

// runTraverse expands a bounded neighborhood.
func runTraverse(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := store.ParseDirection(traverseDirection)
	if dir < 0 {
		os.Exit(outputError("Invalid direction", fmt.Errorf("%q is not out, in, or both", traverseDirection)))
	}
	var kinds []isg.EdgeKind
	for _, k := range traverseKinds {
		kind := isg.ParseEdgeKind(k)
		if kind == isg.EdgeUnknown {
			os.Exit(outputError("Invalid edge kind", fmt.Errorf("%q", k)))
		}
		kinds = append(kinds, kind)
	}

	s, err := openSession("traverse")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	snapID, err := s.currentSnapshot(ctx, querySnapshot)
	if err != nil {
		os.Exit(outputError("Failed to resolve snapshot", err))
	}

	opts := store.DefaultTraversalOptions()
	opts.Direction = dir
	opts.Kinds = kinds
	if traverseMaxDepth > 0 {
		opts.MaxDepth = traverseMaxDepth
	}
	if traverseFanOut > 0 {
		opts.FanOut = traverseFanOut
	}
	if traverseBudget > 0 {
		opts.NodeBudget = traverseBudget
	}

	tr, err := s.store.Neighborhood(ctx, snapID, isg.NodeID(args[0]), opts)
	if err != nil {
		os.Exit(outputError("Traversal failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"snapshot_id": snapID, "traversal": tr})
	} else {
		outputTraversalText(tr)
	}
	os.Exit(CLIExitSuccess)
}

// runRetrieve fuses a graph walk with a similarity lookup.
func runRetrieve(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if len(retrieveSeeds) == 0 && retrieveQueryText == "" {
		os.Exit(outputError("Nothing to retrieve", retrieve.ErrEmptyQuery))
	}

	s, err := openSession("retrieve")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	search, closeSearch, err := s.newSearcher()
	if err != nil {
		os.Exit(outputError("Failed to open vector index", err))
	}
	defer closeSearch()

	retriever, err := s.newRetriever(search)
	if err != nil {
		os.Exit(outputError("Failed to create retriever", err))
	}

	query := retrieve.Query{
		HopLimit:   retrieveHops,
		FanOut:     retrieveFanOut,
		K:          retrieveK,
		MaxResults: retrieveMaxResults,
		MaxBytes:   retrieveMaxBytes,
	}
	for _, seed := range retrieveSeeds {
		query.Seeds = append(query.Seeds, isg.NodeID(seed))
	}
	if retrieveQueryText != "" {
		embedder, err := s.newEmbedder()
		if err != nil {
			os.Exit(outputError("Failed to create embedder", err))
		}
		vec, err := embedder.Embed(ctx, retrieveQueryText)
		if err != nil {
			os.Exit(outputError("Embedding failed", err))
		}
		query.Embedding = vec
	}

	res, err := retriever.Retrieve(ctx, query)
	if err != nil {
		os.Exit(outputError("Retrieval failed", err))
	}

	if jsonOutput {
		outputJSON(res)
	} else {
		outputRetrieveText(res)
	}
	os.Exit(CLIExitSuccess)
}

// runRows lists filtered rows.
func runRows(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var filter *codegraph.RowFilter
	if len(rowsStates) > 0 || rowsFile != "" {
		filter = &codegraph.RowFilter{FilePath: rowsFile}
		for _, s := range rowsStates {
			state := codegraph.ParseRowState(s)
			if state < 0 {
				os.Exit(outputError("Invalid row state", fmt.Errorf("%q", s)))
			}
			filter.States = append(filter.States, state)
		}
	}

	s, err := openSession("rows")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	rows, err := s.rows.Rows(ctx, filter)
	if err != nil {
		os.Exit(outputError("Row listing failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"rows": rows, "total": len(rows)})
	} else {
		outputRowsText(rows)
	}
	os.Exit(CLIExitSuccess)
}

// runDiff prints a row's candidate diff.
func runDiff(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession("diff")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	diff, err := s.rows.Diff(ctx, isg.NodeID(args[0]))
	if err != nil {
		os.Exit(outputError("Diff failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"node_id": args[0], "diff": diff})
	} else {
		fmt.Print(diff)
	}
	os.Exit(CLIExitSuccess)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// outputNodeText renders one node for humans.
func outputNodeText(node *isg.InterfaceNode) {
	fmt.Printf("%s  %s\n", node.ID, node.Signature)
	fmt.Printf("  kind: %s  visibility: %s", node.Kind, node.Visibility)
	if node.Scope != "" {
		fmt.Printf("  scope: %s", node.Scope)
	}
	if node.IsTest {
		fmt.Print("  [test]")
	}
	fmt.Println()
	fmt.Printf("  %s:%d\n", node.FilePath, node.Line)
	if node.Doc != "" {
		fmt.Printf("  %s\n", node.Doc)
	}
}

// outputTraversalText renders a traversal for humans.
func outputTraversalText(tr *store.Traversal) {
	fmt.Printf("Neighborhood of %s: %d node(s), %d edge(s)\n\n", tr.Root, len(tr.Nodes), len(tr.Edges))
	for _, n := range tr.Nodes {
		fmt.Printf("  [%d] %s  %s  (%s:%d)\n", tr.Depths[n.ID], n.ID, n.Name, n.FilePath, n.Line)
	}
	if tr.Truncated {
		fmt.Println("\n  (expansion truncated by fan-out or budget)")
	}
}

// outputRetrieveText renders ranked retrieval results for humans.
func outputRetrieveText(res *retrieve.ResultSet) {
	if len(res.Results) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, r := range res.Results {
		fmt.Printf("%2d. %.3f  %s  %s  (%s:%d)\n",
			i+1, r.Score, r.ID, r.Node.Name, r.Node.FilePath, r.Node.Line)
	}
	if res.Truncated {
		fmt.Println("\n(results truncated by budget)")
	}
}

// outputRowsText renders the row listing for humans.
func outputRowsText(rows []codegraph.Row) {
	if len(rows) == 0 {
		fmt.Println("No rows match.")
		return
	}
	for _, r := range rows {
		line := fmt.Sprintf("%s  %-18s %s", r.NodeID, r.State, r.FilePath)
		if r.HasCandidate() {
			line += fmt.Sprintf("  candidate=%s action=%s attempts=%d",
				shortID(r.CandidateID), r.FutureAction, r.Attempts)
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d row(s)\n", len(rows))
}
