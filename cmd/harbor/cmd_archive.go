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

	"github.com/AleutianAI/AleutianHarbor/services/harbor/archive"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var archiveTimeout time.Duration

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var exportCmd = &cobra.Command{
	Use:   "export [snapshot-id]",
	Short: "Archive a snapshot to the configured backend",
	Long: `Export writes a snapshot's full node and edge sets plus a manifest
to the archive backend: a GCS bucket when archive.bucket is configured,
a local directory otherwise. Without an argument the current snapshot
is exported.

Examples:
  harbor export
  harbor export 0d9e4c12-8f3a-4b77-9e01-2c6db85a1f40 --json`,
	Args: cobra.MaximumNArgs(1),
	Run:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [snapshot-id]",
	Short: "Restore an archived snapshot into the store",
	Long: `Import reads an archived snapshot back into the store as a new
committed snapshot and points the graph at it. The archive's content
hash and fingerprint are verified before anything is written; a
corrupt archive changes nothing.

Examples:
  harbor import 0d9e4c12-8f3a-4b77-9e01-2c6db85a1f40`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archived snapshots on the backend",
	Args:  cobra.NoArgs,
	Run:   runArchives,
}

func init() {
	exportCmd.Flags().DurationVar(&archiveTimeout, "timeout", 5*time.Minute,
		"Archive operation deadline")
	importCmd.Flags().DurationVar(&archiveTimeout, "timeout", 5*time.Minute,
		"Archive operation deadline")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(archivesCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runExport archives one snapshot.
func runExport(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	snapID := ""
	if len(args) == 1 {
		snapID = args[0]
	}

	s, err := openSession("export")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	a, err := s.newArchiver(ctx)
	if err != nil {
		os.Exit(outputError("Failed to open archive backend", err))
	}

	manifest, err := a.Export(ctx, snapID)
	if err != nil {
		os.Exit(outputError("Export failed", err))
	}

	if jsonOutput {
		outputJSON(manifest)
	} else {
		fmt.Printf("Exported %s.\n", manifest.SnapshotID)
		outputManifestText(manifest)
	}
	os.Exit(CLIExitSuccess)
}

// runImport restores one archived snapshot.
func runImport(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	s, err := openSession("import")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	a, err := s.newArchiver(ctx)
	if err != nil {
		os.Exit(outputError("Failed to open archive backend", err))
	}

	snap, err := a.Import(ctx, args[0])
	if err != nil {
		os.Exit(outputError("Import failed", err))
	}
	stats, err := s.syncRows(ctx, snap.ID)
	if err != nil {
		os.Exit(outputError("Row sync after import failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"snapshot": snap, "sync": stats})
	} else {
		fmt.Printf("Imported %s: %d nodes, %d edges.\n", snap.ID, snap.NodeCount, snap.EdgeCount)
		fmt.Printf("Rows: %d created, %d refreshed, %d deleted, %d kept.\n",
			stats.Created, stats.Refreshed, stats.Deleted, stats.Kept)
	}
	os.Exit(CLIExitSuccess)
}

// runArchives lists the backend's manifests.
func runArchives(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := openSession("archives")
	if err != nil {
		os.Exit(outputError("Failed to open workspace", err))
	}
	defer s.Close()

	a, err := s.newArchiver(ctx)
	if err != nil {
		os.Exit(outputError("Failed to open archive backend", err))
	}

	manifests, err := a.List(ctx)
	if err != nil {
		os.Exit(outputError("Archive listing failed", err))
	}

	if jsonOutput {
		outputJSON(map[string]any{"archives": manifests, "total": len(manifests)})
	} else {
		if len(manifests) == 0 {
			fmt.Println("No archives.")
		}
		for _, m := range manifests {
			fmt.Printf("%s  exported %s  nodes %d  edges %d  %s\n",
				m.SnapshotID,
				time.UnixMilli(m.ExportedAtMilli).Format(time.RFC3339),
				m.NodeCount, m.EdgeCount,
				humanBytes(m.CompressedSize))
		}
	}
	os.Exit(CLIExitSuccess)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// outputManifestText renders one manifest for humans.
func outputManifestText(m *archive.Manifest) {
	fmt.Printf("  fingerprint: %s\n", m.Fingerprint)
	fmt.Printf("  nodes %d  edges %d  %s compressed (%s raw)\n",
		m.NodeCount, m.EdgeCount,
		humanBytes(m.CompressedSize), humanBytes(m.UncompressedSize))
	fmt.Printf("  content hash: %s\n", m.ContentHash)
}

// humanBytes renders a byte count with a binary unit.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
