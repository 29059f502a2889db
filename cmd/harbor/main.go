// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command harbor manages the Harbor interface signature graph and the
// candidate pipeline built on top of it: building and watching the
// graph, querying and retrieving nodes, proposing candidate code,
// driving the safety gate, approving and promoting candidates, and
// serving the HTTP API.
package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHarbor/pkg/logging"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/config"
)

// --- Global Command Variables ---
var (
	cfg       *config.Config
	appLogger *logging.Logger

	configPath string
	logDir     string
	jsonOutput bool
	quietLogs  bool

	rootCmd = &cobra.Command{
		Use:   "harbor",
		Short: "A cli to manage the Harbor code graph and candidate pipeline",
		Long: `Harbor maintains an interface signature graph of a source tree and a
				temporal code store of agent-proposed edits. Candidates pass a
				three-stage safety gate and an explicit approval before anything
				reaches the working tree.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (default ~/.harbor/harbor.yaml, created on first run)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Also write JSON logs to a dated file in this directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit JSON instead of text")
	rootCmd.PersistentFlags().BoolVar(&quietLogs, "quiet", false,
		"Suppress stderr log output (exit codes and stdout only)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		cfg = loaded
		appLogger = logging.New(logging.Config{
			Level:   cliLogLevel(cfg.Logging.Level),
			LogDir:  logDir,
			Service: "cli",
			JSON:    cfg.Logging.Format == "json",
			Quiet:   quietLogs,
		})
	}
}

// cliLogLevel maps a config level string onto the logging enum.
func cliLogLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
