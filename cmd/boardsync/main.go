// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "boardsync",
		Short: "A collaborative board synchronization server",
		Long: `Boardsync serves shared argument boards to concurrent editors:
a CRDT document store with durable update logs, snapshot compaction,
and a websocket presence layer for live collaboration.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE:  runServe, // Defined in serve.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the boardsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("boardsync", version)
		},
	}
)

// version is stamped at build time via -ldflags.
var version = "dev"

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"path to the server configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
