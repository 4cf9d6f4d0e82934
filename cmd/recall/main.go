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
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL targets a running recall service for the admin commands.
	serverURL string

	rootCmd = &cobra.Command{
		Use:   "recall",
		Short: "A CLI to run and administer the Aleutian recall service",
		Long: `Recall gives conversational agents long-term memory: it chunks and
embeds messages into a vector store, retrieves relevant history per turn,
and maintains rolling summarized conversation windows.

The serve subcommand runs the service; the remaining subcommands
administer a running instance over its HTTP API.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://localhost:12310", "Base URL of a running recall service")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateChainCmd)
	rootCmd.AddCommand(repairChainCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
