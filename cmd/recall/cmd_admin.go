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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var clearAll bool

// validateChainCmd reports a session's parent-chain health.
var validateChainCmd = &cobra.Command{
	Use:   "validate-chain [session-id]",
	Short: "Validate a session's message chain without modifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet,
			"/v1/sessions/"+url.PathEscape(args[0])+"/chain/validate", nil)
	},
}

// repairChainCmd reattaches broken parent references in a session.
var repairChainCmd = &cobra.Command{
	Use:   "repair-chain [session-id]",
	Short: "Repair broken parent references in a session's message chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodPost,
			"/v1/sessions/"+url.PathEscape(args[0])+"/chain/repair", nil)
	},
}

// statsCmd prints service-wide memory statistics.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index, retrieval and window statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(http.MethodGet, "/v1/statistics", nil)
	},
}

// clearCmd deletes one session's memory, or everything with --all.
var clearCmd = &cobra.Command{
	Use:   "clear [session-id]",
	Short: "Delete a session's memory, or all memory with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		if clearAll {
			if len(args) != 0 {
				return fmt.Errorf("--all does not take a session id")
			}
			return apiCall(http.MethodDelete, "/v1/memory", nil)
		}
		if len(args) != 1 {
			return fmt.Errorf("expected a session id or --all")
		}
		return apiCall(http.MethodDelete,
			"/v1/sessions/"+url.PathEscape(args[0]), nil)
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearAll, "all", false,
		"Delete every session's messages, chunks and windows")
}

// apiCall issues one request against the running service and pretty
// prints the JSON response to stdout.
func apiCall(method, path string, body io.Reader) error {
	client := &http.Client{Timeout: 30 * time.Second}
	base := strings.TrimRight(serverURL, "/")

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err != nil {
		// Not JSON; print as-is.
		fmt.Println(string(data))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
