// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rackbook/racksync/cmd/racksync/config"
	"github.com/rackbook/racksync/pkg/saveagent"
)

// --- Global Command Variables ---
var (
	serverURL    string
	sessionID    string
	saveVersion  int64
	strategyName string

	// sessionGenerated is true when no session was configured and a random
	// one was minted for this run. Conflict lookups then fall back to
	// whichever session the service has conflicts for.
	sessionGenerated bool

	rootCmd = &cobra.Command{
		Use:   "racksync",
		Short: "A cli for rack auto-save: save fields, inspect and resolve conflicts",
		Long: `racksync talks to the rack auto-save service. It saves individual
fields under optimistic version control, shows conflicts side by side,
resolves them, and can watch a draft file and auto-save it as you edit.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = config.Global.ServerURL
			}
			if sessionID == "" {
				sessionID = config.Global.SessionID
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
				sessionGenerated = true
			}
			return nil
		},
	}
)

func newTransport() *saveagent.HTTPTransport {
	return saveagent.NewHTTPTransport(serverURL)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "racksync service URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "editing session id (default: random per run)")

	saveCmd.Flags().Int64Var(&saveVersion, "version", 0, "expected record version (0 skips the conflict check)")
	batchCmd.Flags().Int64Var(&saveVersion, "version", 0, "expected record version (0 skips the conflict check)")
	autoResolveCmd.Flags().StringVar(&strategyName, "strategy", "smart_merge",
		"resolution strategy: last_write_wins, first_write_wins or smart_merge")

	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(autoResolveCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(watchCmd)
}
