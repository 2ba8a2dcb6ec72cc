// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

var saveCmd = &cobra.Command{
	Use:   "save <record-id> <field> <value>",
	Short: "Save one field of a record",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID, field, value := args[0], args[1], args[2]

		req := datatypes.AutoSaveRequest{
			Field:     field,
			Value:     value,
			SessionID: sessionID,
		}
		if saveVersion > 0 {
			v := saveVersion
			req.Version = &v
		}

		resp, err := newTransport().SaveField(cmd.Context(), recordID, req)
		if err != nil {
			return err
		}
		if resp.ConflictDetected {
			warnf("Conflict: the record is at version %d, you expected %d.",
				resp.CurrentVersion, resp.ExpectedVersion)
			fmt.Println(styles.Muted.Render("Run: racksync conflicts " + recordID))
			return nil
		}
		successf("Saved %s (version %d, %.1fms)", field, resp.Version, resp.SaveTimeMs)
		if resp.LargePayload {
			fmt.Println(styles.Muted.Render("Large content saved."))
		}
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "save-batch <record-id> <field>=<value> ...",
	Short: "Save several fields in one versioned write",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID := args[0]
		fields, err := parsePairs(args[1:])
		if err != nil {
			return err
		}

		req := datatypes.BatchSaveRequest{Fields: fields, SessionID: sessionID}
		if saveVersion > 0 {
			v := saveVersion
			req.Version = &v
		}

		resp, err := newTransport().SaveFields(cmd.Context(), recordID, req)
		if err != nil {
			return err
		}
		if resp.ConflictDetected {
			warnf("Conflict on %d field(s); record is at version %d.",
				len(resp.Conflicts), resp.CurrentVersion)
			fmt.Println(styles.Muted.Render("Run: racksync conflicts " + recordID))
			return nil
		}
		successf("Saved %s (version %d)", strings.Join(resp.Fields, ", "), resp.Version)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <record-id>",
	Short: "Show a record's sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newTransport().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		state := resp.AutoSaveState
		fmt.Println(styles.Title.Render("Record " + args[0]))
		fmt.Printf("%s %d\n", styles.Label.Render("version:"), state.Version)
		fmt.Printf("%s %s\n", styles.Label.Render("modified:"), state.LastModified.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("%s %d\n", styles.Label.Render("sessions:"), state.ActiveSessions)
		if state.HasConflicts {
			warnf("conflicts: yes")
		}
		for _, field := range datatypes.EditableFields {
			value := state.Fields[field]
			if len(value) > 60 {
				value = value[:57] + "..."
			}
			fmt.Printf("  %-15s %s\n", field, styles.Muted.Render(value))
		}
		if resp.AnalysisStatus != nil && resp.AnalysisStatus.HasError {
			errorf("analysis failed: %s", resp.AnalysisStatus.ErrorMessage)
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <record-id>",
	Short: "Show outstanding conflicts side by side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// A freshly minted session has no conflicts of its own; ask for
		// whichever session the service is holding conflicts for.
		lookup := sessionID
		if sessionGenerated {
			lookup = ""
		}
		resp, err := newTransport().Conflicts(cmd.Context(), args[0], lookup)
		if err != nil {
			return err
		}
		fmt.Println(renderConflictBanner(*resp))
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <record-id> <field>=<choice> ...",
	Short: "Resolve conflicts field by field (keep_yours, keep_server, merge)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID := args[0]
		resolutions, err := parsePairs(args[1:])
		if err != nil {
			return err
		}

		resp, err := newTransport().Resolve(cmd.Context(), recordID, datatypes.ResolveRequest{
			SessionID:   sessionID,
			Resolutions: resolutions,
		})
		if err != nil {
			return err
		}
		if resp.NoOp {
			fmt.Println(styles.Muted.Render("Nothing to resolve."))
			return nil
		}
		if len(resp.ResolvedFields) > 0 {
			successf("Resolved %s (version %d)", strings.Join(resp.ResolvedFields, ", "), resp.NewVersion)
		}
		for _, draft := range resp.MergeDrafts {
			warnf("Merge draft for %s - edit and save it yourself:", draft.Field)
			fmt.Println(styles.ValueBox.Render(draft.Draft))
		}
		return nil
	},
}

var autoResolveCmd = &cobra.Command{
	Use:   "auto-resolve <record-id>",
	Short: "Resolve every conflict with one strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newTransport().AutoResolve(cmd.Context(), args[0], datatypes.AutoResolveRequest{
			SessionID: sessionID,
			Strategy:  strategyName,
		})
		if err != nil {
			return err
		}
		if resp.Resolution != nil && resp.Resolution.NoOp {
			fmt.Println(styles.Muted.Render("Nothing to resolve."))
			return nil
		}
		successf("Auto-resolved %d field(s) with %s", resp.AutoResolvedCount, strategyName)
		if len(resp.Fallbacks) > 0 {
			warnf("Fell back to last_write_wins on: %s", strings.Join(resp.Fallbacks, ", "))
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <record-id> <last-known-version>",
	Short: "Check what changed since a version, as a reconnecting client would",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var version int64
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}

		resp, err := newTransport().Recover(cmd.Context(), args[0], datatypes.RecoveryRequest{
			SessionID:   sessionID,
			ClientState: datatypes.ClientState{Version: version},
		})
		if err != nil {
			return err
		}
		if !resp.RecoveryNeeded {
			successf("Up to date at version %d.", resp.CurrentState.Version)
			return nil
		}
		warnf("Record moved to version %d while you were away (gap %d).",
			resp.CurrentState.Version, resp.MissedChanges.VersionGap)
		if resp.MissedChanges.ChangedSession != "" {
			fmt.Println(styles.Muted.Render("last changed by session " + resp.MissedChanges.ChangedSession))
		}
		switch resp.SuggestedAction {
		case datatypes.RecoveryReloadRequired:
			errorf("Too much changed: reload the record before continuing.")
		default:
			fmt.Println(styles.Muted.Render("Safe to sync and replay your edits."))
		}
		return nil
	},
}

// parsePairs turns ["a=1", "b=2"] into a map.
func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		out[k] = v
	}
	return out, nil
}
