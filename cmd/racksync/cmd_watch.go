// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rackbook/racksync/cmd/racksync/config"
	"github.com/rackbook/racksync/pkg/logging"
	"github.com/rackbook/racksync/pkg/saveagent"
	"github.com/rackbook/racksync/services/racksync/datatypes"
)

const reconnectProbeInterval = 10 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch <record-id> <draft.yaml>",
	Short: "Watch a draft file and auto-save edited fields as you work",
	Long: `watch reads a YAML draft mapping field names to values, then keeps
watching it. Each time the file is written, changed fields are queued and
auto-saved after the debounce window. If the service goes down the edits
park locally and replay on reconnect; edits that raced another session
surface as conflicts.`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	recordID, draftPath := args[0], args[1]

	logger := logging.New(logging.Config{Service: "racksync-watch", Quiet: true,
		LogDir: os.Getenv("RACKSYNC_LOG_DIR")})
	defer logger.Close()

	offline, err := saveagent.OpenOfflineStore(config.Global.OfflineDir)
	if err != nil {
		return err
	}
	defer offline.Close()

	transport := newTransport()
	status, err := transport.Status(cmd.Context(), recordID)
	if err != nil && !errors.Is(err, saveagent.ErrOffline) {
		return err
	}
	var baseline int64
	if status != nil {
		baseline = status.AutoSaveState.Version
	}

	agent := saveagent.NewAgent(saveagent.Config{
		RecordID:  recordID,
		SessionID: sessionID,
		Debounce:  time.Duration(config.Global.DebounceMs) * time.Millisecond,
	}, transport, offline, baseline, logger.Slog())
	defer agent.Close()

	lastSeen, err := readDraft(draftPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(draftPath); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(styles.Title.Render("Watching " + draftPath))
	fmt.Println(styles.Muted.Render(fmt.Sprintf("record %s, session %s, baseline version %d",
		recordID, sessionID, baseline)))

	probe := time.NewTicker(reconnectProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so the last keystrokes are not lost.
			agent.Flush()
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := agent.Wait(flushCtx); err != nil {
				warnf("Some edits did not finish saving; they are parked locally.")
			}
			reportStates(agent)
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			current, err := readDraft(draftPath)
			if err != nil {
				warnf("Draft unreadable: %v", err)
				continue
			}
			for field, value := range current {
				if lastSeen[field] != value {
					agent.ScheduleAutoSave(field, value)
					fmt.Println(styles.Muted.Render("queued " + field))
				}
			}
			lastSeen = current

			// Some editors replace the file, which drops the watch.
			if event.Has(fsnotify.Create) {
				_ = watcher.Add(draftPath)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			warnf("watch error: %v", err)

		case <-probe.C:
			reportStates(agent)
			if agent.Conn() == saveagent.ConnOffline {
				result, err := agent.Reconnect(ctx)
				if err != nil {
					warnf("Still offline: %v", err)
					continue
				}
				successf("Reconnected: %d replayed, %d conflicted.",
					len(result.Replayed), len(result.Conflicted))
				if len(result.Conflicted) > 0 {
					fmt.Println(styles.Muted.Render("Run: racksync conflicts " + recordID))
				}
			}
		}
	}
}

// readDraft parses the YAML draft into field values, keeping only editable
// fields.
func readDraft(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]string)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("draft must be a YAML map of field: value: %w", err)
	}
	fields := make(map[string]string, len(raw))
	for field, value := range raw {
		if datatypes.IsEditableField(field) {
			fields[field] = value
		}
	}
	return fields, nil
}

func reportStates(agent *saveagent.Agent) {
	for field, state := range agent.States() {
		switch state {
		case saveagent.StateConflict:
			warnf("%s: conflict, needs resolution", field)
		case saveagent.StateFailed:
			errorf("%s: save failed", field)
		}
	}
}
