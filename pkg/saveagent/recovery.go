// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package saveagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// ReconnectResult summarises what a reconnect did.
type ReconnectResult struct {
	// Recovery is the server's view of what the client missed.
	Recovery *datatypes.RecoveryResponse

	// Replayed lists parked fields that saved cleanly on replay.
	Replayed []string

	// Conflicted lists parked fields whose replay was rejected because the
	// record moved while offline; they await resolution.
	Conflicted []string
}

// Reconnect moves the agent Offline -> Reconciling -> Online. It asks the
// service what was missed, then replays every parked save with the version
// the save was parked against, so anything that raced an external change
// surfaces as an ordinary conflict instead of silently overwriting it.
//
// On transport failure the agent drops back to Offline and the parked
// saves stay parked.
func (a *Agent) Reconnect(ctx context.Context) (*ReconnectResult, error) {
	a.mu.Lock()
	if a.conn == ConnReconciling {
		a.mu.Unlock()
		return nil, errors.New("reconnect already in progress")
	}
	a.conn = ConnReconciling
	baseline := a.version
	a.mu.Unlock()

	result, err := a.reconcile(ctx, baseline)
	a.mu.Lock()
	if err != nil {
		a.conn = ConnOffline
	} else {
		a.conn = ConnOnline
	}
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// Anything queued while reconciling can drain now.
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return result, nil
}

func (a *Agent) reconcile(ctx context.Context, baseline int64) (*ReconnectResult, error) {
	var parked []datatypes.SaveOperation
	if a.offline != nil {
		var err error
		parked, err = a.offline.Parked(a.cfg.RecordID)
		if err != nil {
			return nil, fmt.Errorf("load parked saves: %w", err)
		}
	}

	pending := make(map[string]string, len(parked))
	for _, op := range parked {
		pending[op.Field] = op.Value
	}

	recovery, err := a.transport.Recover(ctx, a.cfg.RecordID, datatypes.RecoveryRequest{
		SessionID: a.cfg.SessionID,
		ClientState: datatypes.ClientState{
			Version:        baseline,
			PendingChanges: pending,
		},
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("reconnected",
		slog.Bool("recovery_needed", recovery.RecoveryNeeded),
		slog.String("suggested_action", recovery.SuggestedAction),
		slog.Int("parked", len(parked)),
	)

	result := &ReconnectResult{Recovery: recovery}
	// Debounced edits can park while the replay below is in flight. Reload
	// until the parked set is empty so they replay against their own base
	// version too.
	for len(parked) > 0 {
		if err := a.replayParked(ctx, parked, result); err != nil {
			return nil, err
		}
		if a.offline == nil {
			break
		}
		parked, err = a.offline.Parked(a.cfg.RecordID)
		if err != nil {
			return nil, fmt.Errorf("load parked saves: %w", err)
		}
	}

	// Adopt the server's version when nothing we replayed moved it.
	a.mu.Lock()
	if recovery.CurrentState.Version > a.version {
		a.version = recovery.CurrentState.Version
	}
	a.mu.Unlock()

	if a.offline != nil {
		if err := a.offline.SetLastSync(a.cfg.RecordID, time.Now()); err != nil {
			a.logger.Warn("failed to record last sync", "error", err)
		}
	}
	return result, nil
}

// replayParked sends each parked save with the version it was parked
// against, so anything that raced an external change conflicts instead of
// overwriting it.
func (a *Agent) replayParked(
	ctx context.Context,
	parked []datatypes.SaveOperation,
	result *ReconnectResult,
) error {
	for _, op := range parked {
		baseVersion := op.BaseVersion
		resp, err := a.transport.SaveField(ctx, a.cfg.RecordID, datatypes.AutoSaveRequest{
			Field:     op.Field,
			Value:     op.Value,
			Version:   &baseVersion,
			SessionID: a.cfg.SessionID,
			Timestamp: op.Timestamp.UnixMilli(),
		})
		if err != nil {
			// Unreachable again: stop here, what replayed stays replayed
			// and the rest stays parked.
			return err
		}

		switch {
		case resp.Success:
			result.Replayed = append(result.Replayed, op.Field)
			a.mu.Lock()
			a.version = resp.Version
			a.states[op.Field] = StateSaved
			a.mu.Unlock()
		case resp.ConflictDetected:
			result.Conflicted = append(result.Conflicted, op.Field)
			a.mu.Lock()
			a.states[op.Field] = StateConflict
			a.lastConflict = resp
			if resp.CurrentVersion > a.version {
				a.version = resp.CurrentVersion
			}
			a.mu.Unlock()
		}
		if a.offline != nil {
			if err := a.offline.Unpark(a.cfg.RecordID, op.Field); err != nil {
				a.logger.Warn("failed to unpark save",
					slog.String("field", op.Field),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}
