// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autosave

import (
	"context"
	"log/slog"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// reloadGapThreshold is the version gap beyond which a reconnecting client
// is told to reload instead of replaying: too much moved while it was away
// for an incremental sync to be trustworthy.
const reloadGapThreshold = 3

// HandleConnectionRecovery compares a reconnecting client's last known
// state against the server and tells it how to catch up. The check itself
// never mutates the record; the client replays its parked saves through the
// normal save path afterwards, where stale versions surface as ordinary
// conflicts.
func (s *Service) HandleConnectionRecovery(
	ctx context.Context,
	recordID string,
	req datatypes.RecoveryRequest,
) (*datatypes.RecoveryResponse, error) {
	record, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	state := datatypes.AutoSaveState{
		Version:        record.Version,
		LastModified:   record.LastModified,
		ActiveSessions: s.sessions.ActiveCount(recordID),
		HasConflicts:   s.conflicts.HasConflicts(recordID),
		Fields:         record.FieldValues(),
	}

	gap := record.Version - req.ClientState.Version
	if gap <= 0 {
		s.metrics.RecoveriesTotal.WithLabelValues("up_to_date").Inc()
		return &datatypes.RecoveryResponse{
			RecoveryNeeded: false,
			CurrentState:   state,
		}, nil
	}

	action := datatypes.RecoverySyncRecommended
	if gap > reloadGapThreshold {
		action = datatypes.RecoveryReloadRequired
	}
	s.metrics.RecoveriesTotal.WithLabelValues(action).Inc()
	s.logger.Info("connection recovery",
		slog.String("record_id", recordID),
		slog.String("session_id", req.SessionID),
		slog.Int64("client_version", req.ClientState.Version),
		slog.Int64("server_version", record.Version),
		slog.Int64("gap", gap),
		slog.String("action", action),
	)

	return &datatypes.RecoveryResponse{
		RecoveryNeeded: true,
		CurrentState:   state,
		MissedChanges: &datatypes.MissedChanges{
			VersionGap:     gap,
			LastModified:   record.LastModified,
			ChangedSession: record.LastSaveSession,
		},
		SuggestedAction: action,
	}, nil
}
