// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autosave

import (
	"sync"
	"time"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// Conflict state lifetimes: an unresolved conflict expires after 30
// minutes, and the per-record resolution history keeps the last 50 entries.
const (
	conflictTTL     = 30 * time.Minute
	historyRingSize = 50
)

// conflictState is the outstanding conflict set for one (record, session)
// pair. Sessions conflict independently: a second session's rejection must
// not evict the first session's pending resolution.
type conflictState struct {
	recordVersion int64
	conflicts     map[string]datatypes.Conflict
	detectedAt    time.Time
}

// HistoryEntry records one finished resolution for auditing.
type HistoryEntry struct {
	SessionID  string               `json:"session_id"`
	Field      string               `json:"field"`
	Resolution datatypes.Resolution `json:"resolution"`
	Strategy   string               `json:"strategy,omitempty"`
	ResolvedAt time.Time            `json:"resolved_at"`
}

// ConflictRegistry is the in-memory index of outstanding conflicts, keyed
// by record and session. Conflicts are transient coordination artifacts:
// registered when a stale save is rejected, removed when resolved or
// expired, never persisted.
type ConflictRegistry struct {
	mu sync.Mutex

	// byRecord maps record id -> session id -> conflict state.
	byRecord map[string]map[string]*conflictState

	history map[string][]HistoryEntry
	now     func() time.Time
}

// NewConflictRegistry creates an empty registry.
func NewConflictRegistry() *ConflictRegistry {
	return &ConflictRegistry{
		byRecord: make(map[string]map[string]*conflictState),
		history:  make(map[string][]HistoryEntry),
		now:      time.Now,
	}
}

// Register stores the conflict set produced by a rejected save, merged into
// the session's outstanding state. A newer rejection of the same field by
// the same session replaces the older entry: the latest attempt is the one
// the user will be asked to resolve.
func (r *ConflictRegistry) Register(
	recordID, sessionID string,
	recordVersion int64,
	conflicts []datatypes.Conflict,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byRecord[recordID]
	if !ok {
		sessions = make(map[string]*conflictState)
		r.byRecord[recordID] = sessions
	}
	state, ok := sessions[sessionID]
	if !ok {
		state = &conflictState{conflicts: make(map[string]datatypes.Conflict)}
		sessions[sessionID] = state
	}
	for _, c := range conflicts {
		state.conflicts[c.Field] = c
	}
	state.recordVersion = recordVersion
	state.detectedAt = r.now()
}

// Snapshot returns a session's outstanding conflicts, pruning expired state
// on the way. An empty sessionID falls back to the most recently rejected
// session, for read-only callers that do not know who holds a conflict.
// The session that owns the returned set comes back as owner.
func (r *ConflictRegistry) Snapshot(recordID, sessionID string) (owner string, version int64, detectedAt time.Time, conflicts []datatypes.Conflict, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.liveSessionsLocked(recordID)
	var state *conflictState
	if sessionID != "" {
		state = sessions[sessionID]
		owner = sessionID
	} else {
		for id, s := range sessions {
			if state == nil || s.detectedAt.After(state.detectedAt) {
				state = s
				owner = id
			}
		}
	}
	if state == nil {
		return "", 0, time.Time{}, nil, false
	}
	out := make([]datatypes.Conflict, 0, len(state.conflicts))
	for _, c := range state.conflicts {
		out = append(out, c)
	}
	return owner, state.recordVersion, state.detectedAt, out, true
}

// HasConflicts reports whether any session holds an unexpired conflict on
// the record.
func (r *ConflictRegistry) HasConflicts(recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveSessionsLocked(recordID)) > 0
}

// Resolve removes the named fields from the session's outstanding set and
// appends history entries. When every field is resolved the session's
// conflict state is dropped.
func (r *ConflictRegistry) Resolve(recordID, sessionID string, entries []HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.liveSessionsLocked(recordID)
	if state := sessions[sessionID]; state != nil {
		for _, e := range entries {
			delete(state.conflicts, e.Field)
		}
		if len(state.conflicts) == 0 {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.byRecord, recordID)
			}
		}
	}

	ring := append(r.history[recordID], entries...)
	if len(ring) > historyRingSize {
		ring = ring[len(ring)-historyRingSize:]
	}
	r.history[recordID] = ring
}

// Clear drops every session's conflict state for the record without
// recording history. Used when connection recovery supersedes stale
// conflicts.
func (r *ConflictRegistry) Clear(recordID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRecord, recordID)
}

// History returns the resolution history for a record, newest last.
func (r *ConflictRegistry) History(recordID string) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HistoryEntry, len(r.history[recordID]))
	copy(out, r.history[recordID])
	return out
}

func (r *ConflictRegistry) liveSessionsLocked(recordID string) map[string]*conflictState {
	sessions := r.byRecord[recordID]
	for id, state := range sessions {
		if r.now().Sub(state.detectedAt) > conflictTTL {
			delete(sessions, id)
		}
	}
	if len(sessions) == 0 {
		delete(r.byRecord, recordID)
		return nil
	}
	return sessions
}
