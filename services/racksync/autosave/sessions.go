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
	"sync"
	"time"
)

// Session lifetimes. A session counts as alive for 30 minutes after its
// last save; a field edit counts as "active" for 5 minutes.
const (
	sessionExpiry     = 30 * time.Minute
	activeFieldWindow = 5 * time.Minute
)

type session struct {
	lastActivity time.Time

	// activeFields maps field name to the last time this session wrote it.
	activeFields map[string]time.Time

	// lastValues holds the base value each field had before this session's
	// last write, used to classify conflicts later.
	lastValues map[string]string
}

// SessionRegistry tracks which editing sessions are alive per record and
// which fields each one touched recently. Purely in-memory: sessions are
// transient coordination state and do not survive a restart.
type SessionRegistry struct {
	mu sync.Mutex

	// records maps record id -> session id -> session.
	records map[string]map[string]*session

	logger *slog.Logger
	now    func() time.Time
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		records: make(map[string]map[string]*session),
		logger:  logger,
		now:     time.Now,
	}
}

// Touch records a save by sessionID against a field, remembering the value
// the field held before the write.
func (r *SessionRegistry) Touch(recordID, sessionID, field, previousValue string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.records[recordID]
	if !ok {
		sessions = make(map[string]*session)
		r.records[recordID] = sessions
	}
	s, ok := sessions[sessionID]
	if !ok {
		s = &session{
			activeFields: make(map[string]time.Time),
			lastValues:   make(map[string]string),
		}
		sessions[sessionID] = s
	}
	now := r.now()
	s.lastActivity = now
	s.activeFields[field] = now
	s.lastValues[field] = previousValue
}

// ActiveCount returns the number of live sessions on a record.
func (r *SessionRegistry) ActiveCount(recordID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneRecordLocked(recordID)
	return len(r.records[recordID])
}

// LastEditorOf returns which other session most recently wrote the field
// within the active window. Empty when nobody did.
func (r *SessionRegistry) LastEditorOf(recordID, field, excludeSession string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneRecordLocked(recordID)

	var (
		editor string
		latest time.Time
	)
	cutoff := r.now().Add(-activeFieldWindow)
	for id, s := range r.records[recordID] {
		if id == excludeSession {
			continue
		}
		at, ok := s.activeFields[field]
		if !ok || at.Before(cutoff) {
			continue
		}
		if at.After(latest) {
			latest = at
			editor = id
		}
	}
	return editor
}

// BaseValueOf returns the value a session last saw for a field before
// writing it, when known.
func (r *SessionRegistry) BaseValueOf(recordID, sessionID, field string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.records[recordID]
	if sessions == nil {
		return "", false
	}
	s, ok := sessions[sessionID]
	if !ok {
		return "", false
	}
	v, ok := s.lastValues[field]
	return v, ok
}

// Drop removes one session from a record, used after connection recovery
// replaces the session's state wholesale.
func (r *SessionRegistry) Drop(recordID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions := r.records[recordID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.records, recordID)
		}
	}
}

// Run sweeps expired sessions until ctx is cancelled.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := r.PruneExpired()
			if removed > 0 && r.logger != nil {
				r.logger.Debug("pruned expired sessions", slog.Int("count", removed))
			}
		}
	}
}

// PruneExpired removes every session idle past the expiry and returns how
// many were dropped.
func (r *SessionRegistry) PruneExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for recordID := range r.records {
		removed += r.pruneRecordLocked(recordID)
	}
	return removed
}

func (r *SessionRegistry) pruneRecordLocked(recordID string) int {
	sessions := r.records[recordID]
	if sessions == nil {
		return 0
	}
	cutoff := r.now().Add(-sessionExpiry)
	removed := 0
	for id, s := range sessions {
		if s.lastActivity.Before(cutoff) {
			delete(sessions, id)
			removed++
		}
	}
	if len(sessions) == 0 {
		delete(r.records, recordID)
	}
	return removed
}
