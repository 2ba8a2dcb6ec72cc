// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// AutoSaveRequest is the body of POST /v1/records/:id/auto-save.
//
// Version is a pointer so "no expectation" (first save, recovery probe) is
// distinguishable from "expected version 0".
type AutoSaveRequest struct {
	Field     string `json:"field" binding:"required"`
	Value     string `json:"value"`
	Version   *int64 `json:"version,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// BatchSaveRequest is the body of POST /v1/records/:id/auto-save/batch.
// All fields are applied in one transaction under one version check.
type BatchSaveRequest struct {
	Fields    map[string]string `json:"fields" binding:"required"`
	Version   *int64            `json:"version,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// AutoSaveResponse is returned for both successful and conflicted saves.
type AutoSaveResponse struct {
	Success      bool      `json:"success"`
	Version      int64     `json:"version,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	Field        string    `json:"field,omitempty"`
	Fields       []string  `json:"fields,omitempty"`
	SessionID    string    `json:"session_id"`
	SaveTimeMs   float64   `json:"save_time_ms,omitempty"`
	LargePayload bool      `json:"large_payload,omitempty"`

	AnalysisStatus *AnalysisStatus `json:"analysis_status,omitempty"`

	// Conflict branch.
	ConflictDetected   bool       `json:"conflict_detected,omitempty"`
	Conflicts          []Conflict `json:"conflicts,omitempty"`
	CurrentVersion     int64      `json:"current_version,omitempty"`
	ExpectedVersion    int64      `json:"expected_version,omitempty"`
	ResolutionRequired bool       `json:"resolution_required,omitempty"`

	Error string `json:"error,omitempty"`
}

// AutoSaveState is the synchronization block of the status endpoint.
type AutoSaveState struct {
	Version        int64             `json:"version"`
	LastModified   time.Time         `json:"last_modified"`
	ActiveSessions int               `json:"active_sessions"`
	HasConflicts   bool              `json:"has_conflicts"`
	Fields         map[string]string `json:"fields"`
}

// StatusResponse is the body of GET /v1/records/:id/status.
type StatusResponse struct {
	Status         string          `json:"status"`
	AutoSaveState  AutoSaveState   `json:"auto_save_state"`
	AnalysisStatus *AnalysisStatus `json:"analysis_status,omitempty"`
}

// ValuePreview pairs a full field value with a truncated preview for the
// side-by-side conflict banner.
type ValuePreview struct {
	Value   string `json:"value"`
	Preview string `json:"preview"`
	Label   string `json:"label"`
}

// ResolutionSuggestion is one choice offered in the conflict banner.
type ResolutionSuggestion struct {
	ID          Resolution `json:"id"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
}

// PresentedConflict is a Conflict annotated for human resolution.
type PresentedConflict struct {
	Field         string                 `json:"field"`
	FieldLabel    string                 `json:"field_label"`
	YourVersion   ValuePreview           `json:"your_version"`
	ServerVersion ValuePreview           `json:"server_version"`
	ConflictType  ConflictType           `json:"conflict_type"`
	Suggestions   []ResolutionSuggestion `json:"suggestions"`
	AutoMergeable bool                   `json:"auto_mergeable"`
}

// ConflictsResponse is the body of GET /v1/records/:id/conflicts.
type ConflictsResponse struct {
	HasConflicts  bool                `json:"has_conflicts"`
	ConflictCount int                 `json:"conflict_count,omitempty"`
	Conflicts     []PresentedConflict `json:"conflicts"`
	RecordVersion int64               `json:"record_version,omitempty"`
	SessionID     string              `json:"session_id,omitempty"`
	DetectedAt    *time.Time          `json:"detected_at,omitempty"`
}

// ResolveRequest is the body of POST /v1/records/:id/resolve-conflicts.
// Resolutions maps field name to a Resolution wire value.
type ResolveRequest struct {
	SessionID   string            `json:"session_id" binding:"required"`
	Resolutions map[string]string `json:"resolutions" binding:"required"`
}

// MergeDraft is returned when a free-text merge needs the user to edit and
// resubmit rather than accepting an automatic combination.
type MergeDraft struct {
	Field       string `json:"field"`
	Draft       string `json:"draft"`
	YourValue   string `json:"your_value"`
	ServerValue string `json:"server_value"`
}

// ResolveResponse is the body of both resolve endpoints.
type ResolveResponse struct {
	Success        bool         `json:"success"`
	NoOp           bool         `json:"no_op,omitempty"`
	ResolvedFields []string     `json:"resolved_fields,omitempty"`
	NewVersion     int64        `json:"new_version,omitempty"`
	Timestamp      time.Time    `json:"timestamp,omitempty"`
	MergeDrafts    []MergeDraft `json:"merge_drafts,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// AutoResolveRequest is the body of POST /v1/records/:id/auto-resolve-conflicts.
type AutoResolveRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Strategy  string `json:"strategy" binding:"required"`
}

// AutoResolveResponse reports which fields the strategy resolved and which
// of them fell back to last-write-wins.
type AutoResolveResponse struct {
	Success           bool             `json:"success"`
	AutoResolvedCount int              `json:"auto_resolved_count"`
	Applied           []string         `json:"applied,omitempty"`
	Fallbacks         []string         `json:"fallbacks,omitempty"`
	Resolution        *ResolveResponse `json:"resolution,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// ClientState is what a reconnecting client knows about its own progress.
type ClientState struct {
	Version        int64             `json:"version"`
	LastSync       int64             `json:"last_sync,omitempty"`
	PendingChanges map[string]string `json:"pending_changes,omitempty"`
}

// RecoveryRequest is the body of POST /v1/records/:id/connection-recovery.
type RecoveryRequest struct {
	SessionID   string      `json:"session_id" binding:"required"`
	ClientState ClientState `json:"client_state"`
}

// MissedChanges summarises what moved while a client was offline.
type MissedChanges struct {
	VersionGap     int64     `json:"version_gap"`
	LastModified   time.Time `json:"last_modified"`
	ChangedSession string    `json:"changed_session,omitempty"`
}

// Recovery actions suggested to a reconnecting client.
const (
	RecoverySyncRecommended = "sync_recommended"
	RecoveryReloadRequired  = "reload_required"
)

// RecoveryResponse is the body of the connection-recovery endpoint.
type RecoveryResponse struct {
	RecoveryNeeded  bool           `json:"recovery_needed"`
	CurrentState    AutoSaveState  `json:"current_state"`
	MissedChanges   *MissedChanges `json:"missed_changes,omitempty"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
}

// SaveEvent is pushed over the events websocket whenever a save applies or
// a conflict is detected, so other open sessions can refresh.
type SaveEvent struct {
	Type      string    `json:"type"` // "saved" or "conflict"
	RecordID  string    `json:"record_id"`
	Field     string    `json:"field"`
	Version   int64     `json:"version,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
