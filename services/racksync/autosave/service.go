// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package autosave implements the server side of field-level auto-save:
// validated versioned writes, session tracking, conflict detection and
// resolution, and connection recovery.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rackbook/racksync/services/racksync/datatypes"
	"github.com/rackbook/racksync/services/racksync/observability"
	"github.com/rackbook/racksync/services/racksync/storage"
)

// EventPublisher pushes save and conflict events to subscribed sessions.
type EventPublisher interface {
	Publish(event datatypes.SaveEvent)
}

// NopPublisher drops every event. Used when the events hub is disabled and
// in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(datatypes.SaveEvent) {}

// Service handles auto-save writes against the record store.
type Service struct {
	store     *storage.Store
	sessions  *SessionRegistry
	conflicts *ConflictRegistry
	events    EventPublisher
	metrics   *observability.Metrics
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService wires the save service. events may be nil.
func NewService(
	store *storage.Store,
	sessions *SessionRegistry,
	conflicts *ConflictRegistry,
	metrics *observability.Metrics,
	events EventPublisher,
	logger *slog.Logger,
) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{
		store:     store,
		sessions:  sessions,
		conflicts: conflicts,
		events:    events,
		metrics:   metrics,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Sessions exposes the session registry for the recovery path.
func (s *Service) Sessions() *SessionRegistry { return s.sessions }

// Conflicts exposes the conflict registry for the resolution services.
func (s *Service) Conflicts() *ConflictRegistry { return s.conflicts }

func (s *Service) validateField(field, value string) error {
	if !datatypes.IsEditableField(field) {
		return &ValidationError{Field: field, Reason: "not an editable field"}
	}
	max := datatypes.FieldMaxLength(field)
	if err := s.validate.Var(value, fmt.Sprintf("max=%d", max)); err != nil {
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// SaveField applies a single-field auto-save. A stale version produces a
// conflict response, not an error: the conflict is registered for later
// resolution and the caller maps the response to HTTP 409.
func (s *Service) SaveField(
	ctx context.Context,
	recordID string,
	req datatypes.AutoSaveRequest,
) (*datatypes.AutoSaveResponse, error) {
	if err := s.validateField(req.Field, req.Value); err != nil {
		return nil, err
	}
	return s.save(ctx, recordID, map[string]string{req.Field: req.Value}, req.Version, req.SessionID)
}

// SaveFields applies a batch of field writes under one version check. All
// fields land in one transaction or none do.
func (s *Service) SaveFields(
	ctx context.Context,
	recordID string,
	req datatypes.BatchSaveRequest,
) (*datatypes.AutoSaveResponse, error) {
	if len(req.Fields) == 0 {
		return nil, &ValidationError{Reason: "no fields to save"}
	}
	for field, value := range req.Fields {
		if err := s.validateField(field, value); err != nil {
			return nil, err
		}
	}
	return s.save(ctx, recordID, req.Fields, req.Version, req.SessionID)
}

func (s *Service) save(
	ctx context.Context,
	recordID string,
	fields map[string]string,
	expectedVersion *int64,
	sessionID string,
) (*datatypes.AutoSaveResponse, error) {
	started := time.Now()

	// Snapshot pre-write values for session base tracking on success.
	before, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateWithVersion(ctx, recordID, fields, expectedVersion, sessionID)
	var stale *storage.VersionConflictError
	if errors.As(err, &stale) {
		return s.conflictResponse(ctx, recordID, sessionID, fields, stale)
	}
	if err != nil {
		s.metrics.SaveErrors.Inc()
		return nil, err
	}

	fieldNames := make([]string, 0, len(fields))
	large := false
	for field, value := range fields {
		fieldNames = append(fieldNames, field)
		prev, _ := before.FieldValue(field)
		s.sessions.Touch(recordID, sessionID, field, prev)
		if len(value) > datatypes.LargePayloadThreshold {
			large = true
		}
		s.events.Publish(datatypes.SaveEvent{
			Type:      "saved",
			RecordID:  recordID,
			Field:     field,
			Version:   updated.Version,
			SessionID: sessionID,
			Timestamp: updated.LastModified,
		})
	}
	sort.Strings(fieldNames)

	elapsed := time.Since(started)
	s.metrics.SavesTotal.Inc()
	s.metrics.SaveDuration.Observe(elapsed.Seconds())
	s.logger.Info("auto-save applied",
		slog.String("record_id", recordID),
		slog.Any("fields", fieldNames),
		slog.Int64("version", updated.Version),
		slog.String("session_id", sessionID),
		slog.Duration("elapsed", elapsed),
	)

	resp := &datatypes.AutoSaveResponse{
		Success:      true,
		Version:      updated.Version,
		Timestamp:    updated.LastModified,
		SessionID:    sessionID,
		SaveTimeMs:   float64(elapsed.Microseconds()) / 1000.0,
		LargePayload: large,
	}
	if len(fieldNames) == 1 {
		resp.Field = fieldNames[0]
	} else {
		resp.Fields = fieldNames
	}
	if analysis := updated.Analysis(); analysis.Status != "" {
		resp.AnalysisStatus = &analysis
	}
	return resp, nil
}

func (s *Service) conflictResponse(
	ctx context.Context,
	recordID, sessionID string,
	fields map[string]string,
	stale *storage.VersionConflictError,
) (*datatypes.AutoSaveResponse, error) {
	// Re-read inside the conflict path so the payload reflects the record
	// as it stands now, not a snapshot taken before the version check. A
	// write landing in between would otherwise desync value and version.
	current, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conflicts := make([]datatypes.Conflict, 0, len(fields))
	for field, incoming := range fields {
		currentValue, _ := current.FieldValue(field)
		base, _ := s.sessions.BaseValueOf(recordID, sessionID, field)
		conflicts = append(conflicts, datatypes.Conflict{
			Field:              field,
			OriginalValue:      base,
			CurrentValue:       currentValue,
			IncomingValue:      incoming,
			Type:               datatypes.ClassifyConflict(base, currentValue, incoming),
			ConflictingSession: s.sessions.LastEditorOf(recordID, field, sessionID),
			DetectedAt:         now,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })

	s.conflicts.Register(recordID, sessionID, current.Version, conflicts)
	s.metrics.ConflictsTotal.Add(float64(len(conflicts)))
	for _, c := range conflicts {
		s.events.Publish(datatypes.SaveEvent{
			Type:      "conflict",
			RecordID:  recordID,
			Field:     c.Field,
			Version:   current.Version,
			SessionID: sessionID,
			Timestamp: now,
		})
	}
	s.logger.Warn("auto-save conflict detected",
		slog.String("record_id", recordID),
		slog.String("session_id", sessionID),
		slog.Int64("expected_version", stale.ExpectedVersion),
		slog.Int64("current_version", current.Version),
		slog.Int("conflicts", len(conflicts)),
	)

	return &datatypes.AutoSaveResponse{
		Success:            false,
		SessionID:          sessionID,
		ConflictDetected:   true,
		Conflicts:          conflicts,
		CurrentVersion:     current.Version,
		ExpectedVersion:    stale.ExpectedVersion,
		ResolutionRequired: true,
		Error:              "version conflict",
	}, nil
}

// CurrentState builds the status payload for a record: version, field
// snapshot, live session count and whether conflicts are outstanding.
func (s *Service) CurrentState(ctx context.Context, recordID string) (*datatypes.StatusResponse, error) {
	record, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	resp := &datatypes.StatusResponse{
		Status: record.Status,
		AutoSaveState: datatypes.AutoSaveState{
			Version:        record.Version,
			LastModified:   record.LastModified,
			ActiveSessions: s.sessions.ActiveCount(recordID),
			HasConflicts:   s.conflicts.HasConflicts(recordID),
			Fields:         record.FieldValues(),
		},
	}
	if analysis := record.Analysis(); analysis.Status != "" {
		resp.AnalysisStatus = &analysis
	}
	return resp, nil
}
