// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autosave

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackbook/racksync/services/racksync/datatypes"
	"github.com/rackbook/racksync/services/racksync/observability"
	"github.com/rackbook/racksync/services/racksync/storage"
)

// capturePublisher records every published event for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []datatypes.SaveEvent
}

func (p *capturePublisher) Publish(e datatypes.SaveEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) byType(t string) []datatypes.SaveEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []datatypes.SaveEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store    *storage.Store
	service  *Service
	resolver *ResolutionService
	events   *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sessions := NewSessionRegistry(logger)
	conflicts := NewConflictRegistry()
	events := &capturePublisher{}

	return &fixture{
		store:    store,
		service:  NewService(store, sessions, conflicts, metrics, events, logger),
		resolver: NewResolutionService(store, conflicts, metrics, events, logger),
		events:   events,
	}
}

func (f *fixture) seed(t *testing.T, id string) *datatypes.Record {
	t.Helper()
	record := &datatypes.Record{
		ID:          id,
		Title:       "Pedalboard A",
		Description: "A board.",
		Tags:        "delay, reverb",
	}
	require.NoError(t, f.store.Put(context.Background(), record))
	return record
}

func versionPtr(v int64) *int64 { return &v }

func TestSaveField_Success(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	resp, err := f.service.SaveField(context.Background(), "rack-1", datatypes.AutoSaveRequest{
		Field:     datatypes.FieldTitle,
		Value:     "Pedalboard B",
		Version:   versionPtr(1),
		SessionID: "sess-a",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, int64(2), resp.Version)
	assert.Equal(t, datatypes.FieldTitle, resp.Field)
	assert.Equal(t, "sess-a", resp.SessionID)
	assert.False(t, resp.ConflictDetected)
	assert.GreaterOrEqual(t, resp.SaveTimeMs, 0.0)

	saved := f.events.byType("saved")
	require.Len(t, saved, 1)
	assert.Equal(t, "rack-1", saved[0].RecordID)
	assert.Equal(t, int64(2), saved[0].Version)
}

func TestSaveField_LargePayloadFlag(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	resp, err := f.service.SaveField(context.Background(), "rack-1", datatypes.AutoSaveRequest{
		Field:     datatypes.FieldHowToArticle,
		Value:     strings.Repeat("a", datatypes.LargePayloadThreshold+1),
		SessionID: "sess-a",
	})
	require.NoError(t, err)
	assert.True(t, resp.LargePayload)
}

func TestSaveField_RejectsUnknownField(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	_, err := f.service.SaveField(context.Background(), "rack-1", datatypes.AutoSaveRequest{
		Field: "serial_number",
		Value: "x",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "serial_number", verr.Field)
}

func TestSaveField_RejectsOversizedValue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	_, err := f.service.SaveField(context.Background(), "rack-1", datatypes.AutoSaveRequest{
		Field: datatypes.FieldTitle,
		Value: strings.Repeat("x", 256),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Nothing may be written on validation failure.
	record, err := f.store.Get(context.Background(), "rack-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version)
}

func TestSaveField_StaleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")
	ctx := context.Background()

	// Session B wins the race and moves the record to version 2.
	_, err := f.service.SaveField(ctx, "rack-1", datatypes.AutoSaveRequest{
		Field:     datatypes.FieldTitle,
		Value:     "B's title",
		Version:   versionPtr(1),
		SessionID: "sess-b",
	})
	require.NoError(t, err)

	// Session A saves against the version it last saw.
	resp, err := f.service.SaveField(ctx, "rack-1", datatypes.AutoSaveRequest{
		Field:     datatypes.FieldTitle,
		Value:     "A's title",
		Version:   versionPtr(1),
		SessionID: "sess-a",
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.True(t, resp.ConflictDetected)
	assert.True(t, resp.ResolutionRequired)
	assert.Equal(t, int64(2), resp.CurrentVersion)
	assert.Equal(t, int64(1), resp.ExpectedVersion)
	require.Len(t, resp.Conflicts, 1)

	conflict := resp.Conflicts[0]
	assert.Equal(t, datatypes.FieldTitle, conflict.Field)
	assert.Equal(t, "B's title", conflict.CurrentValue)
	assert.Equal(t, "A's title", conflict.IncomingValue)
	assert.Equal(t, "sess-b", conflict.ConflictingSession)

	// The losing value must not reach storage.
	record, err := f.store.Get(ctx, "rack-1")
	require.NoError(t, err)
	assert.Equal(t, "B's title", record.Title)
	assert.Equal(t, int64(2), record.Version)

	assert.True(t, f.service.Conflicts().HasConflicts("rack-1"))
	assert.Len(t, f.events.byType("conflict"), 1)
}

func TestConflictResponse_ReflectsRecordAfterRacingWrite(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")
	ctx := context.Background()

	// The record moves to version 2, which is what made the save stale.
	_, err := f.store.UpdateWithVersion(ctx, "rack-1", map[string]string{
		datatypes.FieldTitle: "B title v2",
	}, versionPtr(1), "sess-b")
	require.NoError(t, err)

	// Another write lands between the rejected transaction and the conflict
	// payload being built.
	_, err = f.store.UpdateWithVersion(ctx, "rack-1", map[string]string{
		datatypes.FieldTitle: "B title v3",
	}, versionPtr(2), "sess-b")
	require.NoError(t, err)

	stale := &storage.VersionConflictError{
		RecordID:        "rack-1",
		ExpectedVersion: 1,
		CurrentVersion:  2,
	}
	resp, err := f.service.conflictResponse(ctx, "rack-1", "sess-a",
		map[string]string{datatypes.FieldTitle: "A title"}, stale)
	require.NoError(t, err)

	// The payload must describe the record as it stands now, not the
	// snapshot the rejected save raced against.
	assert.Equal(t, int64(3), resp.CurrentVersion)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, "B title v3", resp.Conflicts[0].CurrentValue)
}

func TestSaveField_NoVersionSkipsConflictCheck(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	resp, err := f.service.SaveField(context.Background(), "rack-1", datatypes.AutoSaveRequest{
		Field:     datatypes.FieldCategory,
		Value:     "guitar",
		SessionID: "sess-a",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(2), resp.Version)
}

func TestSaveFields_BatchSingleVersionIncrement(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	resp, err := f.service.SaveFields(context.Background(), "rack-1", datatypes.BatchSaveRequest{
		Fields: map[string]string{
			datatypes.FieldTitle:       "New title",
			datatypes.FieldDescription: "New description",
		},
		Version:   versionPtr(1),
		SessionID: "sess-a",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, int64(2), resp.Version)
	assert.ElementsMatch(t, []string{datatypes.FieldTitle, datatypes.FieldDescription}, resp.Fields)

	record, err := f.store.Get(context.Background(), "rack-1")
	require.NoError(t, err)
	assert.Equal(t, "New title", record.Title)
	assert.Equal(t, "New description", record.Description)
	assert.Equal(t, int64(2), record.Version)
}

func TestSaveFields_EmptyBatchRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")

	_, err := f.service.SaveFields(context.Background(), "rack-1", datatypes.BatchSaveRequest{
		Fields: map[string]string{},
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSaveField_RecordNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SaveField(context.Background(), "missing", datatypes.AutoSaveRequest{
		Field: datatypes.FieldTitle,
		Value: "x",
	})
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestCurrentState(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rack-1")
	ctx := context.Background()

	_, err := f.service.SaveField(ctx, "rack-1", datatypes.AutoSaveRequest{
		Field:     datatypes.FieldTitle,
		Value:     "Updated",
		Version:   versionPtr(1),
		SessionID: "sess-a",
	})
	require.NoError(t, err)

	status, err := f.service.CurrentState(ctx, "rack-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.AutoSaveState.Version)
	assert.Equal(t, 1, status.AutoSaveState.ActiveSessions)
	assert.False(t, status.AutoSaveState.HasConflicts)
	assert.Equal(t, "Updated", status.AutoSaveState.Fields[datatypes.FieldTitle])
}
