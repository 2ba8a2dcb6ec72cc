// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package saveagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// fakeTransport scripts transport behavior per call.
type fakeTransport struct {
	mu       sync.Mutex
	saves    []datatypes.AutoSaveRequest
	saveFunc func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error)

	resolveFunc func(req datatypes.ResolveRequest) (*datatypes.ResolveResponse, error)
	recoverFunc func(req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error)
}

func (f *fakeTransport) SaveField(_ context.Context, _ string, req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
	f.mu.Lock()
	f.saves = append(f.saves, req)
	fn := f.saveFunc
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeTransport) savedRequests() []datatypes.AutoSaveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]datatypes.AutoSaveRequest, len(f.saves))
	copy(out, f.saves)
	return out
}

func (f *fakeTransport) SaveFields(context.Context, string, datatypes.BatchSaveRequest) (*datatypes.AutoSaveResponse, error) {
	panic("not scripted")
}
func (f *fakeTransport) Status(context.Context, string) (*datatypes.StatusResponse, error) {
	panic("not scripted")
}
func (f *fakeTransport) Conflicts(context.Context, string, string) (*datatypes.ConflictsResponse, error) {
	panic("not scripted")
}
func (f *fakeTransport) Resolve(_ context.Context, _ string, req datatypes.ResolveRequest) (*datatypes.ResolveResponse, error) {
	return f.resolveFunc(req)
}
func (f *fakeTransport) AutoResolve(context.Context, string, datatypes.AutoResolveRequest) (*datatypes.AutoResolveResponse, error) {
	panic("not scripted")
}
func (f *fakeTransport) Recover(_ context.Context, _ string, req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error) {
	return f.recoverFunc(req)
}

// acceptingServer emulates a server that applies every save.
func acceptingServer(startVersion int64) *fakeTransport {
	version := startVersion
	var mu sync.Mutex
	f := &fakeTransport{}
	f.saveFunc = func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if req.Version != nil && *req.Version != version {
			return &datatypes.AutoSaveResponse{
				Success:          false,
				ConflictDetected: true,
				CurrentVersion:   version,
				ExpectedVersion:  *req.Version,
			}, nil
		}
		version++
		return &datatypes.AutoSaveResponse{
			Success: true,
			Version: version,
			Field:   req.Field,
		}, nil
	}
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, transport Transport, offline *OfflineStore) *Agent {
	t.Helper()
	a := NewAgent(Config{
		RecordID:  "rack-1",
		SessionID: "sess-test",
		Debounce:  20 * time.Millisecond,
		Pace:      time.Millisecond,
	}, transport, offline, 1, testLogger())
	t.Cleanup(a.Close)
	return a
}

func waitIdle(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
}

func TestAgent_DebounceCoalescesEdits(t *testing.T) {
	server := acceptingServer(1)
	a := newTestAgent(t, server, nil)

	// Three keystrokes inside the debounce window: one request, last value.
	a.ScheduleAutoSave(datatypes.FieldTitle, "P")
	a.ScheduleAutoSave(datatypes.FieldTitle, "Pe")
	a.ScheduleAutoSave(datatypes.FieldTitle, "Ped")
	time.Sleep(60 * time.Millisecond)
	waitIdle(t, a)

	saves := server.savedRequests()
	require.Len(t, saves, 1)
	assert.Equal(t, "Ped", saves[0].Value)
	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldTitle))
	assert.Equal(t, int64(2), a.Version())
}

func TestAgent_SequentialFieldsShareVersionChain(t *testing.T) {
	server := acceptingServer(1)
	a := newTestAgent(t, server, nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "T")
	a.ScheduleAutoSave(datatypes.FieldDescription, "D")
	time.Sleep(60 * time.Millisecond)
	waitIdle(t, a)

	// Both fields saved without tripping the conflict check, because the
	// second send used the version from the first response.
	require.Len(t, server.savedRequests(), 2)
	assert.Equal(t, int64(3), a.Version())
	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldTitle))
	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldDescription))
}

func TestAgent_FlushSkipsDebounce(t *testing.T) {
	server := acceptingServer(1)
	a := newTestAgent(t, server, nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "quick exit")
	a.Flush()
	waitIdle(t, a)

	require.Len(t, server.savedRequests(), 1)
	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldTitle))
}

func TestAgent_ConflictStopsRetrying(t *testing.T) {
	f := &fakeTransport{}
	f.saveFunc = func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		return &datatypes.AutoSaveResponse{
			Success:          false,
			ConflictDetected: true,
			CurrentVersion:   7,
			Conflicts: []datatypes.Conflict{{
				Field:         req.Field,
				CurrentValue:  "server side",
				IncomingValue: req.Value,
			}},
		}, nil
	}
	a := newTestAgent(t, f, nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "mine")
	a.Flush()
	waitIdle(t, a)

	assert.Equal(t, StateConflict, a.FieldState(datatypes.FieldTitle))
	require.Len(t, f.savedRequests(), 1, "conflicts must not be retried")
	require.NotNil(t, a.LastConflict())
	assert.Equal(t, int64(7), a.LastConflict().CurrentVersion)
}

func TestAgent_TransientFailureRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	f := &fakeTransport{}
	f.saveFunc = func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("%w: status 503", ErrTransient)
		}
		return &datatypes.AutoSaveResponse{Success: true, Version: 2}, nil
	}
	a := newTestAgent(t, f, nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "v")
	a.Flush()

	// First retry waits ~1s of backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))

	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldTitle))
	assert.Len(t, f.savedRequests(), 2)
}

func TestAgent_RejectionFailsWithoutRetry(t *testing.T) {
	f := &fakeTransport{}
	f.saveFunc = func(datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		return nil, fmt.Errorf("%w: status 400", ErrRejected)
	}
	a := newTestAgent(t, f, nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "bad")
	a.Flush()
	waitIdle(t, a)

	assert.Equal(t, StateFailed, a.FieldState(datatypes.FieldTitle))
	assert.Len(t, f.savedRequests(), 1)
}

func TestAgent_OfflineParksAndReconnectReplays(t *testing.T) {
	offline, err := OpenOfflineStore("")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, offline.Close()) })

	var mu sync.Mutex
	reachable := false
	serverVersion := int64(1)
	f := &fakeTransport{}
	f.saveFunc = func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			return nil, fmt.Errorf("%w: connection refused", ErrOffline)
		}
		if req.Version != nil && *req.Version != serverVersion {
			return &datatypes.AutoSaveResponse{
				Success:          false,
				ConflictDetected: true,
				CurrentVersion:   serverVersion,
				ExpectedVersion:  *req.Version,
			}, nil
		}
		serverVersion++
		return &datatypes.AutoSaveResponse{Success: true, Version: serverVersion}, nil
	}
	f.recoverFunc = func(req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		return &datatypes.RecoveryResponse{
			RecoveryNeeded: serverVersion > req.ClientState.Version,
			CurrentState:   datatypes.AutoSaveState{Version: serverVersion},
		}, nil
	}

	a := newTestAgent(t, f, offline)

	a.ScheduleAutoSave(datatypes.FieldTitle, "edited offline")
	a.Flush()
	waitIdle(t, a)

	assert.Equal(t, ConnOffline, a.Conn())
	assert.Equal(t, StateOffline, a.FieldState(datatypes.FieldTitle))
	parked, err := offline.Parked("rack-1")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "edited offline", parked[0].Value)

	// Service comes back with no external changes: replay lands cleanly.
	mu.Lock()
	reachable = true
	mu.Unlock()

	result, err := a.Reconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{datatypes.FieldTitle}, result.Replayed)
	assert.Empty(t, result.Conflicted)
	assert.Equal(t, ConnOnline, a.Conn())
	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldTitle))
	assert.Equal(t, int64(2), a.Version())

	parked, err = offline.Parked("rack-1")
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestAgent_ReplayAgainstMovedRecordConflicts(t *testing.T) {
	offline, err := OpenOfflineStore("")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, offline.Close()) })

	var mu sync.Mutex
	reachable := false
	serverVersion := int64(1)
	f := &fakeTransport{}
	f.saveFunc = func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			return nil, fmt.Errorf("%w: connection refused", ErrOffline)
		}
		if req.Version != nil && *req.Version != serverVersion {
			return &datatypes.AutoSaveResponse{
				Success:          false,
				ConflictDetected: true,
				CurrentVersion:   serverVersion,
				ExpectedVersion:  *req.Version,
			}, nil
		}
		serverVersion++
		return &datatypes.AutoSaveResponse{Success: true, Version: serverVersion}, nil
	}
	f.recoverFunc = func(req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error) {
		return &datatypes.RecoveryResponse{
			RecoveryNeeded: true,
			CurrentState:   datatypes.AutoSaveState{Version: serverVersion},
		}, nil
	}

	a := newTestAgent(t, f, offline)
	a.ScheduleAutoSave(datatypes.FieldTitle, "parked edit")
	a.Flush()
	waitIdle(t, a)
	require.Equal(t, ConnOffline, a.Conn())

	// Someone else edited while this client was offline.
	mu.Lock()
	reachable = true
	serverVersion = 4
	mu.Unlock()

	result, err := a.Reconnect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Replayed)
	assert.Equal(t, []string{datatypes.FieldTitle}, result.Conflicted)
	assert.Equal(t, StateConflict, a.FieldState(datatypes.FieldTitle))
	assert.Equal(t, ConnOnline, a.Conn())
}

func TestAgent_EditsWhileOfflineReplayAgainstStaleVersion(t *testing.T) {
	offline, err := OpenOfflineStore("")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, offline.Close()) })

	var mu sync.Mutex
	reachable := false
	serverVersion := int64(1)
	var applied []datatypes.AutoSaveRequest
	f := &fakeTransport{}
	f.saveFunc = func(req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			return nil, fmt.Errorf("%w: connection refused", ErrOffline)
		}
		if req.Version != nil && *req.Version != serverVersion {
			return &datatypes.AutoSaveResponse{
				Success:          false,
				ConflictDetected: true,
				CurrentVersion:   serverVersion,
				ExpectedVersion:  *req.Version,
			}, nil
		}
		serverVersion++
		applied = append(applied, req)
		return &datatypes.AutoSaveResponse{Success: true, Version: serverVersion}, nil
	}
	f.recoverFunc = func(req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		return &datatypes.RecoveryResponse{
			RecoveryNeeded: serverVersion > req.ClientState.Version,
			CurrentState:   datatypes.AutoSaveState{Version: serverVersion},
		}, nil
	}

	a := newTestAgent(t, f, offline)

	// Go offline through a flushed save.
	a.ScheduleAutoSave(datatypes.FieldTitle, "first edit")
	a.Flush()
	waitIdle(t, a)
	require.Equal(t, ConnOffline, a.Conn())

	// Keep typing while offline: this edit's debounce fires with the
	// connection down, so it must park against the stale baseline.
	a.ScheduleAutoSave(datatypes.FieldDescription, "typed while offline")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateOffline, a.FieldState(datatypes.FieldDescription))

	parked, err := offline.Parked("rack-1")
	require.NoError(t, err)
	require.Len(t, parked, 2)
	for _, op := range parked {
		assert.Equal(t, int64(1), op.BaseVersion)
	}

	// Someone else moved the record while this client was away.
	mu.Lock()
	reachable = true
	serverVersion = 2
	mu.Unlock()

	result, err := a.Reconnect(context.Background())
	require.NoError(t, err)

	// Both offline edits must surface as conflicts, not overwrite the
	// external change.
	assert.Empty(t, result.Replayed)
	assert.ElementsMatch(t,
		[]string{datatypes.FieldTitle, datatypes.FieldDescription},
		result.Conflicted,
	)
	assert.Equal(t, StateConflict, a.FieldState(datatypes.FieldDescription))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, applied, "no offline edit may land without a conflict check")
}

func TestAgent_ResolveConflictsAdoptsNewVersion(t *testing.T) {
	f := &fakeTransport{}
	f.saveFunc = func(datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
		return &datatypes.AutoSaveResponse{
			Success: false, ConflictDetected: true, CurrentVersion: 2,
		}, nil
	}
	f.resolveFunc = func(req datatypes.ResolveRequest) (*datatypes.ResolveResponse, error) {
		return &datatypes.ResolveResponse{
			Success:        true,
			ResolvedFields: []string{datatypes.FieldTitle},
			NewVersion:     3,
		}, nil
	}
	a := newTestAgent(t, f, nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "mine")
	a.Flush()
	waitIdle(t, a)
	require.Equal(t, StateConflict, a.FieldState(datatypes.FieldTitle))

	resp, err := a.ResolveConflicts(context.Background(), map[string]string{
		datatypes.FieldTitle: "keep_yours",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(3), a.Version())
	assert.Equal(t, StateSaved, a.FieldState(datatypes.FieldTitle))
	assert.Nil(t, a.LastConflict())
}

func TestAgent_StatusSnapshot(t *testing.T) {
	a := newTestAgent(t, acceptingServer(1), nil)

	a.ScheduleAutoSave(datatypes.FieldTitle, "draft")
	st := a.Status()
	assert.True(t, st.UnsavedChanges)
	assert.True(t, st.Online)

	time.Sleep(60 * time.Millisecond)
	waitIdle(t, a)

	st = a.Status()
	assert.False(t, st.UnsavedChanges)
	assert.Equal(t, 0, st.QueueSize)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, StateSaved, st.Fields[datatypes.FieldTitle])
}

func TestAgent_UnknownFieldStartsIdle(t *testing.T) {
	a := newTestAgent(t, acceptingServer(1), nil)
	assert.Equal(t, StateIdle, a.FieldState(datatypes.FieldCategory))
}
