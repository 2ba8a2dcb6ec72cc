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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// FieldState is the lifecycle state of one field's save.
type FieldState string

const (
	StateIdle     FieldState = "idle"
	StatePending  FieldState = "pending"  // edited, debounce running
	StateSaving   FieldState = "saving"   // request in flight
	StateSaved    FieldState = "saved"
	StateConflict FieldState = "conflict" // rejected, awaiting resolution
	StateError    FieldState = "error"    // transient failure, retrying
	StateOffline  FieldState = "offline"  // parked until reconnect
	StateFailed   FieldState = "failed"   // retries exhausted
)

// ConnState is the agent's view of its connection to the service.
type ConnState int

const (
	ConnOnline ConnState = iota
	ConnOffline
	ConnReconciling
)

func (s ConnState) String() string {
	switch s {
	case ConnOnline:
		return "online"
	case ConnOffline:
		return "offline"
	case ConnReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Config holds agent tuning. Zero values select the defaults.
type Config struct {
	// RecordID identifies the record under edit. Required.
	RecordID string

	// SessionID identifies this editing session. Defaults to a random
	// UUID per agent.
	SessionID string

	// Debounce is how long a field must be quiet before its save fires.
	Debounce time.Duration

	// Pace is the minimum spacing between outgoing saves, keeping a burst
	// of field flushes from stampeding the service.
	Pace time.Duration
}

const (
	defaultDebounce = 2 * time.Second
	defaultPace     = 100 * time.Millisecond
)

// Agent is the client-side auto-save engine for one record: it debounces
// field edits, drains them through a paced single-flight queue, retries
// transient failures, parks saves while offline and surfaces conflicts.
type Agent struct {
	cfg       Config
	transport Transport
	offline   *OfflineStore
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu            sync.Mutex
	states        map[string]FieldState
	pendingValues map[string]string
	timers        map[string]*time.Timer
	queue         *pendingQueue
	version       int64
	conn          ConnState
	lastConflict  *datatypes.AutoSaveResponse

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAgent creates and starts an agent. baselineVersion is the record
// version the editor loaded. offline may be nil to disable parking.
func NewAgent(
	cfg Config,
	transport Transport,
	offline *OfflineStore,
	baselineVersion int64,
	logger *slog.Logger,
) *Agent {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Pace <= 0 {
		cfg.Pace = defaultPace
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:           cfg,
		transport:     transport,
		offline:       offline,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Every(cfg.Pace), 1),
		states:        make(map[string]FieldState),
		pendingValues: make(map[string]string),
		timers:        make(map[string]*time.Timer),
		queue:         newPendingQueue(),
		version:       baselineVersion,
		conn:          ConnOnline,
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go a.run()
	return a
}

// Close stops the agent. Pending debounce timers are dropped; callers that
// want those edits saved call Flush first.
func (a *Agent) Close() {
	a.mu.Lock()
	for _, t := range a.timers {
		t.Stop()
	}
	a.mu.Unlock()
	a.cancel()
	<-a.done
}

// SessionID returns this agent's session identifier.
func (a *Agent) SessionID() string { return a.cfg.SessionID }

// Version returns the last server version the agent has confirmed.
func (a *Agent) Version() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// Conn returns the current connection state.
func (a *Agent) Conn() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// FieldState returns the save state of one field.
func (a *Agent) FieldState(field string) FieldState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[field]; ok {
		return s
	}
	return StateIdle
}

// States snapshots every tracked field's state.
func (a *Agent) States() map[string]FieldState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]FieldState, len(a.states))
	for k, v := range a.states {
		out[k] = v
	}
	return out
}

// Status is a point-in-time snapshot of the agent, for UI rendering.
type Status struct {
	Fields         map[string]FieldState
	QueueSize      int
	Version        int64
	Online         bool
	UnsavedChanges bool
}

// Status snapshots the agent: per-field states, queue depth, last confirmed
// version, connectivity, and whether any edit has not reached the server.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	fields := make(map[string]FieldState, len(a.states))
	unsaved := len(a.pendingValues) > 0 || a.queue.len() > 0
	for k, v := range a.states {
		fields[k] = v
		switch v {
		case StateSaving, StateError, StateOffline, StateConflict, StateFailed:
			unsaved = true
		}
	}
	return Status{
		Fields:         fields,
		QueueSize:      a.queue.len(),
		Version:        a.version,
		Online:         a.conn == ConnOnline,
		UnsavedChanges: unsaved,
	}
}

// LastConflict returns the most recent conflict response, if any.
func (a *Agent) LastConflict() *datatypes.AutoSaveResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastConflict
}

// ScheduleAutoSave notes an edit and (re)starts the field's debounce
// timer. Only the latest value per field survives to the wire.
func (a *Agent) ScheduleAutoSave(field, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pendingValues[field] = value
	a.states[field] = StatePending
	if t, ok := a.timers[field]; ok {
		t.Stop()
	}
	a.timers[field] = time.AfterFunc(a.cfg.Debounce, func() {
		a.enqueueField(field, datatypes.PriorityNormal)
	})
}

// Flush skips every running debounce and queues the edits immediately, for
// editor shutdown. It does not wait for the queue to drain; see Wait.
func (a *Agent) Flush() {
	a.mu.Lock()
	fields := make([]string, 0, len(a.timers))
	for field, t := range a.timers {
		t.Stop()
		fields = append(fields, field)
	}
	a.mu.Unlock()
	for _, field := range fields {
		a.enqueueField(field, datatypes.PriorityHigh)
	}
}

// Wait blocks until the queue is empty and nothing is in flight, or ctx
// expires.
func (a *Agent) Wait(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		a.mu.Lock()
		idle := a.queue.len() == 0 && !a.saving()
		a.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// saving reports whether any field is mid-flight. Caller holds the lock.
func (a *Agent) saving() bool {
	for _, s := range a.states {
		if s == StateSaving || s == StateError {
			return true
		}
	}
	return false
}

func (a *Agent) enqueueField(field string, priority datatypes.Priority) {
	a.mu.Lock()
	value, ok := a.pendingValues[field]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.pendingValues, field)
	delete(a.timers, field)
	op := datatypes.SaveOperation{
		Field:       field,
		Value:       value,
		BaseVersion: a.version,
		SessionID:   a.cfg.SessionID,
		Timestamp:   time.Now(),
		Priority:    priority,
	}

	// While not online the edit parks with the version the editor is still
	// based on. Queuing it would make the eventual drain send whatever
	// version reconnection adopts, silently overwriting external changes.
	if a.conn != ConnOnline {
		a.states[field] = StateOffline
		if a.offline == nil {
			a.queue.push(op)
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		a.park(op)
		return
	}

	a.queue.push(op)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) run() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.wake:
		}
		for {
			op, ok := a.next()
			if !ok {
				break
			}
			if err := a.limiter.Wait(a.ctx); err != nil {
				return
			}
			a.attempt(op)
		}
	}
}

// next pops the next operation unless the agent is offline or stopping.
func (a *Agent) next() (datatypes.SaveOperation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != ConnOnline {
		return datatypes.SaveOperation{}, false
	}
	op, ok := a.queue.pop()
	if ok {
		a.states[op.Field] = StateSaving
	}
	return op, ok
}

// attempt sends one save, retrying transient failures with backoff. The
// version expectation is taken at send time, so earlier saves in the same
// drain do not trip the conflict check.
func (a *Agent) attempt(op datatypes.SaveOperation) {
	for try := 0; try < maxSaveAttempts; try++ {
		version := a.Version()
		resp, err := a.transport.SaveField(a.ctx, a.cfg.RecordID, datatypes.AutoSaveRequest{
			Field:     op.Field,
			Value:     op.Value,
			Version:   &version,
			SessionID: a.cfg.SessionID,
			Timestamp: op.Timestamp.UnixMilli(),
		})

		switch {
		case err == nil && resp.Success:
			a.mu.Lock()
			a.version = resp.Version
			a.states[op.Field] = StateSaved
			a.mu.Unlock()
			if a.offline != nil {
				if err := a.offline.SetLastSync(a.cfg.RecordID, time.Now()); err != nil {
					a.logger.Warn("failed to record last sync", "error", err)
				}
			}
			return

		case err == nil && resp.ConflictDetected:
			a.mu.Lock()
			a.states[op.Field] = StateConflict
			a.lastConflict = resp
			a.mu.Unlock()
			a.logger.Warn("save conflicted",
				slog.String("field", op.Field),
				slog.Int64("current_version", resp.CurrentVersion),
			)
			return

		case errors.Is(err, ErrOffline):
			a.goOffline(op)
			return

		case errors.Is(err, ErrTransient):
			a.mu.Lock()
			a.states[op.Field] = StateError
			a.mu.Unlock()
			if try == maxSaveAttempts-1 {
				break
			}
			a.logger.Warn("transient save failure, backing off",
				slog.String("field", op.Field),
				slog.Int("attempt", try+1),
			)
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoffDelay(try)):
			}
			continue

		default:
			// Deterministic rejection or cancelled context.
			a.mu.Lock()
			a.states[op.Field] = StateFailed
			a.mu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("save rejected",
					slog.String("field", op.Field),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	a.mu.Lock()
	a.states[op.Field] = StateFailed
	a.mu.Unlock()
	if a.offline != nil {
		if err := a.offline.RecordFailed(a.cfg.RecordID, op); err != nil {
			a.logger.Warn("failed to record exhausted save", "error", err)
		}
	}
	a.logger.Error("save failed after retries", slog.String("field", op.Field))
}

// goOffline parks the failed operation plus everything still queued, and
// flips the connection state. Saves resume through Reconnect.
func (a *Agent) goOffline(failed datatypes.SaveOperation) {
	a.mu.Lock()
	parked := append([]datatypes.SaveOperation{failed}, a.queue.drain()...)
	a.conn = ConnOffline
	for _, op := range parked {
		a.states[op.Field] = StateOffline
	}
	// Debounced edits that have not fired yet park too.
	for field, t := range a.timers {
		t.Stop()
		delete(a.timers, field)
		value := a.pendingValues[field]
		delete(a.pendingValues, field)
		parked = append(parked, datatypes.SaveOperation{
			Field:       field,
			Value:       value,
			BaseVersion: a.version,
			SessionID:   a.cfg.SessionID,
			Timestamp:   time.Now(),
		})
		a.states[field] = StateOffline
	}
	a.mu.Unlock()

	a.logger.Warn("service unreachable, parking saves",
		slog.Int("parked", len(parked)),
	)
	for _, op := range parked {
		a.park(op)
	}
}

// park writes one operation to the offline store. No-op without one.
func (a *Agent) park(op datatypes.SaveOperation) {
	if a.offline == nil {
		return
	}
	if err := a.offline.Park(a.cfg.RecordID, op); err != nil {
		a.logger.Error("failed to park save",
			slog.String("field", op.Field),
			slog.String("error", err.Error()),
		)
	}
}

// ResolveConflicts submits the user's per-field choices and, on success,
// adopts the new server version and clears conflict states.
func (a *Agent) ResolveConflicts(ctx context.Context, resolutions map[string]string) (*datatypes.ResolveResponse, error) {
	resp, err := a.transport.Resolve(ctx, a.cfg.RecordID, datatypes.ResolveRequest{
		SessionID:   a.cfg.SessionID,
		Resolutions: resolutions,
	})
	if err != nil {
		return nil, err
	}
	if resp.Success && !resp.NoOp {
		a.mu.Lock()
		if resp.NewVersion > 0 {
			a.version = resp.NewVersion
		}
		for _, field := range resp.ResolvedFields {
			a.states[field] = StateSaved
		}
		a.lastConflict = nil
		a.mu.Unlock()
	}
	return resp, nil
}
