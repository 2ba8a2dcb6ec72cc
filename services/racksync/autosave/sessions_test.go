// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autosave

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// fakeClock lets tests move session time forward deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedRegistry() (*SessionRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	r := NewSessionRegistry(nil)
	r.now = clock.Now
	return r, clock
}

func TestSessionRegistry_ActiveCount(t *testing.T) {
	r, _ := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "old")
	r.Touch("rack-1", "sess-b", datatypes.FieldTags, "old")
	r.Touch("rack-2", "sess-c", datatypes.FieldTitle, "old")

	assert.Equal(t, 2, r.ActiveCount("rack-1"))
	assert.Equal(t, 1, r.ActiveCount("rack-2"))
	assert.Equal(t, 0, r.ActiveCount("rack-3"))
}

func TestSessionRegistry_ExpiryAfterIdle(t *testing.T) {
	r, clock := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "old")
	clock.advance(sessionExpiry + time.Minute)
	assert.Equal(t, 0, r.ActiveCount("rack-1"))

	// Expired sessions no longer attribute conflicts.
	assert.Empty(t, r.LastEditorOf("rack-1", datatypes.FieldTitle, "sess-b"))
}

func TestSessionRegistry_ActivityResetsExpiry(t *testing.T) {
	r, clock := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "old")
	clock.advance(sessionExpiry - time.Minute)
	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "newer")
	clock.advance(sessionExpiry - time.Minute)

	assert.Equal(t, 1, r.ActiveCount("rack-1"))
}

func TestSessionRegistry_LastEditorOf(t *testing.T) {
	r, clock := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "old")
	clock.advance(time.Minute)
	r.Touch("rack-1", "sess-b", datatypes.FieldTitle, "old")

	// The most recent other editor wins; the asking session is excluded.
	assert.Equal(t, "sess-b", r.LastEditorOf("rack-1", datatypes.FieldTitle, "sess-c"))
	assert.Equal(t, "sess-a", r.LastEditorOf("rack-1", datatypes.FieldTitle, "sess-b"))
	assert.Empty(t, r.LastEditorOf("rack-1", datatypes.FieldTags, "sess-c"))
}

func TestSessionRegistry_ActiveFieldWindowCloses(t *testing.T) {
	r, clock := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "old")
	clock.advance(activeFieldWindow + time.Minute)

	// The session is still alive but its field edit is no longer "active",
	// so it cannot be blamed for a fresh conflict.
	assert.Equal(t, 1, r.ActiveCount("rack-1"))
	assert.Empty(t, r.LastEditorOf("rack-1", datatypes.FieldTitle, "sess-b"))
}

func TestSessionRegistry_BaseValueOf(t *testing.T) {
	r, _ := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "the base")

	v, ok := r.BaseValueOf("rack-1", "sess-a", datatypes.FieldTitle)
	require.True(t, ok)
	assert.Equal(t, "the base", v)

	_, ok = r.BaseValueOf("rack-1", "sess-a", datatypes.FieldTags)
	assert.False(t, ok)
	_, ok = r.BaseValueOf("rack-1", "sess-z", datatypes.FieldTitle)
	assert.False(t, ok)
}

func TestSessionRegistry_Drop(t *testing.T) {
	r, _ := newClockedRegistry()

	r.Touch("rack-1", "sess-a", datatypes.FieldTitle, "old")
	r.Drop("rack-1", "sess-a")
	assert.Equal(t, 0, r.ActiveCount("rack-1"))
}

func TestSessionRegistry_RunStopsOnCancel(t *testing.T) {
	r := NewSessionRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
