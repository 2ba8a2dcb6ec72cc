// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package saveagent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

func op(field, value string) datatypes.SaveOperation {
	return datatypes.SaveOperation{Field: field, Value: value, Timestamp: time.Now()}
}

func TestPendingQueue_FIFO(t *testing.T) {
	q := newPendingQueue()
	q.push(op("title", "a"))
	q.push(op("tags", "b"))

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "title", first.Field)
	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "tags", second.Field)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPendingQueue_ReplaceKeepsPosition(t *testing.T) {
	q := newPendingQueue()
	q.push(op("title", "a"))
	q.push(op("tags", "b"))
	q.push(op("title", "a2"))

	assert.Equal(t, 2, q.len())
	first, _ := q.pop()
	assert.Equal(t, "title", first.Field)
	assert.Equal(t, "a2", first.Value, "newer value must win")
}

func TestPendingQueue_HighPriorityJumpsAhead(t *testing.T) {
	q := newPendingQueue()
	q.push(op("title", "a"))
	urgent := op("how_to_article", "save me first")
	urgent.Priority = datatypes.PriorityHigh
	q.push(urgent)

	first, _ := q.pop()
	assert.Equal(t, "how_to_article", first.Field)
}

func TestPendingQueue_Drain(t *testing.T) {
	q := newPendingQueue()
	q.push(op("title", "a"))
	q.push(op("tags", "b"))

	ops := q.drain()
	require.Len(t, ops, 2)
	assert.Equal(t, "title", ops[0].Field)
	assert.Equal(t, 0, q.len())
}

func TestBackoffDelay_GrowsAndStaysBounded(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, backoffCap+backoffCap/4)
	}
	// Without jitter the second retry waits roughly twice the first.
	assert.GreaterOrEqual(t, backoffDelay(1), backoffBase/2)
}
