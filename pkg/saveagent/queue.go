// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package saveagent

import (
	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// pendingQueue is a FIFO of save operations with one slot per field: a
// newer edit of a queued field replaces the value but keeps the field's
// place in line, so field order stays fair while values stay fresh.
//
// Not goroutine-safe; the agent holds its own lock around every call.
type pendingQueue struct {
	order []string
	ops   map[string]datatypes.SaveOperation
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{ops: make(map[string]datatypes.SaveOperation)}
}

func (q *pendingQueue) push(op datatypes.SaveOperation) {
	if _, queued := q.ops[op.Field]; !queued {
		if op.Priority == datatypes.PriorityHigh {
			q.order = append([]string{op.Field}, q.order...)
		} else {
			q.order = append(q.order, op.Field)
		}
	}
	q.ops[op.Field] = op
}

func (q *pendingQueue) pop() (datatypes.SaveOperation, bool) {
	if len(q.order) == 0 {
		return datatypes.SaveOperation{}, false
	}
	field := q.order[0]
	q.order = q.order[1:]
	op := q.ops[field]
	delete(q.ops, field)
	return op, true
}

func (q *pendingQueue) len() int {
	return len(q.order)
}

// drain empties the queue and returns the operations in order.
func (q *pendingQueue) drain() []datatypes.SaveOperation {
	out := make([]datatypes.SaveOperation, 0, len(q.order))
	for _, field := range q.order {
		out = append(out, q.ops[field])
	}
	q.order = nil
	q.ops = make(map[string]datatypes.SaveOperation)
	return out
}
