// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package saveagent

import (
	"math/rand"
	"time"
)

// Retry policy for transient save failures: exponential backoff with
// jitter, capped, and at most three attempts before the operation is
// marked failed and left for the user to retry by editing again.
const (
	maxSaveAttempts  = 3
	backoffBase      = 1 * time.Second
	backoffCap       = 30 * time.Second
	backoffJitterPct = 0.25
)

// backoffDelay returns the wait before retry number attempt (0-based for
// the first retry). Full sequence without jitter: 1s, 2s, 4s, ...
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	// +/- 25% jitter spreads retries from many fields after one outage.
	jitter := time.Duration((rand.Float64()*2 - 1) * backoffJitterPct * float64(d))
	return d + jitter
}
