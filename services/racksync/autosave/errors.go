// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autosave

import (
	"errors"
	"fmt"

	"github.com/rackbook/racksync/services/racksync/storage"
)

// ErrUnknownStrategy is returned when an auto-resolve request names a
// strategy outside the closed set.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// ValidationError rejects a save before it reaches storage. It is always a
// client error (HTTP 400), never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Reason)
}

// IsTransient reports whether a save failure is worth retrying. Version
// conflicts and validation failures are deterministic and excluded; only
// lock-timeout style contention qualifies.
func IsTransient(err error) bool {
	return errors.Is(err, storage.ErrLockTimeout)
}
