// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// ConflictType classifies how a field diverged between two writers.
type ConflictType string

const (
	// ConflictTextExpansion means the incoming text is longer than the
	// server's. Expansions of the same base are candidates for auto-merge.
	ConflictTextExpansion ConflictType = "text_expansion"

	// ConflictTextReduction means the incoming text is shorter.
	ConflictTextReduction ConflictType = "text_reduction"

	// ConflictTextModification means same length, different content.
	ConflictTextModification ConflictType = "text_modification"

	// ConflictValueChange is the catch-all for non-text divergence.
	ConflictValueChange ConflictType = "value_change"
)

// ClassifyConflict derives the conflict type from the three values involved:
// the base both writers started from, the server's current value, and the
// incoming one.
func ClassifyConflict(original, current, incoming string) ConflictType {
	switch {
	case len(incoming) > len(current):
		return ConflictTextExpansion
	case len(incoming) < len(current):
		return ConflictTextReduction
	default:
		return ConflictTextModification
	}
}

// Conflict records one field-level divergence between a session's pending
// write and the server's state. Conflicts are transient coordination
// artifacts: created at detection, deleted once resolved.
type Conflict struct {
	Field string `json:"field"`

	// OriginalValue is what the conflicting session believed the field
	// held when it queued the write (its base).
	OriginalValue string `json:"original_value"`

	// CurrentValue is the server's value at detection time.
	CurrentValue string `json:"current_value"`

	// IncomingValue is the value the session tried to write.
	IncomingValue string `json:"incoming_value"`

	Type ConflictType `json:"conflict_type"`

	// ConflictingSession identifies whichever session last modified the
	// field, when the session registry can determine it.
	ConflictingSession string `json:"conflicting_session,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// Resolution is a user's per-field choice when resolving a conflict.
type Resolution string

const (
	ResolutionKeepYours  Resolution = "keep_yours"
	ResolutionKeepServer Resolution = "keep_server"
	ResolutionMerge      Resolution = "merge"
)

// ParseResolution validates a wire-format resolution choice.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionKeepYours, ResolutionKeepServer, ResolutionMerge:
		return Resolution(s), nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// Strategy selects an automatic conflict resolution policy. It is a closed
// enum; each variant has exactly one handler in the resolution service.
type Strategy int

const (
	// StrategyLastWriteWins keeps the incoming value.
	StrategyLastWriteWins Strategy = iota

	// StrategyFirstWriteWins keeps the server's value.
	StrategyFirstWriteWins

	// StrategySmartMerge combines values where a safe merge exists (tag
	// set union, text extension) and falls back to last-write-wins with
	// an explicit log otherwise.
	StrategySmartMerge
)

// String returns the wire name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyLastWriteWins:
		return "last_write_wins"
	case StrategyFirstWriteWins:
		return "first_write_wins"
	case StrategySmartMerge:
		return "smart_merge"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a wire name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "last_write_wins":
		return StrategyLastWriteWins, nil
	case "first_write_wins":
		return StrategyFirstWriteWins, nil
	case "smart_merge":
		return StrategySmartMerge, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// SaveOperation is one pending or in-flight field mutation, as queued by a
// client. BaseVersion is the version the client believed was current when
// it queued the write.
type SaveOperation struct {
	Field       string    `json:"field"`
	Value       string    `json:"value"`
	BaseVersion int64     `json:"base_version"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Priority    Priority  `json:"priority,omitempty"`
}

// Priority orders operations within the client queue. High priority is used
// for flush-on-unload saves; it never changes server behavior.
type Priority string

const (
	PriorityNormal Priority = ""
	PriorityHigh   Priority = "high"
)
