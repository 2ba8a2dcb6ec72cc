// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rackbook/racksync/services/racksync/datatypes"
	"github.com/rackbook/racksync/services/racksync/observability"
	"github.com/rackbook/racksync/services/racksync/storage"
)

// previewLimit caps conflict banner previews; longer values are truncated
// to 97 characters plus an ellipsis.
const previewLimit = 100

// ResolutionService presents outstanding conflicts and applies the user's
// (or a strategy's) per-field choices.
type ResolutionService struct {
	store     *storage.Store
	conflicts *ConflictRegistry
	events    EventPublisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewResolutionService wires the resolution service. events may be nil.
func NewResolutionService(
	store *storage.Store,
	conflicts *ConflictRegistry,
	metrics *observability.Metrics,
	events EventPublisher,
	logger *slog.Logger,
) *ResolutionService {
	if events == nil {
		events = NopPublisher{}
	}
	return &ResolutionService{
		store:     store,
		conflicts: conflicts,
		events:    events,
		metrics:   metrics,
		logger:    logger,
	}
}

func preview(value string) string {
	runes := []rune(value)
	if len(runes) <= previewLimit {
		return value
	}
	return string(runes[:previewLimit-3]) + "..."
}

// autoMergeable reports whether a conflict can be combined without losing
// either side: tag lists always can (set union), and free text can when one
// side extends the other.
func autoMergeable(c datatypes.Conflict) bool {
	if c.Field == datatypes.FieldTags {
		return true
	}
	return strings.HasPrefix(c.IncomingValue, c.CurrentValue) ||
		strings.HasPrefix(c.CurrentValue, c.IncomingValue)
}

// mergeTags unions two comma-separated tag lists. Server tags keep their
// order; tags only the incoming side has are appended in their order.
// Matching is case-insensitive on trimmed values, so the union is
// deterministic regardless of which save lost the race.
func mergeTags(current, incoming string) string {
	seen := mapset.NewSet[string]()
	var merged []string
	for _, raw := range strings.Split(current+","+incoming, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if seen.Add(strings.ToLower(tag)) {
			merged = append(merged, tag)
		}
	}
	return strings.Join(merged, ", ")
}

// Present builds the side-by-side conflict payload for the banner: labeled
// previews of both versions plus the resolution choices on offer. An empty
// sessionID shows the most recently detected session's conflicts.
func (s *ResolutionService) Present(ctx context.Context, recordID, sessionID string) (*datatypes.ConflictsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	owner, version, detectedAt, conflicts, ok := s.conflicts.Snapshot(recordID, sessionID)
	if !ok {
		return &datatypes.ConflictsResponse{
			HasConflicts: false,
			Conflicts:    []datatypes.PresentedConflict{},
		}, nil
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })
	presented := make([]datatypes.PresentedConflict, 0, len(conflicts))
	for _, c := range conflicts {
		suggestions := []datatypes.ResolutionSuggestion{
			{
				ID:          datatypes.ResolutionKeepYours,
				Label:       "Keep your version",
				Description: "Overwrite the other change with your edit.",
			},
			{
				ID:          datatypes.ResolutionKeepServer,
				Label:       "Keep the saved version",
				Description: "Discard your edit and keep what is on the server.",
			},
		}
		mergeable := autoMergeable(c)
		if mergeable {
			suggestions = append(suggestions, datatypes.ResolutionSuggestion{
				ID:          datatypes.ResolutionMerge,
				Label:       "Merge both",
				Description: "Combine both changes into one value.",
			})
		}
		presented = append(presented, datatypes.PresentedConflict{
			Field:      c.Field,
			FieldLabel: datatypes.FieldLabel(c.Field),
			YourVersion: datatypes.ValuePreview{
				Value:   c.IncomingValue,
				Preview: preview(c.IncomingValue),
				Label:   "Your version",
			},
			ServerVersion: datatypes.ValuePreview{
				Value:   c.CurrentValue,
				Preview: preview(c.CurrentValue),
				Label:   "Saved version",
			},
			ConflictType:  c.Type,
			Suggestions:   suggestions,
			AutoMergeable: mergeable,
		})
	}

	at := detectedAt
	return &datatypes.ConflictsResponse{
		HasConflicts:  true,
		ConflictCount: len(presented),
		Conflicts:     presented,
		RecordVersion: version,
		SessionID:     owner,
		DetectedAt:    &at,
	}, nil
}

// Resolve applies the user's per-field choices. Resolving when no conflict
// is outstanding is a no-op success, so a double-submitted banner does not
// error. Merge on a free-text field does not write anything: it returns a
// draft combining both versions for the user to edit and resubmit.
func (s *ResolutionService) Resolve(
	ctx context.Context,
	recordID string,
	req datatypes.ResolveRequest,
) (*datatypes.ResolveResponse, error) {
	_, _, _, conflicts, ok := s.conflicts.Snapshot(recordID, req.SessionID)
	if !ok {
		return &datatypes.ResolveResponse{Success: true, NoOp: true}, nil
	}

	byField := make(map[string]datatypes.Conflict, len(conflicts))
	for _, c := range conflicts {
		byField[c.Field] = c
	}

	writes := make(map[string]string)
	var (
		resolved []string
		drafts   []datatypes.MergeDraft
		entries  []HistoryEntry
	)
	now := time.Now().UTC()

	fields := make([]string, 0, len(req.Resolutions))
	for field := range req.Resolutions {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		choice, err := datatypes.ParseResolution(req.Resolutions[field])
		if err != nil {
			return nil, &ValidationError{Field: field, Reason: err.Error()}
		}
		conflict, ok := byField[field]
		if !ok {
			// Already resolved, or never conflicted. Skip silently so a
			// replayed banner submission stays idempotent.
			continue
		}

		switch choice {
		case datatypes.ResolutionKeepYours:
			writes[field] = conflict.IncomingValue
			resolved = append(resolved, field)
		case datatypes.ResolutionKeepServer:
			// The server value stays; nothing to write.
			resolved = append(resolved, field)
		case datatypes.ResolutionMerge:
			if field == datatypes.FieldTags {
				writes[field] = mergeTags(conflict.CurrentValue, conflict.IncomingValue)
				resolved = append(resolved, field)
				break
			}
			drafts = append(drafts, datatypes.MergeDraft{
				Field:       field,
				Draft:       buildTextMergeDraft(conflict),
				YourValue:   conflict.IncomingValue,
				ServerValue: conflict.CurrentValue,
			})
		}
		entries = append(entries, HistoryEntry{
			SessionID:  req.SessionID,
			Field:      field,
			Resolution: choice,
			ResolvedAt: now,
		})
	}

	resp := &datatypes.ResolveResponse{
		Success:        true,
		ResolvedFields: resolved,
		MergeDrafts:    drafts,
		Timestamp:      now,
	}

	if len(writes) > 0 {
		// Resolution writes are forced: the user has seen both sides, so
		// no version expectation applies.
		updated, err := s.store.UpdateWithVersion(ctx, recordID, writes, nil, req.SessionID)
		if err != nil {
			s.metrics.SaveErrors.Inc()
			return nil, err
		}
		resp.NewVersion = updated.Version
		resp.Timestamp = updated.LastModified
		for field := range writes {
			s.events.Publish(datatypes.SaveEvent{
				Type:      "saved",
				RecordID:  recordID,
				Field:     field,
				Version:   updated.Version,
				SessionID: req.SessionID,
				Timestamp: updated.LastModified,
			})
		}
	} else if len(resolved) > 0 {
		record, err := s.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		resp.NewVersion = record.Version
	}

	s.conflicts.Resolve(recordID, req.SessionID, entries)
	for _, e := range entries {
		s.metrics.ResolutionsTotal.WithLabelValues(string(e.Resolution)).Inc()
	}
	s.logger.Info("conflicts resolved",
		slog.String("record_id", recordID),
		slog.String("session_id", req.SessionID),
		slog.Any("fields", resolved),
		slog.Int("merge_drafts", len(drafts)),
	)
	return resp, nil
}

// buildTextMergeDraft concatenates both versions into an editable draft.
// When one side extends the other the longer side is the draft.
func buildTextMergeDraft(c datatypes.Conflict) string {
	if strings.HasPrefix(c.IncomingValue, c.CurrentValue) {
		return c.IncomingValue
	}
	if strings.HasPrefix(c.CurrentValue, c.IncomingValue) {
		return c.CurrentValue
	}
	return c.CurrentValue + "\n\n" + c.IncomingValue
}

// AutoResolve applies one strategy across every outstanding conflict.
// Smart merge combines where a safe merge exists and falls back to
// last-write-wins with an explicit log where it does not.
func (s *ResolutionService) AutoResolve(
	ctx context.Context,
	recordID string,
	req datatypes.AutoResolveRequest,
) (*datatypes.AutoResolveResponse, error) {
	strategy, err := datatypes.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}

	_, _, _, conflicts, ok := s.conflicts.Snapshot(recordID, req.SessionID)
	if !ok {
		return &datatypes.AutoResolveResponse{
			Success:    true,
			Resolution: &datatypes.ResolveResponse{Success: true, NoOp: true},
		}, nil
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })

	writes := make(map[string]string)
	var (
		applied   []string
		fallbacks []string
		entries   []HistoryEntry
	)
	now := time.Now().UTC()

	for _, c := range conflicts {
		resolution, value, fellBack := s.decide(strategy, c)
		if fellBack {
			fallbacks = append(fallbacks, c.Field)
			s.metrics.AutoResolveFalls.Inc()
			s.logger.Warn("smart merge fallback to last-write-wins",
				slog.String("record_id", recordID),
				slog.String("field", c.Field),
				slog.String("conflict_type", string(c.Type)),
			)
		}
		if resolution == datatypes.ResolutionKeepYours || resolution == datatypes.ResolutionMerge {
			writes[c.Field] = value
		}
		applied = append(applied, c.Field)
		entries = append(entries, HistoryEntry{
			SessionID:  req.SessionID,
			Field:      c.Field,
			Resolution: resolution,
			Strategy:   strategy.String(),
			ResolvedAt: now,
		})
	}

	resolution := &datatypes.ResolveResponse{
		Success:        true,
		ResolvedFields: applied,
		Timestamp:      now,
	}
	if len(writes) > 0 {
		updated, err := s.store.UpdateWithVersion(ctx, recordID, writes, nil, req.SessionID)
		if err != nil {
			s.metrics.SaveErrors.Inc()
			return nil, err
		}
		resolution.NewVersion = updated.Version
		resolution.Timestamp = updated.LastModified
		for field := range writes {
			s.events.Publish(datatypes.SaveEvent{
				Type:      "saved",
				RecordID:  recordID,
				Field:     field,
				Version:   updated.Version,
				SessionID: req.SessionID,
				Timestamp: updated.LastModified,
			})
		}
	} else {
		record, err := s.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		resolution.NewVersion = record.Version
	}

	s.conflicts.Resolve(recordID, req.SessionID, entries)
	for _, e := range entries {
		s.metrics.ResolutionsTotal.WithLabelValues(string(e.Resolution)).Inc()
	}
	s.logger.Info("conflicts auto-resolved",
		slog.String("record_id", recordID),
		slog.String("session_id", req.SessionID),
		slog.String("strategy", strategy.String()),
		slog.Int("resolved", len(applied)),
		slog.Int("fallbacks", len(fallbacks)),
	)

	return &datatypes.AutoResolveResponse{
		Success:           true,
		AutoResolvedCount: len(applied),
		Applied:           applied,
		Fallbacks:         fallbacks,
		Resolution:        resolution,
	}, nil
}

// decide maps one conflict through a strategy to a concrete resolution.
// Every Strategy variant is handled here; adding a variant without a case
// falls through to last-write-wins, which the fallback flag makes visible.
func (s *ResolutionService) decide(
	strategy datatypes.Strategy,
	c datatypes.Conflict,
) (datatypes.Resolution, string, bool) {
	switch strategy {
	case datatypes.StrategyFirstWriteWins:
		return datatypes.ResolutionKeepServer, "", false
	case datatypes.StrategyLastWriteWins:
		return datatypes.ResolutionKeepYours, c.IncomingValue, false
	case datatypes.StrategySmartMerge:
		if c.Field == datatypes.FieldTags {
			return datatypes.ResolutionMerge, mergeTags(c.CurrentValue, c.IncomingValue), false
		}
		if strings.HasPrefix(c.IncomingValue, c.CurrentValue) {
			return datatypes.ResolutionMerge, c.IncomingValue, false
		}
		if strings.HasPrefix(c.CurrentValue, c.IncomingValue) {
			return datatypes.ResolutionMerge, c.CurrentValue, false
		}
		return datatypes.ResolutionKeepYours, c.IncomingValue, true
	default:
		return datatypes.ResolutionKeepYours, c.IncomingValue, true
	}
}
