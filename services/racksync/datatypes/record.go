// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared types for the racksync service: the
// versioned rack record, save operations, conflicts, and the HTTP payloads.
package datatypes

import (
	"fmt"
	"time"
)

// Editable field names. Only these may be written through auto-save.
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldCategory     = "category"
	FieldTags         = "tags"
	FieldHowToArticle = "how_to_article"
)

// EditableFields lists every field auto-save may touch, in display order.
var EditableFields = []string{
	FieldTitle,
	FieldDescription,
	FieldCategory,
	FieldTags,
	FieldHowToArticle,
}

// fieldMaxLengths caps each editable field, in characters.
var fieldMaxLengths = map[string]int{
	FieldTitle:        255,
	FieldDescription:  1000,
	FieldCategory:     100,
	FieldTags:         500,
	FieldHowToArticle: 10000,
}

// LargePayloadThreshold marks values big enough that the client should show
// a "saving large content" state instead of a generic spinner. It does not
// change the save path.
const LargePayloadThreshold = 5000

// IsEditableField reports whether name is in the auto-save whitelist.
func IsEditableField(name string) bool {
	_, ok := fieldMaxLengths[name]
	return ok
}

// FieldMaxLength returns the character cap for an editable field,
// or 0 when the field is not editable.
func FieldMaxLength(name string) int {
	return fieldMaxLengths[name]
}

// FieldLabel returns the human-facing label used in conflict banners.
func FieldLabel(field string) string {
	switch field {
	case FieldTitle:
		return "Title"
	case FieldDescription:
		return "Description"
	case FieldCategory:
		return "Category"
	case FieldTags:
		return "Tags"
	case FieldHowToArticle:
		return "How-to Article"
	default:
		return field
	}
}

// Record is the rack under edit. The analysis fields are owned by the
// background processing pipeline and are read-only here; auto-save writes
// only the editable fields and the version counter.
type Record struct {
	ID string `json:"id"`

	// Version is a monotonic counter, starting at 1. It increments by
	// exactly one per successfully applied save and is the single source
	// of truth for conflict detection.
	Version int64 `json:"version"`

	LastModified    time.Time `json:"last_modified"`
	LastSaveSession string    `json:"last_save_session,omitempty"`

	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Tags         string `json:"tags"`
	HowToArticle string `json:"how_to_article"`

	// Analysis pipeline passthrough for the status endpoint.
	Status          string `json:"status,omitempty"`
	ProcessingError string `json:"processing_error,omitempty"`
}

// FieldValue returns the current value of an editable field.
func (r *Record) FieldValue(field string) (string, error) {
	switch field {
	case FieldTitle:
		return r.Title, nil
	case FieldDescription:
		return r.Description, nil
	case FieldCategory:
		return r.Category, nil
	case FieldTags:
		return r.Tags, nil
	case FieldHowToArticle:
		return r.HowToArticle, nil
	default:
		return "", fmt.Errorf("field %q is not editable", field)
	}
}

// SetField writes an editable field. The caller is responsible for version
// bookkeeping; this is a plain assignment.
func (r *Record) SetField(field, value string) error {
	switch field {
	case FieldTitle:
		r.Title = value
	case FieldDescription:
		r.Description = value
	case FieldCategory:
		r.Category = value
	case FieldTags:
		r.Tags = value
	case FieldHowToArticle:
		r.HowToArticle = value
	default:
		return fmt.Errorf("field %q is not editable", field)
	}
	return nil
}

// FieldValues snapshots every editable field for the status endpoint.
func (r *Record) FieldValues() map[string]string {
	return map[string]string{
		FieldTitle:        r.Title,
		FieldDescription:  r.Description,
		FieldCategory:     r.Category,
		FieldTags:         r.Tags,
		FieldHowToArticle: r.HowToArticle,
	}
}

// AnalysisStatus summarises the background analysis state for clients.
type AnalysisStatus struct {
	Status       string `json:"status"`
	IsComplete   bool   `json:"is_complete"`
	HasError     bool   `json:"has_error"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Analysis derives the analysis passthrough from the record's status
// columns. "pending", "approved" and "failed" are terminal states.
func (r *Record) Analysis() AnalysisStatus {
	complete := r.Status == "pending" || r.Status == "approved" || r.Status == "failed"
	return AnalysisStatus{
		Status:       r.Status,
		IsComplete:   complete,
		HasError:     r.Status == "failed",
		ErrorMessage: r.ProcessingError,
	}
}
