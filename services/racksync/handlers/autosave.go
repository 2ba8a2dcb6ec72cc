// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the racksync HTTP API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rackbook/racksync/services/racksync/autosave"
	"github.com/rackbook/racksync/services/racksync/datatypes"
	"github.com/rackbook/racksync/services/racksync/storage"
)

// writeError maps service errors to HTTP statuses. Conflicts never reach
// here: they are successful responses with a conflict body.
func writeError(c *gin.Context, err error) {
	var verr *autosave.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": verr.Error()})
	case errors.Is(err, storage.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "record not found"})
	case errors.Is(err, storage.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":   false,
			"error":     "save temporarily unavailable, retry",
			"transient": true,
		})
	case errors.Is(err, autosave.ErrUnknownStrategy):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}

// AutoSave handles POST /v1/records/:id/auto-save.
func AutoSave(svc *autosave.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AutoSaveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		resp, err := svc.SaveField(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		if resp.ConflictDetected {
			c.JSON(http.StatusConflict, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// BatchAutoSave handles POST /v1/records/:id/auto-save/batch.
func BatchAutoSave(svc *autosave.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.BatchSaveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		resp, err := svc.SaveFields(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		if resp.ConflictDetected {
			c.JSON(http.StatusConflict, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Status handles GET /v1/records/:id/status.
func Status(svc *autosave.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.CurrentState(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
