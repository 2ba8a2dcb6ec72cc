// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rackbook/racksync/services/racksync/autosave"
	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// Conflicts handles GET /v1/records/:id/conflicts.
func Conflicts(svc *autosave.ResolutionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.Present(c.Request.Context(), c.Param("id"), c.Query("session_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ResolveConflicts handles POST /v1/records/:id/resolve-conflicts.
func ResolveConflicts(svc *autosave.ResolutionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ResolveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		resp, err := svc.Resolve(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// AutoResolveConflicts handles POST /v1/records/:id/auto-resolve-conflicts.
func AutoResolveConflicts(svc *autosave.ResolutionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AutoResolveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		resp, err := svc.AutoResolve(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
