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

// ConnectionRecovery handles POST /v1/records/:id/connection-recovery.
func ConnectionRecovery(svc *autosave.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RecoveryRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}

		resp, err := svc.HandleConnectionRecovery(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
