// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rackbook/racksync/services/racksync/autosave"
	"github.com/rackbook/racksync/services/racksync/handlers"
)

// SetupRoutes mounts the racksync API on the router.
func SetupRoutes(
	router *gin.Engine,
	saves *autosave.Service,
	resolver *autosave.ResolutionService,
	hub *handlers.EventHub,
) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		records := v1.Group("/records/:id")
		{
			records.POST("/auto-save", handlers.AutoSave(saves))
			records.POST("/auto-save/batch", handlers.BatchAutoSave(saves))
			records.GET("/status", handlers.Status(saves))
			records.GET("/conflicts", handlers.Conflicts(resolver))
			records.POST("/resolve-conflicts", handlers.ResolveConflicts(resolver))
			records.POST("/auto-resolve-conflicts", handlers.AutoResolveConflicts(resolver))
			records.POST("/connection-recovery", handlers.ConnectionRecovery(saves))
			records.GET("/events", handlers.Events(hub))
		}
	}
}
