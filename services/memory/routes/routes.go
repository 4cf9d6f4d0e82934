// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRecall/services/memory/chain"
	"github.com/AleutianAI/AleutianRecall/services/memory/engine"
	"github.com/AleutianAI/AleutianRecall/services/memory/handlers"
)

// SetupRoutes registers the recall service's HTTP surface.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, validator *chain.Validator,
	reconstructor *chain.Reconstructor) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat(eng))
		v1.GET("/statistics", handlers.GetStatistics(eng))
		v1.DELETE("/memory", handlers.ClearAll(eng))

		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId/history", handlers.GetSessionHistory(reconstructor))
			sessions.GET("/:sessionId/chain/validate", handlers.ValidateChain(validator))
			sessions.POST("/:sessionId/chain/repair", handlers.RepairChain(validator))
			sessions.DELETE("/:sessionId", handlers.ClearSession(eng))
		}
	}
}
