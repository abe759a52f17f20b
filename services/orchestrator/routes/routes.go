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

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/middleware"
)

// SetupRoutes registers the analyst API on router.
//
// /health and /metrics are unauthenticated. Everything under /v1 passes
// through the auth middleware built from opts.AuthProvider.
func SetupRoutes(router *gin.Engine, analyst handlers.Analyst, opts extensions.ServiceOptions) {
	opts = opts.Normalize()

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		analytics := v1.Group("/analytics")
		{
			analytics.POST("/query", handlers.HandleAnalyticsQuery(analyst))
			analytics.POST("/feedback", handlers.HandleAnalyticsFeedback(analyst))
		}
		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id", handlers.GetConversation(analyst))
			conversations.DELETE("/:id", handlers.DeleteConversation(analyst))
		}
		v1.POST("/sql/validate", handlers.HandleValidateSQL(analyst))
	}
}
