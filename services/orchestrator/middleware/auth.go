// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the analyst API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>" or "X-API-Key"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in the gin context and the request context
//	           │
//	           ▼
//	       Handler → AnalyticsService (audit events read the user id)
//
// With NopAuthProvider every request runs as "local-user". With
// StaticTokenAuthProvider (ANALYST_API_KEYS) unknown keys get 401.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the caller's AuthInfo.
const authInfoKey = "aleutian_auth_info"

// apiKeyHeader is accepted as an alternative to a bearer token.
const apiKeyHeader = "X-API-Key"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user on both the gin context and the
// request context.
//
// # Description
//
// Handlers read it back with GetAuthInfo. Code below the handlers only sees
// the request context and uses extensions.AuthInfoFromContext.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//   - info: Authenticated user information. May be nil.
//
// # Thread Safety
//
// Safe to call concurrently (gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
	if info != nil && c.Request != nil {
		c.Request = c.Request.WithContext(extensions.ContextWithAuthInfo(c.Request.Context(), info))
	}
}

// GetAuthInfo returns the authenticated user, or nil when the request did not
// pass through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware authenticates every request with the given provider.
//
// # Description
//
// The token is taken from "Authorization: Bearer <token>" and, when that is
// absent, from the X-API-Key header. A missing token is passed to the provider
// as the empty string so NopAuthProvider can accept it.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware that aborts with 401 on failure.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				slog.Warn("Rejected unauthenticated request", "path", c.FullPath(), "client_ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			slog.Error("Auth provider failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractToken returns the bearer token or API key, or "" when neither is
// present. The "Bearer" scheme is matched case-insensitively per RFC 7235.
func extractToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(c.GetHeader(apiKeyHeader))
}
