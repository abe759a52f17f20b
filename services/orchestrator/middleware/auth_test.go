// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuthProvider is a configurable mock for testing.
type mockAuthProvider struct {
	authInfo  *extensions.AuthInfo
	err       error
	lastToken string
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.lastToken = token
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

func newContext(headers map[string]string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c
}

// =============================================================================
// extractToken Tests
// =============================================================================

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer abc123"}, want: "abc123"},
		{name: "lowercase scheme", headers: map[string]string{"Authorization": "bearer abc123"}, want: "abc123"},
		{name: "mixed case scheme", headers: map[string]string{"Authorization": "BeArEr abc123"}, want: "abc123"},
		{name: "api key header", headers: map[string]string{"X-API-Key": " key-1 "}, want: "key-1"},
		{name: "authorization wins over api key", headers: map[string]string{"Authorization": "Bearer a", "X-API-Key": "b"}, want: "a"},
		{name: "basic auth", headers: map[string]string{"Authorization": "Basic abc123"}, want: ""},
		{name: "no scheme", headers: map[string]string{"Authorization": "abc123"}, want: ""},
		{name: "empty bearer", headers: map[string]string{"Authorization": "Bearer "}, want: ""},
		{name: "only bearer", headers: map[string]string{"Authorization": "Bearer"}, want: ""},
		{name: "missing", headers: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractToken(newContext(tt.headers)))
		})
	}
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware_Success(t *testing.T) {
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{
		UserID: "user-123",
		Email:  "user@example.com",
		Roles:  []string{"analyst"},
	}}

	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/test", func(c *gin.Context) {
		authInfo := GetAuthInfo(c)
		require.NotNil(t, authInfo)
		c.JSON(http.StatusOK, gin.H{
			"user_id":     authInfo.UserID,
			"ctx_user_id": extensions.UserIDFromContext(c.Request.Context()),
		})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "valid-token", provider.lastToken)
	assert.JSONEq(t, `{"user_id":"user-123","ctx_user_id":"user-123"}`, w.Body.String())
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "unauthorized", err: extensions.ErrUnauthorized, wantMsg: `{"error":"unauthorized"}`},
		{name: "wrapped unauthorized", err: errors.Join(errors.New("expired"), extensions.ErrUnauthorized), wantMsg: `{"error":"unauthorized"}`},
		{name: "provider error", err: errors.New("network error"), wantMsg: `{"error":"authentication failed"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			router := gin.New()
			router.Use(AuthMiddleware(&mockAuthProvider{err: tt.err}))
			router.GET("/test", func(c *gin.Context) {
				called = true
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Authorization", "Bearer some-token")
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, tt.wantMsg, w.Body.String())
			assert.False(t, called)
		})
	}
}

func TestAuthMiddleware_NopProvider(t *testing.T) {
	router := gin.New()
	router.Use(AuthMiddleware(&extensions.NopAuthProvider{}))
	router.GET("/test", func(c *gin.Context) {
		authInfo := GetAuthInfo(c)
		require.NotNil(t, authInfo)
		assert.Equal(t, "local-user", authInfo.UserID)
		assert.True(t, authInfo.HasRole("admin"))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_StaticTokens(t *testing.T) {
	keys, err := extensions.ParseAPIKeys("dashboard:s3cr3t")
	require.NoError(t, err)

	router := gin.New()
	router.Use(AuthMiddleware(extensions.NewStaticTokenAuthProvider(keys)))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, extensions.UserIDFromContext(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-API-Key", "s3cr3t")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dashboard", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// Context Helper Tests
// =============================================================================

func TestSetAndGetAuthInfo(t *testing.T) {
	c := newContext(nil)
	expected := &extensions.AuthInfo{UserID: "test-user", Email: "test@example.com", Roles: []string{"viewer"}}

	SetAuthInfo(c, expected)

	assert.Same(t, expected, GetAuthInfo(c))
	fromCtx, ok := extensions.AuthInfoFromContext(c.Request.Context())
	require.True(t, ok)
	assert.Same(t, expected, fromCtx)
}

func TestGetAuthInfo_NotSetOrWrongType(t *testing.T) {
	c := newContext(nil)
	assert.Nil(t, GetAuthInfo(c))

	c.Set(authInfoKey, "not an AuthInfo")
	assert.Nil(t, GetAuthInfo(c))
}
