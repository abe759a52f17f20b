// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when authentication fails. Implementations
// wrap it with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// UserID is always populated. Email, Roles and Metadata may be empty.
type AuthInfo struct {
	UserID   string
	Email    string
	Roles    []string
	Metadata map[string]any
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use.
//
// # Default Behavior
//
// NopAuthProvider accepts every request as "local-user". Deployments that
// expose the API put StaticTokenAuthProvider (or their own identity provider)
// in front of it.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (possibly wrapped) for invalid tokens.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates every caller as a local admin user.
type NopAuthProvider struct{}

// Validate always succeeds and ignores the token.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Email:  "",
		Roles:  []string{"admin"},
	}, nil
}

// StaticTokenAuthProvider accepts a fixed set of API keys.
//
// # Description
//
// Each key maps to the user id it authenticates. Comparison is constant time
// per key. Built from the ANALYST_API_KEYS setting, formatted
// "user1:key1,user2:key2".
type StaticTokenAuthProvider struct {
	keys map[string]string // token -> user id
}

// NewStaticTokenAuthProvider creates a provider from token to user id pairs.
func NewStaticTokenAuthProvider(keys map[string]string) *StaticTokenAuthProvider {
	cp := make(map[string]string, len(keys))
	for token, user := range keys {
		cp[token] = user
	}
	return &StaticTokenAuthProvider{keys: cp}
}

// ParseAPIKeys parses "user:key" pairs separated by commas into a token to
// user id map.
//
// # Examples
//
//	keys, err := ParseAPIKeys("dashboard:s3cr3t,cli:an0ther")
//	// keys == map[string]string{"s3cr3t": "dashboard", "an0ther": "cli"}
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, key, ok := strings.Cut(pair, ":")
		user, key = strings.TrimSpace(user), strings.TrimSpace(key)
		if !ok || user == "" || key == "" {
			return nil, fmt.Errorf("invalid API key entry %q: expected user:key", pair)
		}
		keys[key] = user
	}
	return keys, nil
}

// Validate looks the token up among the configured keys.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	for key, user := range p.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return &AuthInfo{UserID: user, Roles: []string{"analyst"}}, nil
		}
	}
	return nil, fmt.Errorf("unknown API key: %w", ErrUnauthorized)
}

// =============================================================================
// Context Propagation
// =============================================================================

type authInfoKey struct{}

// ContextWithAuthInfo returns a context carrying info.
func ContextWithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext returns the identity stored by ContextWithAuthInfo.
func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok && info != nil
}

// UserIDFromContext returns the authenticated user id or "anonymous".
func UserIDFromContext(ctx context.Context) string {
	if info, ok := AuthInfoFromContext(ctx); ok && info.UserID != "" {
		return info.UserID
	}
	return "anonymous"
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
