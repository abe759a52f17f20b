// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// The identifiers checked here end up inside SQL text, LLM prompts, vector
// store filters and storage keys. Rejecting anything outside a narrow
// character set keeps them from carrying quotes, comments or statement
// separators into those places.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identPattern matches one unquoted SQL identifier segment.
// Hyphens are allowed because BigQuery project ids use them.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]{0,127}$`)

// columnPattern matches a column name. Hyphens are not allowed.
var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// namespacePattern matches a cache namespace: lower case, 1-64 characters.
var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// maxTableSegments is project.dataset.table.
const maxTableSegments = 3

// ValidateTableName validates a possibly qualified table name.
//
// Valid names:
//   - 1 to 3 dot-separated segments (table, dataset.table, project.dataset.table)
//   - each segment starts with a letter or underscore
//   - letters, digits, underscores and hyphens only
//
// Example:
//
//	if err := validation.ValidateTableName(name); err != nil {
//	    return nil, fmt.Errorf("invalid policy: %w", err)
//	}
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	segments := strings.Split(name, ".")
	if len(segments) > maxTableSegments {
		return fmt.Errorf("invalid table name %q: at most %d dot-separated parts", name, maxTableSegments)
	}
	for _, s := range segments {
		if !identPattern.MatchString(s) {
			return fmt.Errorf("invalid table name %q: %q is not a plain identifier", name, s)
		}
	}
	return nil
}

// ValidateColumnName validates a single column name.
func ValidateColumnName(name string) error {
	if name == "" {
		return fmt.Errorf("column name cannot be empty")
	}
	if !columnPattern.MatchString(name) {
		return fmt.Errorf("invalid column name %q (letters, digits and underscores only)", name)
	}
	return nil
}

// ValidateTableNames validates multiple table names.
// Returns an error listing all invalid names if any fail validation.
func ValidateTableNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateTableName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid table names: %q", invalid)
	}
	return nil
}

// SanitizeNamespace normalizes and validates a cache namespace.
// Returns the lower-case namespace if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	ns, err := validation.SanitizeNamespace(cfg.CacheNamespace)
//	if err != nil {
//	    return err
//	}
func SanitizeNamespace(ns string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(ns))
	if normalized == "" {
		return "", fmt.Errorf("namespace cannot be empty")
	}
	if !namespacePattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid namespace %q (must be 1-64 lower-case alphanumeric chars, underscores or hyphens)", ns)
	}
	return normalized, nil
}
