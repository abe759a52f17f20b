// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// ErrSQLSyntax is wrapped by warehouse adapters when a dry run or execution
// rejects the query text itself. The SQL validator uses it to tell syntax
// failures apart from transient ones.
var ErrSQLSyntax = errors.New("sql syntax error")

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind classifies why a question could not be answered.
type ErrorKind string

const (
	// ErrorKindValidation is a policy, table or verb violation found statically.
	ErrorKindValidation ErrorKind = "validation_error"

	// ErrorKindSyntax is malformed SQL reported by the warehouse dry run.
	ErrorKindSyntax ErrorKind = "syntax_error"

	// ErrorKindExecution is a warehouse runtime failure.
	ErrorKindExecution ErrorKind = "execution_error"

	// ErrorKindGeneration is a failed call to the SQL generation provider.
	ErrorKindGeneration ErrorKind = "generation_error"

	// ErrorKindResourceLimit means the estimated cost exceeded the ceiling.
	ErrorKindResourceLimit ErrorKind = "resource_limit_error"

	// ErrorKindPolicy means the message itself carried classified data.
	ErrorKindPolicy ErrorKind = "policy_error"

	// ErrorKindProcessing is anything uncategorized.
	ErrorKindProcessing ErrorKind = "processing_error"
)

// =============================================================================
// Validation Result
// =============================================================================

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is a single finding from the SQL security validator.
type ValidationIssue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// CostEstimate is derived from the warehouse dry run.
type CostEstimate struct {
	BytesProcessed         int64   `json:"bytesProcessed"`
	EstimatedExecutionMs   int64   `json:"estimatedExecutionTimeMs"`
	EstimatedCostUSD       float64 `json:"estimatedCost"`
	ExceedsConfiguredLimit bool    `json:"exceedsLimit"`
}

// ValidationResult is the verdict of the SQL security validator.
//
// # Description
//
// IsValid is false whenever Errors is non-empty. Checks short-circuit, so at
// most one error is reported. Warnings never block execution.
type ValidationResult struct {
	IsValid           bool              `json:"isValid"`
	Errors            []ValidationIssue `json:"errors"`
	Warnings          []ValidationIssue `json:"warnings"`
	Cost              *CostEstimate     `json:"costEstimate,omitempty"`
	OptimizationHints []string          `json:"optimizationHints,omitempty"`
	Tables            []string          `json:"tables,omitempty"`
}

// FirstError returns the blocking issue, if any.
func (v ValidationResult) FirstError() (ValidationIssue, bool) {
	if len(v.Errors) == 0 {
		return ValidationIssue{}, false
	}
	return v.Errors[0], true
}

// =============================================================================
// Warehouse Results
// =============================================================================

// Column describes one column of a result schema.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DryRunResult is returned by a warehouse dry run.
type DryRunResult struct {
	BytesProcessed int64    `json:"bytesProcessed"`
	Schema         []Column `json:"schema,omitempty"`
}

// QueryResult is returned by a warehouse execution.
type QueryResult struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	TotalRows       int              `json:"totalRows"`
	BytesProcessed  int64            `json:"bytesProcessed"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
	Truncated       bool             `json:"truncated,omitempty"`
}
