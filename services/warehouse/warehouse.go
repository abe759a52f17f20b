// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warehouse adapts analytical query engines to the dry-run and
// execute contract used by the orchestrator.
//
// # Description
//
// Two adapters are provided: BigQuery, the primary target, and any engine
// speaking the MySQL protocol (MySQL, Apache Doris, StarRocks). Both wrap
// datatypes.ErrSQLSyntax when the engine rejects the query text so callers
// can tell malformed SQL apart from runtime failures.
package warehouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

// ErrSyntax is wrapped by every adapter for malformed query text.
var ErrSyntax = datatypes.ErrSQLSyntax

// Warehouse executes read-only analytical SQL.
type Warehouse interface {
	// DryRun estimates a query without executing it.
	DryRun(ctx context.Context, sql string) (*datatypes.DryRunResult, error)

	// Execute runs a query and returns at most maxRows rows. maxRows <= 0
	// means no client-side cap.
	Execute(ctx context.Context, sql string, maxRows int) (*datatypes.QueryResult, error)

	// Close releases connections.
	Close() error
}

// syntaxError wraps an engine error so errors.Is(err, ErrSyntax) holds while
// the original message is preserved.
type syntaxError struct {
	cause error
}

func (e *syntaxError) Error() string { return fmt.Sprintf("sql syntax error: %v", e.cause) }

func (e *syntaxError) Is(target error) bool { return target == ErrSyntax }

func (e *syntaxError) Unwrap() error { return e.cause }

// normalizeValue converts driver values into JSON-friendly Go values.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case *big.Rat:
		if x == nil {
			return nil
		}
		f, _ := x.Float64()
		return f
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	default:
		return v
	}
}
