// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warehouse

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

func TestSyntaxError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("Syntax error: Unexpected keyword FROM at [1:8]")
	err := fmt.Errorf("dry run: %w", &syntaxError{cause: cause})

	assert.ErrorIs(t, err, ErrSyntax)
	assert.ErrorIs(t, err, datatypes.ErrSQLSyntax)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Unexpected keyword")
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 30, 0, 0, time.FixedZone("BRT", -3*3600))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bytes", []byte("Cabo USB-C"), "Cabo USB-C"},
		{"rat", big.NewRat(3, 2), 1.5},
		{"time in utc", ts, "2025-01-15T13:30:00Z"},
		{"int passthrough", int64(42), int64(42)},
		{"float passthrough", 9.5, 9.5},
		{"nested", []any{[]byte("a"), int64(1)}, []any{"a", int64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeValue(tt.in))
		})
	}
}

func TestNormalizeBigQueryValue(t *testing.T) {
	in := map[string]bigquery.Value{
		"produto": "Fone Bluetooth",
		"tags":    []bigquery.Value{[]byte("audio"), "promo"},
		"loja":    map[string]bigquery.Value{"uf": "SP"},
		"receita": big.NewRat(1999, 2),
	}

	got := normalizeRow(in)

	assert.Equal(t, "Fone Bluetooth", got["produto"])
	assert.Equal(t, []any{"audio", "promo"}, got["tags"])
	assert.Equal(t, map[string]any{"uf": "SP"}, got["loja"])
	assert.Equal(t, 999.5, got["receita"])
}

func TestClassifyBigQueryError(t *testing.T) {
	t.Run("invalid query api error is syntax", func(t *testing.T) {
		err := classifyBigQueryError(&googleapi.Error{
			Code:    400,
			Message: "Syntax error",
			Errors:  []googleapi.ErrorItem{{Reason: "invalidQuery"}},
		})
		assert.ErrorIs(t, err, ErrSyntax)
		assert.False(t, retry.IsRetryable(err))
	})

	t.Run("job error with invalid query reason", func(t *testing.T) {
		err := classifyBigQueryError(&bigquery.Error{Reason: "invalidQuery", Message: "Unrecognized name"})
		assert.ErrorIs(t, err, ErrSyntax)
	})

	t.Run("other client error is permanent", func(t *testing.T) {
		err := classifyBigQueryError(&googleapi.Error{Code: 403, Message: "denied"})
		assert.NotErrorIs(t, err, ErrSyntax)
		assert.False(t, retry.IsRetryable(err))
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		err := classifyBigQueryError(&googleapi.Error{Code: 429})
		assert.True(t, retry.IsRetryable(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		err := classifyBigQueryError(&googleapi.Error{Code: 503})
		assert.True(t, retry.IsRetryable(err))
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classifyBigQueryError(nil))
	})
}

func TestClassifyMySQLError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		syntax    bool
		retryable bool
	}{
		{"parse error", &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"}, true, false},
		{"doris syntax message", &mysql.MySQLError{Number: 1105, Message: "errCode = 2, detailMessage = Syntax error in line 1"}, true, false},
		{"unknown table", &mysql.MySQLError{Number: 1146, Message: "Table 'x' doesn't exist"}, false, false},
		{"connection reset", errors.New("driver: bad connection"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyMySQLError(tt.err)
			assert.Equal(t, tt.syntax, errors.Is(err, ErrSyntax))
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
		})
	}
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(120), toInt64(int64(120)))
	assert.Equal(t, int64(7), toInt64([]byte("7")))
	assert.Equal(t, int64(3), toInt64("3"))
	assert.Equal(t, int64(2), toInt64(2.9))
	assert.Equal(t, int64(0), toInt64(nil))
}
