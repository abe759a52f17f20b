// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

type fakeDryRunner struct {
	bytes int64
	err   error
	calls int
}

func (f *fakeDryRunner) DryRun(_ context.Context, _ string) (*datatypes.DryRunResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &datatypes.DryRunResult{BytesProcessed: f.bytes}, nil
}

func newTestValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	policy, err := DefaultPolicy()
	require.NoError(t, err)
	v, err := New(policy, append([]Option{WithParseCheck(false)}, opts...)...)
	require.NoError(t, err)
	return v
}

func errorCode(t *testing.T, res datatypes.ValidationResult) string {
	t.Helper()
	iss, ok := res.FirstError()
	require.True(t, ok, "expected a validation error")
	return iss.Code
}

func hasWarning(res datatypes.ValidationResult, code string) bool {
	for _, w := range res.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// =============================================================================
// Policy
// =============================================================================

func TestDefaultPolicy(t *testing.T) {
	p, err := DefaultPolicy()
	require.NoError(t, err)

	assert.Equal(t, []string{"SELECT", "WITH"}, p.AllowedOperations)
	assert.Contains(t, p.ForbiddenOperations, "DROP")
	assert.Contains(t, p.TableNames(), "ecommerce.pedidos")
	assert.Greater(t, p.MaxBytesProcessed, int64(0))
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "tables: ["},
		{name: "no tables", yaml: "version: '1'\nallowed_operations: [SELECT]\nforbidden_operations: [DROP]\nmax_bytes_processed: 1\nmax_rows: 1\nscan_bytes_per_second: 1\n"},
		{name: "write operation allowed", yaml: "version: '1'\nallowed_operations: [DELETE]\nforbidden_operations: [DROP]\nmax_bytes_processed: 1\nmax_rows: 1\nscan_bytes_per_second: 1\ntables: [{name: a}]\n"},
		{name: "table name with quote", yaml: "version: '1'\nallowed_operations: [SELECT]\nforbidden_operations: [DROP]\nmax_bytes_processed: 1\nmax_rows: 1\nscan_bytes_per_second: 1\ntables: [{name: \"a'b\"}]\n"},
		{name: "restricted column with comma", yaml: "version: '1'\nallowed_operations: [SELECT]\nforbidden_operations: [DROP]\nmax_bytes_processed: 1\nmax_rows: 1\nscan_bytes_per_second: 1\ntables: [{name: a, restricted_columns: [\"cpf,email\"]}]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParsePolicy_ListsEveryInvalidTable(t *testing.T) {
	raw := "version: '1'\nallowed_operations: [SELECT]\nforbidden_operations: [DROP]\nmax_bytes_processed: 1\nmax_rows: 1\nscan_bytes_per_second: 1\ntables: [{name: \"a;b\"}, {name: ok}, {name: \"c d\"}]\n"

	_, err := ParsePolicy([]byte(raw))

	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a;b"`)
	assert.Contains(t, err.Error(), `"c d"`)
	assert.NotContains(t, err.Error(), `"ok"`)
}

func TestPolicy_LookupTable(t *testing.T) {
	p, err := DefaultPolicy()
	require.NoError(t, err)

	for _, ref := range []string{"pedidos", "ecommerce.pedidos", "proj.ecommerce.pedidos", "ECOMMERCE.Pedidos"} {
		tp, ok := p.lookupTable(ref)
		require.True(t, ok, ref)
		assert.Equal(t, "ecommerce.pedidos", tp.Name)
	}
	for _, ref := range []string{"outro.pedidos", "fornecedores", "proj.outro.pedidos"} {
		_, ok := p.lookupTable(ref)
		assert.False(t, ok, ref)
	}
}

// =============================================================================
// Validate
// =============================================================================

// TestValidate_Accepts covers queries that use only allowed tables, CTEs and
// table functions.
func TestValidate_Accepts(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name       string
		sql        string
		wantTables []string
	}{
		{
			name: "join of allowed tables",
			sql: `SELECT p.nome, SUM(i.quantidade) AS total
FROM ecommerce.itens_pedido i
JOIN ecommerce.produtos p ON p.id = i.produto_id
WHERE i.data >= '2025-01-01'
GROUP BY p.nome ORDER BY total DESC LIMIT 5`,
			wantTables: []string{"ecommerce.itens_pedido", "ecommerce.produtos"},
		},
		{
			name: "locally defined cte",
			sql: `WITH vendas_mes AS (
  SELECT produto_id, SUM(quantidade) AS qtd FROM itens_pedido GROUP BY produto_id
)
SELECT p.nome, v.qtd FROM vendas_mes v JOIN produtos p ON p.id = v.produto_id
ORDER BY v.qtd DESC LIMIT 10`,
			wantTables: []string{"ecommerce.itens_pedido", "ecommerce.produtos"},
		},
		{
			name: "second cte in list references the first",
			sql: `WITH base AS (SELECT id FROM pedidos), filtrado AS (SELECT id FROM base)
SELECT COUNT(*) AS n FROM filtrado`,
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "approved cte prefix",
			sql:        "SELECT nome FROM cte_ranking LIMIT 3",
			wantTables: nil,
		},
		{
			name:       "unnest table function",
			sql:        "SELECT p.id, item FROM pedidos p, UNNEST(p.itens) AS item LIMIT 5",
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "extract from inside a function",
			sql:        "SELECT EXTRACT(YEAR FROM data_compra) AS ano, COUNT(*) AS n FROM pedidos GROUP BY ano LIMIT 10",
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "backtick qualified name",
			sql:        "SELECT id FROM `proj.ecommerce.pedidos` LIMIT 1",
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "subquery in from",
			sql:        "SELECT t.n FROM (SELECT COUNT(*) AS n FROM clientes) t",
			wantTables: []string{"ecommerce.clientes"},
		},
		{
			name:       "columns that contain forbidden verbs as substrings",
			sql:        "SELECT updated_at, created_at FROM pedidos LIMIT 1",
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "semicolon inside a literal and trailing semicolon",
			sql:        "SELECT id FROM pedidos WHERE status = 'a;b' LIMIT 1;",
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "is distinct from",
			sql:        "select id from pedidos where status is distinct from 'cancelado' limit 1",
			wantTables: []string{"ecommerce.pedidos"},
		},
		{
			name:       "star over unrestricted table joined to restricted one",
			sql:        "SELECT i.*, c.cidade FROM itens_pedido i JOIN clientes c ON c.id = i.cliente_id LIMIT 5",
			wantTables: []string{"ecommerce.itens_pedido", "ecommerce.clientes"},
		},
		{
			name:       "count star over restricted table",
			sql:        "SELECT COUNT(*) AS n FROM clientes",
			wantTables: []string{"ecommerce.clientes"},
		},
		{
			name:       "or between different operands",
			sql:        "SELECT id FROM pedidos WHERE status = 'entregue' OR status = 'enviado' LIMIT 5",
			wantTables: []string{"ecommerce.pedidos"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tc.sql)

			assert.True(t, res.IsValid, "errors: %+v", res.Errors)
			assert.Empty(t, res.Errors)
			assert.Equal(t, tc.wantTables, res.Tables)
		})
	}
}

// TestValidate_Rejects covers each blocking check.
func TestValidate_Rejects(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		sql      string
		wantCode string
	}{
		{name: "empty", sql: "   ", wantCode: CodeEmptyQuery},
		{name: "only a comment", sql: "-- nada aqui\n", wantCode: CodeEmptyQuery},
		{name: "starts with delete", sql: "DELETE FROM pedidos", wantCode: CodeInvalidStatementStart},
		{name: "starts with explain", sql: "EXPLAIN SELECT 1", wantCode: CodeInvalidStatementStart},
		{name: "forbidden verb as a bare word", sql: "SELECT id FROM pedidos WHERE drop_flag = 1 AND TRUNCATE(valor, 2) > 0", wantCode: CodeForbiddenOperation},
		{name: "forbidden verb in block comment", sql: "SELECT id FROM pedidos /* drop table pedidos */ LIMIT 1", wantCode: CodeForbiddenOperation},
		{name: "forbidden verb in line comment mixed case", sql: "SELECT id FROM pedidos -- DeLeTe everything\nLIMIT 1", wantCode: CodeForbiddenOperation},
		{name: "injected second statement", sql: "SELECT * FROM pedidos; DROP TABLE pedidos", wantCode: CodeMultipleStatements},
		{name: "second select statement", sql: "SELECT id FROM pedidos; SELECT 1", wantCode: CodeMultipleStatements},
		{name: "numeric tautology", sql: "SELECT id FROM pedidos WHERE id = 7 OR 1=1", wantCode: CodeInjectionTautology},
		{name: "string tautology", sql: "SELECT id FROM pedidos WHERE nome = '' OR 'a'='a'", wantCode: CodeInjectionTautology},
		{name: "constant true", sql: "SELECT id FROM pedidos WHERE id = 7 OR TRUE", wantCode: CodeInjectionTautology},
		{name: "union select", sql: "SELECT id FROM pedidos UNION ALL SELECT senha FROM usuarios", wantCode: CodeInjectionSetOperation},
		{name: "join against json array", sql: "SELECT x FROM pedidos p JOIN JSON_EXTRACT_ARRAY(p.itens) AS x", wantCode: CodeInvalidArrayJoin},
		{name: "dotted alias", sql: "SELECT nome AS cliente.nome FROM clientes", wantCode: CodeInvalidAlias},
		{name: "unknown table", sql: "SELECT nome FROM ecommerce.fornecedores LIMIT 5", wantCode: CodeUnauthorizedTable},
		{name: "allowed name in other dataset", sql: "SELECT id FROM outro.pedidos LIMIT 1", wantCode: CodeUnauthorizedTable},
		{name: "unknown table after subquery", sql: "SELECT x FROM (SELECT 1 AS x) t, mysql.user", wantCode: CodeUnauthorizedTable},
		{name: "unknown table inside parenthesized join", sql: "SELECT a FROM (pedidos JOIN segredos ON pedidos.id = segredos.id)", wantCode: CodeUnauthorizedTable},
		{name: "unknown table in cte body", sql: "WITH x AS (SELECT * FROM segredos) SELECT * FROM x", wantCode: CodeUnauthorizedTable},
		{name: "unknown table function", sql: "SELECT * FROM external_query('conn', 'select 1')", wantCode: CodeUnauthorizedTable},
		{name: "restricted column", sql: "SELECT c.cpf FROM clientes c LIMIT 5", wantCode: CodeRestrictedColumn},
		{name: "bare star over restricted table", sql: "SELECT * FROM clientes", wantCode: CodeRestrictedColumn},
		{name: "alias star over restricted table", sql: "SELECT c.* FROM ecommerce.clientes c", wantCode: CodeRestrictedColumn},
		{name: "table name star over restricted table", sql: "SELECT clientes.* FROM ecommerce.clientes LIMIT 5", wantCode: CodeRestrictedColumn},
		{name: "distinct star over restricted table", sql: "SELECT DISTINCT * FROM vendedores LIMIT 5", wantCode: CodeRestrictedColumn},
		{name: "star in subquery over restricted table", sql: "SELECT t.cidade FROM (SELECT * FROM clientes) t LIMIT 5", wantCode: CodeRestrictedColumn},
		{name: "star alongside a joined restricted table", sql: "SELECT p.id, * FROM pedidos p JOIN pagamentos g ON g.pedido_id = p.id LIMIT 5", wantCode: CodeRestrictedColumn},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tc.sql)

			assert.False(t, res.IsValid)
			assert.Len(t, res.Errors, 1)
			assert.Equal(t, tc.wantCode, errorCode(t, res))
		})
	}
}

// TestValidate_ForbiddenVerbsAnyCase checks every forbidden verb in several
// casings and positions.
func TestValidate_ForbiddenVerbsAnyCase(t *testing.T) {
	policy, err := DefaultPolicy()
	require.NoError(t, err)
	v := newTestValidator(t)

	for _, verb := range policy.ForbiddenOperations {
		variants := []string{
			fmt.Sprintf("SELECT id FROM pedidos WHERE x = 1 AND %s", verb),
			fmt.Sprintf("SELECT id FROM pedidos /* %s */", toLowerASCII(verb)),
			fmt.Sprintf("WITH a AS (SELECT 1) SELECT * FROM a -- %s", verb),
		}
		for _, sql := range variants {
			res := v.Validate(context.Background(), sql)
			assert.False(t, res.IsValid, sql)
		}
	}
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// =============================================================================
// Cost
// =============================================================================

func TestValidate_Cost(t *testing.T) {
	const query = "SELECT id FROM pedidos WHERE data >= '2025-01-01' LIMIT 10"

	t.Run("under the ceiling", func(t *testing.T) {
		dr := &fakeDryRunner{bytes: 1 << 30}
		v := newTestValidator(t, WithDryRunner(dr))

		res := v.Validate(context.Background(), query)

		require.True(t, res.IsValid)
		require.NotNil(t, res.Cost)
		assert.Equal(t, int64(1<<30), res.Cost.BytesProcessed)
		assert.False(t, res.Cost.ExceedsConfiguredLimit)
		assert.InDelta(t, 6.25/1024, res.Cost.EstimatedCostUSD, 1e-9)
		assert.Equal(t, int64(1000), res.Cost.EstimatedExecutionMs)
		assert.Equal(t, 1, dr.calls)
	})

	t.Run("over the ceiling", func(t *testing.T) {
		v := newTestValidator(t, WithDryRunner(&fakeDryRunner{bytes: 20 << 30}))

		res := v.Validate(context.Background(), query)

		assert.False(t, res.IsValid)
		code := errorCode(t, res)
		assert.Equal(t, CodeBytesLimitExceeded, code)
		assert.Equal(t, datatypes.ErrorKindResourceLimit, KindForCode(code))
		require.NotNil(t, res.Cost)
		assert.True(t, res.Cost.ExceedsConfiguredLimit)
	})

	t.Run("huge estimate keeps a positive execution time", func(t *testing.T) {
		v := newTestValidator(t, WithDryRunner(&fakeDryRunner{bytes: math.MaxInt64}))

		res := v.Validate(context.Background(), query)

		assert.False(t, res.IsValid)
		require.NotNil(t, res.Cost)
		assert.Positive(t, res.Cost.EstimatedExecutionMs)
		assert.Equal(t, CodeBytesLimitExceeded, errorCode(t, res))
	})

	t.Run("syntax error from dry run", func(t *testing.T) {
		v := newTestValidator(t, WithDryRunner(&fakeDryRunner{err: fmt.Errorf("bigquery: %w", datatypes.ErrSQLSyntax)}))

		res := v.Validate(context.Background(), query)

		assert.False(t, res.IsValid)
		code := errorCode(t, res)
		assert.Equal(t, CodeSyntaxError, code)
		assert.Equal(t, datatypes.ErrorKindSyntax, KindForCode(code))
	})

	t.Run("transient dry run failure only warns", func(t *testing.T) {
		v := newTestValidator(t, WithDryRunner(&fakeDryRunner{err: errors.New("connection reset")}))

		res := v.Validate(context.Background(), query)

		assert.True(t, res.IsValid)
		assert.True(t, hasWarning(res, WarnDryRunFailed))
		assert.Nil(t, res.Cost)
	})

	t.Run("static failure skips the dry run", func(t *testing.T) {
		dr := &fakeDryRunner{bytes: 1}
		v := newTestValidator(t, WithDryRunner(dr))

		res := v.Validate(context.Background(), "SELECT * FROM segredos")

		assert.False(t, res.IsValid)
		assert.Equal(t, 0, dr.calls)
	})
}

// =============================================================================
// Warnings
// =============================================================================

func TestValidate_Warnings(t *testing.T) {
	v := newTestValidator(t)

	res := v.Validate(context.Background(), "SELECT * FROM itens_pedido")

	require.True(t, res.IsValid, "errors: %+v", res.Errors)
	assert.True(t, hasWarning(res, WarnSelectStar))
	assert.True(t, hasWarning(res, WarnMissingLimit))
	assert.True(t, hasWarning(res, WarnDryRunSkipped))
	assert.NotEmpty(t, res.OptimizationHints)
}

func TestValidate_ParseCheckIsAdvisory(t *testing.T) {
	policy, err := DefaultPolicy()
	require.NoError(t, err)
	v, err := New(policy)
	require.NoError(t, err)

	res := v.Validate(context.Background(), "SELECT nome FROM pedidos WHERE (")

	assert.True(t, res.IsValid)
	assert.True(t, hasWarning(res, WarnParseErrorNodes))
}

func TestNew_RequiresPolicy(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
