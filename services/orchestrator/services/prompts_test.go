// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/sqlguard"
)

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{name: "sql fence", reply: "Aqui está:\n```sql\nSELECT 1\n```\nAbraços", want: "SELECT 1"},
		{name: "bare fence", reply: "```\nSELECT a FROM t;\n```", want: "SELECT a FROM t"},
		{name: "prose with semicolon", reply: "Sure! SELECT 1; Hope it helps", want: "SELECT 1"},
		{name: "prose with blank line", reply: "Query:\nSELECT a\nFROM t\n\nThis returns a.", want: "SELECT a\nFROM t"},
		{name: "upper case keyword wins over prose verb", reply: "I will select the rows:\nSELECT a FROM t", want: "SELECT a FROM t"},
		{name: "lower case statement", reply: "with x as (select 1) select * from x", want: "with x as (select 1) select * from x"},
		{name: "no sql", reply: "Desculpe, não entendi.", want: ""},
		{name: "empty", reply: "", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractSQL(tc.reply))
		})
	}
}

func TestDescribeSchema(t *testing.T) {
	policy, err := sqlguard.DefaultPolicy()
	require.NoError(t, err)

	schema := DescribeSchema(policy)

	assert.Contains(t, schema, "- ecommerce.pedidos")
	assert.Contains(t, schema, "do not select: cpf")
	assert.Empty(t, DescribeSchema(nil))
}

func TestBuildSQLPrompt_IncludesContext(t *testing.T) {
	prompt := buildSQLPrompt(sqlPromptInput{
		Question:        "vendas por categoria",
		Schema:          "- ecommerce.pedidos\n",
		Dialect:         "BigQuery Standard SQL",
		MaxRows:         50,
		RecentQuestions: []string{"top 5 produtos"},
		Context: &datatypes.RequestContext{
			TimeRange: &datatypes.TimeRange{Start: "2025-01-01", End: "2025-01-31"},
			Filters:   map[string]any{"uf": "SP", "canal": "app"},
		},
	})

	assert.Contains(t, prompt, "BigQuery Standard SQL")
	assert.Contains(t, prompt, "LIMIT 50")
	assert.Contains(t, prompt, "2025-01-01 .. 2025-01-31")
	assert.Contains(t, prompt, "- Filter canal = app\n- Filter uf = SP")
	assert.Contains(t, prompt, "- top 5 produtos")
	assert.Contains(t, prompt, "Question: vendas por categoria\n")
}

func TestShapeResult(t *testing.T) {
	t.Run("scalar", func(t *testing.T) {
		data := shapeResult(&datatypes.QueryResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": 7}}}, 10, "")
		require.NotNil(t, data)
		assert.Equal(t, datatypes.DataTypeScalar, data.Type)
		assert.Equal(t, 7, data.Content)
	})

	t.Run("table truncated", func(t *testing.T) {
		res := topFiveResult()
		data := shapeResult(res, 2, "")
		require.NotNil(t, data)
		assert.Equal(t, datatypes.DataTypeTable, data.Type)
		content := data.Content.(TableContent)
		assert.Len(t, content.Rows, 2)
		assert.True(t, content.Truncated)
		assert.Equal(t, 5, content.TotalRows)
	})

	t.Run("chart when preferred", func(t *testing.T) {
		data := shapeResult(topFiveResult(), 10, "chart")
		assert.Equal(t, datatypes.DataTypeChart, data.Type)
	})

	t.Run("nil result", func(t *testing.T) {
		assert.Nil(t, shapeResult(nil, 10, ""))
	})
}

func TestRenderRows(t *testing.T) {
	assert.Equal(t, "Nenhum resultado encontrado para essa pergunta.", renderRows(&datatypes.QueryResult{}, intent.LangPT))
	assert.Equal(t, "Result: **42**", renderRows(&datatypes.QueryResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": float64(42)}}}, intent.LangEN))

	ranked := renderRows(topFiveResult(), intent.LangPT)
	assert.Contains(t, ranked, "1. **Fone Bluetooth X** - 150")
	assert.Contains(t, ranked, "5. **Película de Vidro** - 60")

	generic := renderRows(&datatypes.QueryResult{
		Columns: []string{"uf", "cidade", "pedidos"},
		Rows:    []map[string]any{{"uf": "SP", "cidade": "Campinas", "pedidos": float64(12.5)}},
	}, intent.LangPT)
	assert.Contains(t, generic, "1. uf: SP, cidade: Campinas, pedidos: 12.50")
}
