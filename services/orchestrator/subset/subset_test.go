// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subset

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

const topFiveAnswer = `Estes foram os produtos mais vendidos em janeiro de 2025:

🥇 **Fone Bluetooth X** - 150 unidades
🥈 **Cabo USB-C** - 120 unidades
🥉 **Carregador Turbo** - 98 unidades
4. **Capa de Silicone** - 75 unidades
5. **Película de Vidro** - 60 unidades

Quer ver a receita desses produtos?`

func sessionWith(question, answer string, source datatypes.Source) *datatypes.ConversationSession {
	return &datatypes.ConversationSession{
		ID: "conv-1",
		Messages: []datatypes.Message{
			{ID: "u1", Role: datatypes.RoleUser, Content: question},
			{
				ID:      "a1",
				Role:    datatypes.RoleAssistant,
				Content: answer,
				Metadata: &datatypes.MessageMetadata{
					Source:       source,
					Confidence:   0.9,
					SQL:          "SELECT product_name, SUM(quantity) FROM sales GROUP BY 1 ORDER BY 2 DESC LIMIT 5",
					Tables:       []string{"sales"},
					CacheEntryID: "entry-1",
				},
			},
		},
	}
}

// =============================================================================
// Extract
// =============================================================================

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		question string
		want     QueryInfo
	}{
		{
			name:     "top n portuguese",
			question: "top 5 produtos mais vendidos em janeiro de 2025",
			want:     QueryInfo{Shape: ShapeTopN, N: 5, Month: "01", Year: "2025", Entity: "product", Metric: "quantity", Lang: LangPT},
		},
		{
			name:     "ordinal portuguese",
			question: "qual o segundo produto mais vendido em janeiro de 2025",
			want:     QueryInfo{Shape: ShapePosition, N: 2, Month: "01", Year: "2025", Entity: "product", Metric: "quantity", Lang: LangPT},
		},
		{
			name:     "number word top n",
			question: "quais os três produtos mais vendidos em março de 2024?",
			want:     QueryInfo{Shape: ShapeTopN, N: 3, Month: "03", Year: "2024", Entity: "product", Metric: "quantity", Lang: LangPT},
		},
		{
			name:     "english ordinal",
			question: "what was the third best selling product in march 2024",
			want:     QueryInfo{Shape: ShapePosition, N: 3, Month: "03", Year: "2024", Entity: "product", Metric: "quantity", Lang: LangEN},
		},
		{
			name:     "numeric ordinal",
			question: "qual o 4º produto mais vendido em 2023",
			want:     QueryInfo{Shape: ShapePosition, N: 4, Year: "2023", Entity: "product", Metric: "quantity", Lang: LangPT},
		},
		{
			name:     "bare best is position one",
			question: "qual foi o produto mais vendido em fevereiro de 2025",
			want:     QueryInfo{Shape: ShapePosition, N: 1, Month: "02", Year: "2025", Entity: "product", Metric: "quantity", Lang: LangPT},
		},
		{
			name:     "ordinal qualifying a time unit is not a position",
			question: "vendas no primeiro trimestre de 2024",
			want:     QueryInfo{Shape: ShapeUnknown, Year: "2024", Metric: "quantity", Lang: LangPT},
		},
		{
			name:     "numeric month and year",
			question: "top 10 clientes em 03/2024",
			want:     QueryInfo{Shape: ShapeTopN, N: 10, Month: "03", Year: "2024", Entity: "customer", Lang: LangPT},
		},
		{
			name:     "no shape",
			question: "qual foi a receita total de 2024",
			want:     QueryInfo{Shape: ShapeUnknown, Year: "2024", Metric: "revenue", Lang: LangPT},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Extract(tc.question))
		})
	}
}

func TestCompatible(t *testing.T) {
	base := Extract("top 5 produtos mais vendidos em janeiro de 2025")

	assert.True(t, Compatible(base, Extract("quais os top 5 produtos mais vendidos de janeiro de 2025?")))
	assert.False(t, Compatible(base, Extract("top 5 produtos mais vendidos em fevereiro de 2025")), "different month")
	assert.False(t, Compatible(base, Extract("top 5 produtos mais vendidos em janeiro de 2024")), "different year")
	assert.False(t, Compatible(base, Extract("top 3 produtos mais vendidos em janeiro de 2025")), "different N")
	assert.False(t, Compatible(base, Extract("top 5 clientes em janeiro de 2025")), "different entity")
	assert.True(t, Compatible(Extract("receita total de 2024"), Extract("faturamento total em 2024")))
}

// =============================================================================
// ParseRankedList
// =============================================================================

func TestParseRankedList(t *testing.T) {
	items := ParseRankedList(topFiveAnswer)
	require.Len(t, items, 5)

	assert.Equal(t, "Fone Bluetooth X", items[0].Name)
	assert.Equal(t, "150", items[0].Value)
	assert.Equal(t, "unidades", items[0].Unit)
	assert.Equal(t, 2, items[1].Rank)
	assert.Equal(t, "Cabo USB-C", items[1].Name)
	assert.Equal(t, "Película de Vidro", items[4].Name)
}

func TestParseRankedList_Variants(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantName string
		wantQty  string
	}{
		{name: "bold number inside", line: "**1. Produto A** - 150 unidades", wantName: "Produto A", wantQty: "150 unidades"},
		{name: "bullet bold", line: "- **Produto B**: 1.234 vendas", wantName: "Produto B", wantQty: "1.234 vendas"},
		{name: "plain numbered", line: "3) Produto C - 42 unidades", wantName: "Produto C", wantQty: "42 unidades"},
		{name: "currency", line: "1. **Produto D** (R$ 12.345,67)", wantName: "Produto D", wantQty: "R$ 12.345,67"},
		{name: "keycap", line: "2️⃣ **Produto E** — 17 units", wantName: "Produto E", wantQty: "17 units"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			items := ParseRankedList(tc.line)
			require.Len(t, items, 1)
			assert.Equal(t, tc.wantName, items[0].Name)
			assert.Equal(t, tc.wantQty, items[0].Quantity())
		})
	}
}

const summaryAboveListAnswer = `Resumo:
- **Total vendido** - 360 unidades

1. **Produto A** - 150 unidades
2. **Produto B** - 120 unidades
3. **Produto C** - 90 unidades`

func TestParseRankedList_MarkedLinesWinOverBullets(t *testing.T) {
	items := ParseRankedList(summaryAboveListAnswer)

	require.Len(t, items, 3)
	assert.Equal(t, "Produto A", items[0].Name)
	assert.Equal(t, 1, items[0].Rank)
	assert.Equal(t, "Produto B", items[1].Name)
	assert.Equal(t, 2, items[1].Rank)
}

func TestParseRankedList_BulletsWithoutMarkers(t *testing.T) {
	items := ParseRankedList("Mais vendidos:\n- **Produto A** - 150 unidades\n- **Produto B** - 120 unidades")

	require.Len(t, items, 2)
	assert.Equal(t, "Produto B", items[1].Name)
	assert.Equal(t, 2, items[1].Rank)
}

func TestParseRankedList_IgnoresProse(t *testing.T) {
	items := ParseRankedList("Em janeiro de 2025 foram vendidas 1.200 unidades no total.\nObrigado!")
	assert.Empty(t, items)
}

// =============================================================================
// TryAdapt
// =============================================================================

func TestTryAdapt_PositionFromTopN(t *testing.T) {
	a := NewAdapter()
	sess := sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated)

	m, ok := a.TryAdapt(sess, "qual o segundo produto mais vendido em janeiro de 2025")
	require.True(t, ok)

	require.Len(t, m.Items, 1)
	assert.Equal(t, "Cabo USB-C", m.Items[0].Name)
	assert.Contains(t, m.Answer, "Cabo USB-C")
	assert.Contains(t, m.Answer, "120 unidades")
	assert.Equal(t, SubsetConfidence, m.Confidence)
	assert.Equal(t, "a1", m.PriorMessageID)
	assert.Equal(t, "entry-1", m.Metadata.CacheEntryID)
	assert.Equal(t, []string{"sales"}, m.Metadata.Tables)
}

func TestTryAdapt_SummaryBulletDoesNotShiftPositions(t *testing.T) {
	a := NewAdapter()
	sess := sessionWith("top 3 produtos mais vendidos em janeiro de 2025", summaryAboveListAnswer, datatypes.SourceGenerated)

	m, ok := a.TryAdapt(sess, "qual o segundo produto mais vendido em janeiro de 2025")
	require.True(t, ok)

	require.Len(t, m.Items, 1)
	assert.Equal(t, "Produto B", m.Items[0].Name)
	assert.Contains(t, m.Answer, "Produto B")
	assert.NotContains(t, m.Answer, "Produto A")
}

// TestTryAdapt_EveryPosition checks that position p of a k item list returns
// item p for p <= k and nothing beyond.
func TestTryAdapt_EveryPosition(t *testing.T) {
	a := NewAdapter()
	sess := sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceCache)
	want := ParseRankedList(topFiveAnswer)

	for p := 1; p <= 7; p++ {
		q := fmt.Sprintf("qual o %dº produto mais vendido em janeiro de 2025", p)
		m, ok := a.TryAdapt(sess, q)
		if p > len(want) {
			assert.False(t, ok, "position %d", p)
			continue
		}
		require.True(t, ok, "position %d", p)
		assert.Equal(t, want[p-1].Name, m.Items[0].Name, "position %d", p)
	}
}

func TestTryAdapt_SmallerTopN(t *testing.T) {
	a := NewAdapter()
	sess := sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated)

	m, ok := a.TryAdapt(sess, "top 3 produtos mais vendidos em janeiro de 2025")
	require.True(t, ok)
	require.Len(t, m.Items, 3)
	assert.Equal(t, "Carregador Turbo", m.Items[2].Name)
	assert.True(t, strings.HasPrefix(m.Answer, "Top 3 em janeiro de 2025"))
	assert.NotContains(t, m.Answer, "Capa de Silicone")
}

func TestTryAdapt_NoMatch(t *testing.T) {
	a := NewAdapter()

	tests := []struct {
		name     string
		sess     *datatypes.ConversationSession
		question string
	}{
		{
			name:     "nil session",
			sess:     nil,
			question: "qual o segundo produto mais vendido em janeiro de 2025",
		},
		{
			name:     "different month",
			sess:     sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated),
			question: "qual o segundo produto mais vendido em fevereiro de 2025",
		},
		{
			name:     "different year",
			sess:     sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated),
			question: "qual o segundo produto mais vendido em janeiro de 2024",
		},
		{
			name:     "larger top n",
			sess:     sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated),
			question: "top 10 produtos mais vendidos em janeiro de 2025",
		},
		{
			name:     "question without shape",
			sess:     sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated),
			question: "qual a receita de janeiro de 2025",
		},
		{
			name:     "conversational source",
			sess:     sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceConversational),
			question: "qual o segundo produto mais vendido em janeiro de 2025",
		},
		{
			name:     "answer has fewer items than requested",
			sess:     sessionWith("top 10 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated),
			question: "qual o segundo produto mais vendido em janeiro de 2025",
		},
		{
			name:     "different entity",
			sess:     sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated),
			question: "qual o segundo cliente que mais comprou em janeiro de 2025",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := a.TryAdapt(tc.sess, tc.question)
			assert.False(t, ok)
			assert.Nil(t, m)
		})
	}
}

func TestTryAdapt_PrefersNewestCandidate(t *testing.T) {
	a := NewAdapter()
	older := sessionWith("top 5 produtos mais vendidos em janeiro de 2025", topFiveAnswer, datatypes.SourceGenerated)
	newer := strings.ReplaceAll(topFiveAnswer, "Cabo USB-C", "Cabo Lightning")
	older.Messages = append(older.Messages,
		datatypes.Message{ID: "u2", Role: datatypes.RoleUser, Content: "top 5 produtos mais vendidos em janeiro de 2025"},
		datatypes.Message{ID: "a2", Role: datatypes.RoleAssistant, Content: newer, Metadata: &datatypes.MessageMetadata{Source: datatypes.SourceCache}},
	)

	m, ok := a.TryAdapt(older, "qual o segundo produto mais vendido em janeiro de 2025")
	require.True(t, ok)
	assert.Equal(t, "a2", m.PriorMessageID)
	assert.Equal(t, "Cabo Lightning", m.Items[0].Name)
}
