// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter()
	require.NoError(t, err)
	return r
}

// TestRouter_Classify covers each rule set and the evaluation order.
func TestRouter_Classify(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name        string
		message     string
		wantKind    Kind
		wantSubtype Subtype
		wantID      string
		wantLang    Lang
	}{
		{name: "thanks", message: "obrigado", wantKind: KindConversational, wantSubtype: SubtypeThanks, wantLang: LangPT},
		{name: "thanks with accents and punctuation", message: "Muito obrigada!!", wantKind: KindConversational, wantSubtype: SubtypeThanks, wantLang: LangPT},
		{name: "greeting", message: "Olá!", wantKind: KindConversational, wantSubtype: SubtypeGreeting, wantLang: LangPT},
		{name: "english greeting", message: "hello there", wantKind: KindConversational, wantSubtype: SubtypeGreeting, wantLang: LangEN},
		{name: "farewell", message: "tchau", wantKind: KindConversational, wantSubtype: SubtypeFarewell, wantLang: LangPT},
		{name: "satisfaction", message: "perfeito, era isso mesmo que eu precisava", wantKind: KindConversational, wantSubtype: SubtypeSatisfaction, wantLang: LangPT},
		{name: "about assistant", message: "Who are you?", wantKind: KindConversational, wantSubtype: SubtypeAboutAssistant, wantLang: LangEN},
		{name: "short message without keywords", message: "bla bla bla", wantKind: KindConversational, wantSubtype: SubtypeGeneral, wantLang: LangPT},
		{name: "analytical portuguese", message: "quais os produtos mais vendidos em janeiro de 2025", wantKind: KindAnalytical, wantLang: LangPT},
		{name: "analytical with greeting prefix", message: "oi, quais foram as vendas de 2024?", wantKind: KindAnalytical, wantLang: LangPT},
		{name: "short analytical", message: "vendas 2024", wantKind: KindAnalytical, wantLang: LangPT},
		{name: "year alone is analytical", message: "e em 2023", wantKind: KindAnalytical, wantLang: LangPT},
		{name: "general knowledge ticket", message: "O que é ticket médio?", wantKind: KindGeneralKnowledge, wantID: "average_ticket", wantLang: LangPT},
		{name: "general knowledge cart", message: "how to reduce cart abandonment", wantKind: KindGeneralKnowledge, wantID: "cart_abandonment", wantLang: LangEN},
		{name: "long non analytical", message: "eu gostaria de entender melhor como isso funciona por aqui", wantKind: KindAnalytical, wantLang: LangPT},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Classify(tc.message)

			assert.Equal(t, tc.wantKind, got.Kind)
			assert.Equal(t, tc.wantSubtype, got.Subtype)
			assert.Equal(t, tc.wantID, got.KnowledgeID)
			assert.Equal(t, tc.wantLang, got.Lang)
		})
	}
}

// TestRouter_Reply verifies canned replies and the returning-user greeting.
func TestRouter_Reply(t *testing.T) {
	r := newTestRouter(t)

	first := r.Reply(Intent{Kind: KindConversational, Subtype: SubtypeGreeting, Lang: LangPT}, ReplyContext{})
	returning := r.Reply(Intent{Kind: KindConversational, Subtype: SubtypeGreeting, Lang: LangPT}, ReplyContext{TotalInteractions: 3})
	english := r.Reply(Intent{Kind: KindConversational, Subtype: SubtypeThanks, Lang: LangEN}, ReplyContext{})
	unknown := r.Reply(Intent{Kind: KindConversational, Subtype: Subtype("unknown"), Lang: LangPT}, ReplyContext{})

	assert.Contains(t, first, "Olá!")
	assert.Contains(t, returning, "3 pergunta(s)")
	assert.Contains(t, english, "welcome")
	assert.Contains(t, unknown, "Posso ajudar")
}

// TestRouter_Knowledge verifies canned definitions lookup.
func TestRouter_Knowledge(t *testing.T) {
	r := newTestRouter(t)

	answer, ok := r.Knowledge(Intent{Kind: KindGeneralKnowledge, KnowledgeID: "average_ticket", Lang: LangPT})
	require.True(t, ok)
	assert.Contains(t, answer, "Ticket médio")

	_, ok = r.Knowledge(Intent{Kind: KindGeneralKnowledge, KnowledgeID: "missing"})
	assert.False(t, ok)
}

// TestParseRules_Invalid verifies that bad rule files are rejected.
func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "not yaml", yaml: "::::"},
		{name: "missing version", yaml: "short_message_max_tokens: 5\nanalytical_keywords: [a]\nreplies: {general: {pt: x, en: y}}\n"},
		{name: "bad regex", yaml: "version: '1'\nshort_message_max_tokens: 5\nanalytical_keywords: [a]\nconversational:\n  - subtype: greeting\n    patterns: ['(']\nreplies: {general: {pt: x, en: y}}\n"},
		{name: "missing general reply", yaml: "version: '1'\nshort_message_max_tokens: 5\nanalytical_keywords: [a]\nreplies: {thanks: {pt: x, en: y}}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}
