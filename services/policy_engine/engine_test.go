// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEmbeddedClassificationRules(t *testing.T) {
	require.NotEmpty(t, messageClassification, "did the build include message_classification.yaml?")

	var dump struct {
		Classifications []struct {
			Name     string `yaml:"name"`
			Blocking bool   `yaml:"blocking"`
		} `yaml:"classifications"`
	}
	require.NoError(t, yaml.Unmarshal(messageClassification, &dump))

	blocking := map[string]bool{}
	for _, c := range dump.Classifications {
		blocking[c.Name] = c.Blocking
	}
	assert.True(t, blocking["secret"], "secret must block the message")
	pii, ok := blocking["pii"]
	assert.True(t, ok)
	assert.False(t, pii, "pii is reported, not blocked")
}

func TestPolicyEngine(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	tests := []struct {
		name            string
		input           string
		shouldFind      bool
		expectedClass   string
		expectedPattern string
		blocked         bool
	}{
		{
			name:  "analytics question",
			input: "Quais os 5 produtos mais vendidos em janeiro de 2025?",
		},
		{
			name:  "dates and counts are not card numbers",
			input: "vendas entre 2024-01-01 e 2024-12-31 acima de 1500 unidades",
		},
		{
			name:            "AWS access key",
			input:           "My aws key is AKIA1234567890123456 for the prod account.",
			shouldFind:      true,
			expectedClass:   "secret",
			expectedPattern: "AWS_ACCESS_KEY_ID",
			blocked:         true,
		},
		{
			name:            "inline password",
			input:           "conecte no banco com senha: hunter2hunter2",
			shouldFind:      true,
			expectedClass:   "secret",
			expectedPattern: "ASSIGNED_CREDENTIAL",
			blocked:         true,
		},
		{
			name:            "email address",
			input:           "quantos pedidos fez jdoe@example.com?",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "EMAIL_ADDRESS",
		},
		{
			name:            "CPF",
			input:           "pedidos do cliente 123.456.789-09",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "BR_CPF",
		},
		{
			name:            "card number",
			input:           "compras no cartão 4111 1111 1111 1111",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "CREDIT_CARD_NUMBER",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			d := engine.Evaluate(tc.input)

			// Assert
			if !tc.shouldFind {
				assert.Empty(t, d.Findings)
				assert.Equal(t, PublicClassification, d.Classification)
				assert.False(t, d.Blocked)
				assert.Equal(t, PublicClassification, engine.ClassifyData([]byte(tc.input)))
				return
			}
			require.NotEmpty(t, d.Findings)
			assert.Equal(t, tc.expectedClass, d.Classification)
			assert.Contains(t, d.PatternIDs(), tc.expectedPattern)
			assert.Equal(t, tc.blocked, d.Blocked)
			assert.Equal(t, tc.expectedClass, engine.ClassifyData([]byte(tc.input)))
		})
	}
}

// TestScanText_RedactsMatches verifies raw secrets never leave the engine.
func TestScanText_RedactsMatches(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	findings := engine.ScanText("linha um\nchave AKIA1234567890123456")

	require.Len(t, findings, 1)
	assert.Equal(t, 2, findings[0].LineNumber)
	assert.Equal(t, "AK****************56", findings[0].MatchedContent)
	assert.NotContains(t, findings[0].MatchedContent, "1234567890")
}

// TestEvaluate_MixedFindingsTakeHighestPriority verifies classification order.
func TestEvaluate_MixedFindingsTakeHighestPriority(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	d := engine.Evaluate("email jdoe@example.com token=abcdef123456")

	assert.True(t, d.Blocked)
	assert.Equal(t, "secret", d.Classification)
	assert.ElementsMatch(t, []string{"ASSIGNED_CREDENTIAL", "EMAIL_ADDRESS"}, d.PatternIDs())
}

func TestEngineInitializationProperties(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(engine.Classifiers), 2)

	first := engine.Classifiers[0]
	last := engine.Classifiers[len(engine.Classifiers)-1]
	assert.GreaterOrEqual(t, first.Priority, last.Priority)
	assert.Equal(t, "secret", first.Name)
	assert.True(t, first.Blocking)
}

func TestNewPolicyEngineFromYAML_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "classifications: ["},
		{"empty", "classifications: []"},
		{"bad regex", `
classifications:
  - name: x
    patterns:
      - id: BAD
        regex: '(['
        confidence: high`},
		{"bad confidence", `
classifications:
  - name: x
    patterns:
      - id: P
        regex: 'a'
        confidence: certain`},
		{"missing id", `
classifications:
  - name: x
    patterns:
      - regex: 'a'
        confidence: low`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPolicyEngineFromYAML([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****", Redact("abcd"))
	assert.Equal(t, "ab***fg", Redact("abcdefg"))
	assert.Equal(t, "", Redact(""))
}

func TestPolicyEngine_Concurrency(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := engine.Evaluate("My fake key is AKIA1234567890123456")
			assert.True(t, d.Blocked)
		}()
	}
	wg.Wait()
}

func BenchmarkEvaluateSafeString(b *testing.B) {
	engine, _ := NewPolicyEngine()
	input := "qual foi a receita total por estado no primeiro trimestre de 2025?"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Evaluate(input)
	}
}
