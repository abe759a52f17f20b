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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSemanticCacheSchema_CoversQueryFields(t *testing.T) {
	class := GetSemanticCacheSchema()

	assert.Equal(t, SemanticCacheClass, class.Class)
	assert.Equal(t, "none", class.Vectorizer)

	names := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		names[p.Name] = true
	}
	for _, field := range SemanticCacheFields {
		assert.True(t, names[field], "schema is missing queried field %q", field)
	}
}

func TestSemanticCacheProperties_PreserveEntry(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &CacheEntry{
		ID:        "e1",
		Namespace: "ecommerce",
		Question:  "top 5 produtos",
		SQL:       "SELECT nome, unidades FROM ecommerce.produtos LIMIT 5",
		Result: &QueryResult{
			Columns:   []string{"nome", "unidades"},
			Rows:      []map[string]any{{"nome": "Fone", "unidades": float64(150)}},
			TotalRows: 1,
		},
		Response:    "1. **Fone** - 150 unidades",
		Suggestions: []string{"E por categoria?"},
		Metadata:    CacheMetadata{CreatedAt: created, UpdatedAt: created, Version: "v1", Tables: []string{"ecommerce.produtos"}},
		Feedback:    CacheFeedback{Negative: 1, Comments: []string{"faltou fevereiro"}, NeedsReview: true},
		TTL:         time.Hour,
	}

	props, err := NewSemanticCacheProperties(entry)
	require.NoError(t, err)
	assert.Equal(t, created.Add(time.Hour).UnixMilli(), props.ExpiresAt)
	assert.Equal(t, []string{"E por categoria?"}, props.ToMap()["suggestions"])

	back, err := props.ToEntry("e1", []float32{0.1, 0.2})
	require.NoError(t, err)
	assert.Equal(t, entry.Question, back.Question)
	assert.Equal(t, entry.SQL, back.SQL)
	assert.Equal(t, entry.Result.Rows, back.Result.Rows)
	assert.Equal(t, entry.Feedback, back.Feedback)
	assert.Equal(t, time.Hour, back.TTL)
	assert.True(t, back.Metadata.CreatedAt.Equal(created))
	assert.Equal(t, []float32{0.1, 0.2}, back.Embedding)
}

func TestSemanticCacheProperties_NilSlicesBecomeEmpty(t *testing.T) {
	props, err := NewSemanticCacheProperties(&CacheEntry{ID: "e2", Namespace: "n", Question: "q"})
	require.NoError(t, err)

	m := props.ToMap()
	assert.Equal(t, []string{}, m["tables"])
	assert.Equal(t, []string{}, m["feedback_comments"])
	assert.Zero(t, m["expires_at"])
	assert.Empty(t, m["result_json"])
}
