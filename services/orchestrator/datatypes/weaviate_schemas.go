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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// SemanticCacheClass is the Weaviate class holding cache entries.
const SemanticCacheClass = "SemanticCacheEntry"

// GetSemanticCacheSchema returns the class definition for cache entries.
//
// # Description
//
// Vectors are supplied by the embedding provider, so the class has no
// vectorizer. The distance metric is cosine, which lets callers convert the
// returned distance into a similarity with 1 - distance.
//
// # Outputs
//
//   - *models.Class: Class definition ready for ClassCreator.
func GetSemanticCacheSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       SemanticCacheClass,
		Description: "A previously answered analytical question and its answer.",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{
				Name:            "namespace",
				DataType:        []string{"text"},
				Description:     "Logical partition of the cache.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "question",
				DataType:     []string{"text"},
				Description:  "The original question text.",
				Tokenization: "word",
			},
			{
				Name:        "sql",
				DataType:    []string{"text"},
				Description: "SQL that produced the answer, if any.",
			},
			{
				Name:        "response",
				DataType:    []string{"text"},
				Description: "Formatted answer text.",
			},
			{
				Name:        "result_json",
				DataType:    []string{"text"},
				Description: "JSON-encoded raw query result.",
			},
			{
				Name:        "suggestions",
				DataType:    []string{"text[]"},
				Description: "Follow-up suggestions stored with the answer.",
			},
			{
				Name:            "error_kind",
				DataType:        []string{"text"},
				Description:     "Set when the entry caches a failure.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "version",
				DataType:    []string{"text"},
				Description: "Version tag of the pipeline that produced the entry.",
			},
			{
				Name:        "tables",
				DataType:    []string{"text[]"},
				Description: "Warehouse tables the answer was computed from.",
			},
			{
				Name:        "created_at",
				DataType:    []string{"int"},
				Description: "Creation time in Unix milliseconds.",
			},
			{
				Name:        "updated_at",
				DataType:    []string{"int"},
				Description: "Last update time in Unix milliseconds.",
			},
			{
				Name:        "execution_time_ms",
				DataType:    []string{"int"},
				Description: "Warehouse execution time of the original query.",
			},
			{
				Name:        "feedback_positive",
				DataType:    []string{"int"},
				Description: "Count of positive feedback events.",
			},
			{
				Name:        "feedback_negative",
				DataType:    []string{"int"},
				Description: "Count of negative feedback events.",
			},
			{
				Name:        "feedback_comments",
				DataType:    []string{"text[]"},
				Description: "Free-text feedback comments.",
			},
			{
				Name:            "needs_review",
				DataType:        []string{"boolean"},
				Description:     "Flagged for human review.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "ttl_ms",
				DataType:    []string{"int"},
				Description: "Time to live in milliseconds, 0 for none.",
			},
			{
				Name:            "expires_at",
				DataType:        []string{"int"},
				Description:     "Expiry time in Unix milliseconds, 0 for never.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates every class the service needs if it is missing.
//
// # Description
//
// Checks each class with ClassGetter and creates it with ClassCreator when the
// lookup fails. Existing classes are left untouched.
//
// # Inputs
//
//   - ctx: Context for the schema calls.
//   - client: Connected Weaviate client.
//
// # Outputs
//
//   - error: Non-nil if a missing class could not be created.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetSemanticCacheSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			slog.Info("Schema already exists", "class", class.Class)
			continue
		}

		slog.Info("Schema not found, creating it...", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
		}
		slog.Info("Successfully created schema", "class", class.Class)
	}
	return nil
}
