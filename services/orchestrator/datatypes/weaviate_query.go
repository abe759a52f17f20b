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
	"encoding/json"
	"fmt"
	"time"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Parsing
// =============================================================================

// ParseGraphQLResponse converts a Weaviate GraphQL response into a typed value.
//
// # Description
//
// The client returns GraphQL data as nested maps. Round-tripping through JSON
// maps it onto a struct whose json tags mirror the query shape.
//
// # Inputs
//
//   - resp: Response returned by client.GraphQL().Get()...Do(ctx).
//
// # Outputs
//
//   - *T: Parsed response.
//   - error: Non-nil if resp is nil or the data does not fit T.
//
// # Examples
//
//	resp, err := client.GraphQL().Get().WithClassName(SemanticCacheClass).Do(ctx)
//	parsed, err := ParseGraphQLResponse[SemanticCacheQueryResponse](resp)
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Semantic Cache Objects
// =============================================================================

// SemanticCacheQueryResponse mirrors Get { SemanticCacheEntry { ... } }.
type SemanticCacheQueryResponse struct {
	Get struct {
		Entries []SemanticCacheResult `json:"SemanticCacheEntry"`
	} `json:"Get"`
}

// SemanticCacheResult is one object returned by a cache query.
type SemanticCacheResult struct {
	SemanticCacheProperties
	Additional struct {
		ID       string    `json:"id"`
		Distance *float32  `json:"distance"`
		Vector   []float32 `json:"vector"`
	} `json:"_additional"`
}

// SemanticCacheProperties is the property set of a SemanticCacheEntry object.
type SemanticCacheProperties struct {
	Namespace        string   `json:"namespace"`
	Question         string   `json:"question"`
	SQL              string   `json:"sql"`
	Response         string   `json:"response"`
	ResultJSON       string   `json:"result_json"`
	Suggestions      []string `json:"suggestions"`
	ErrorKind        string   `json:"error_kind"`
	Version          string   `json:"version"`
	Tables           []string `json:"tables"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
	ExecutionTimeMs  int64    `json:"execution_time_ms"`
	FeedbackPositive int      `json:"feedback_positive"`
	FeedbackNegative int      `json:"feedback_negative"`
	FeedbackComments []string `json:"feedback_comments"`
	NeedsReview      bool     `json:"needs_review"`
	TTLMs            int64    `json:"ttl_ms"`
	ExpiresAt        int64    `json:"expires_at"`
}

// SemanticCacheFields lists the property names requested by cache queries.
var SemanticCacheFields = []string{
	"namespace", "question", "sql", "response", "result_json", "suggestions",
	"error_kind", "version", "tables", "created_at", "updated_at",
	"execution_time_ms", "feedback_positive", "feedback_negative",
	"feedback_comments", "needs_review", "ttl_ms", "expires_at",
}

// NewSemanticCacheProperties flattens an entry into Weaviate properties.
func NewSemanticCacheProperties(e *CacheEntry) (SemanticCacheProperties, error) {
	p := SemanticCacheProperties{
		Namespace:        e.Namespace,
		Question:         e.Question,
		SQL:              e.SQL,
		Response:         e.Response,
		Suggestions:      e.Suggestions,
		ErrorKind:        string(e.ErrorKind),
		Version:          e.Metadata.Version,
		Tables:           e.Metadata.Tables,
		CreatedAt:        e.Metadata.CreatedAt.UnixMilli(),
		UpdatedAt:        e.Metadata.UpdatedAt.UnixMilli(),
		ExecutionTimeMs:  e.Metadata.ExecutionTimeMs,
		FeedbackPositive: e.Feedback.Positive,
		FeedbackNegative: e.Feedback.Negative,
		FeedbackComments: e.Feedback.Comments,
		NeedsReview:      e.Feedback.NeedsReview,
		TTLMs:            e.TTL.Milliseconds(),
	}
	if exp := e.ExpiresAt(); !exp.IsZero() {
		p.ExpiresAt = exp.UnixMilli()
	}
	if e.Result != nil {
		raw, err := json.Marshal(e.Result)
		if err != nil {
			return p, fmt.Errorf("failed to marshal cached result: %w", err)
		}
		p.ResultJSON = string(raw)
	}
	return p, nil
}

// ToMap converts the properties to the map form the Weaviate client expects.
func (p *SemanticCacheProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"namespace":         p.Namespace,
		"question":          p.Question,
		"sql":               p.SQL,
		"response":          p.Response,
		"result_json":       p.ResultJSON,
		"suggestions":       nonNilStrings(p.Suggestions),
		"error_kind":        p.ErrorKind,
		"version":           p.Version,
		"tables":            nonNilStrings(p.Tables),
		"created_at":        p.CreatedAt,
		"updated_at":        p.UpdatedAt,
		"execution_time_ms": p.ExecutionTimeMs,
		"feedback_positive": p.FeedbackPositive,
		"feedback_negative": p.FeedbackNegative,
		"feedback_comments": nonNilStrings(p.FeedbackComments),
		"needs_review":      p.NeedsReview,
		"ttl_ms":            p.TTLMs,
		"expires_at":        p.ExpiresAt,
	}
}

// ToEntry rebuilds a cache entry from stored properties.
func (p *SemanticCacheProperties) ToEntry(id string, vector []float32) (*CacheEntry, error) {
	e := &CacheEntry{
		ID:          id,
		Namespace:   p.Namespace,
		Question:    p.Question,
		Embedding:   vector,
		SQL:         p.SQL,
		Response:    p.Response,
		Suggestions: p.Suggestions,
		ErrorKind:   ErrorKind(p.ErrorKind),
		Metadata: CacheMetadata{
			CreatedAt:       time.UnixMilli(p.CreatedAt),
			UpdatedAt:       time.UnixMilli(p.UpdatedAt),
			Version:         p.Version,
			ExecutionTimeMs: p.ExecutionTimeMs,
			Tables:          p.Tables,
		},
		Feedback: CacheFeedback{
			Positive:    p.FeedbackPositive,
			Negative:    p.FeedbackNegative,
			Comments:    p.FeedbackComments,
			NeedsReview: p.NeedsReview,
		},
		TTL: time.Duration(p.TTLMs) * time.Millisecond,
	}
	if p.ResultJSON != "" {
		var r QueryResult
		if err := json.Unmarshal([]byte(p.ResultJSON), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached result: %w", err)
		}
		e.Result = &r
	}
	return e, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
