// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the model provider adapters: text generation (used for
// SQL generation and answer synthesis) and embeddings.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("provider returned an empty response")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SQLGenerator produces raw model output expected to contain one SQL query.
type SQLGenerator interface {
	GenerateSQL(ctx context.Context, prompt string) (string, error)
}

// Synthesizer writes natural-language text from a prompt.
type Synthesizer interface {
	SynthesizeText(ctx context.Context, prompt string) (string, error)
}

// Roles adapts one LLMClient to the SQLGenerator and Synthesizer ports with
// role-specific sampling: deterministic for SQL, slightly warmer for prose.
type Roles struct {
	client    LLMClient
	sqlParams GenerationParams
	txtParams GenerationParams
}

var (
	_ SQLGenerator = (*Roles)(nil)
	_ Synthesizer  = (*Roles)(nil)
)

// NewRoles wraps client.
func NewRoles(client LLMClient) *Roles {
	sqlTemp, txtTemp := float32(0), float32(0.3)
	sqlMax, txtMax := 1024, 1024
	return &Roles{
		client:    client,
		sqlParams: GenerationParams{Temperature: &sqlTemp, MaxTokens: &sqlMax},
		txtParams: GenerationParams{Temperature: &txtTemp, MaxTokens: &txtMax},
	}
}

func (r *Roles) GenerateSQL(ctx context.Context, prompt string) (string, error) {
	return r.client.Generate(ctx, prompt, r.sqlParams)
}

func (r *Roles) SynthesizeText(ctx context.Context, prompt string) (string, error) {
	return r.client.Generate(ctx, prompt, r.txtParams)
}
