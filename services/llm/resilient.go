// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
)

// ResilientConfig bounds retries and request rate for one provider.
type ResilientConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	// RatePerSecond limits calls, retries included. Zero means unlimited.
	RatePerSecond float64
	Burst         int
	// OnError is called once per failed call after retries are exhausted.
	OnError func(op string, err error)
}

// Resilient wraps a provider with bounded retries and a shared rate limit.
type Resilient struct {
	gen     LLMClient
	emb     Embedder
	policy  retry.Policy
	onError func(op string, err error)
}

var (
	_ LLMClient = (*Resilient)(nil)
	_ Embedder  = (*Resilient)(nil)
)

// NewResilient wraps gen and emb. Either may be nil when the caller only
// needs one capability.
//
// # Examples
//
//	client, _ := llm.NewOpenAIClient(cfg)
//	r := llm.NewResilient(client, client, llm.ResilientConfig{MaxRetries: 3, RatePerSecond: 5})
//	vec, err := r.Embed(ctx, "top 5 produtos em janeiro de 2025")
func NewResilient(gen LLMClient, emb Embedder, cfg ResilientConfig) *Resilient {
	p := retry.Policy{MaxRetries: cfg.MaxRetries, InitialDelay: cfg.InitialDelay}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.Limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Resilient{gen: gen, emb: emb, policy: p, onError: cfg.OnError}
}

func (r *Resilient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	out, err := retry.Do(ctx, r.policy, "llm.generate", func(ctx context.Context) (string, error) {
		return r.gen.Generate(ctx, prompt, params)
	})
	if err != nil {
		r.report("llm.generate", err)
	}
	return out, err
}

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := retry.Do(ctx, r.policy, "llm.embed", func(ctx context.Context) ([]float32, error) {
		return r.emb.Embed(ctx, text)
	})
	if err != nil {
		r.report("llm.embed", err)
	}
	return out, err
}

func (r *Resilient) report(op string, err error) {
	if r.onError != nil {
		r.onError(op, err)
	}
}
