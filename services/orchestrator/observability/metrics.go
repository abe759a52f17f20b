// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for the analytics pipeline.
// Metrics include:
//   - Request counters by answer source
//   - Pipeline latency histograms by terminal state
//   - Semantic cache lookup outcomes and adaptation failures
//   - Validation failures by error code and provider errors by provider
//   - Feedback events and expired cache entries
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics, so components can take
// metrics as an optional dependency.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for analytics pipeline metrics
const analystSubsystem = "analyst"

// Cache lookup outcomes.
const (
	CacheExact   = "exact"
	CacheSimilar = "similar"
	CacheMiss    = "miss"
	CacheError   = "error"
)

// Metrics holds all Prometheus metrics for the analytics pipeline.
//
// # Fields
//
//   - RequestsTotal: Answers returned, by metadata source
//   - PipelineDurationSeconds: End-to-end latency, by terminal state
//   - CacheLookupsTotal: Semantic cache lookups, by outcome
//   - CacheAdaptationFailuresTotal: Near-match rewording failures
//   - SubsetHitsTotal: Answers served by narrowing a prior ranked answer
//   - ValidationFailuresTotal: Rejected SQL, by error code
//   - ProviderErrorsTotal: Failed provider calls, by provider
//   - FeedbackTotal: Feedback events, by type
//   - CacheEntriesExpiredTotal: Entries removed by the expiry sweeper
type Metrics struct {
	RequestsTotal                *prometheus.CounterVec
	PipelineDurationSeconds      *prometheus.HistogramVec
	CacheLookupsTotal            *prometheus.CounterVec
	CacheAdaptationFailuresTotal prometheus.Counter
	SubsetHitsTotal              prometheus.Counter
	ValidationFailuresTotal      *prometheus.CounterVec
	ProviderErrorsTotal          *prometheus.CounterVec
	FeedbackTotal                *prometheus.CounterVec
	CacheEntriesExpiredTotal     prometheus.Counter
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers the metrics with reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.RecordCacheLookup(observability.CacheMiss)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "requests_total",
				Help:      "Total answered requests by answer source",
			},
			[]string{"source"},
		),

		PipelineDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "pipeline_duration_seconds",
				Help:      "End-to-end pipeline duration by terminal state",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"state"},
		),

		CacheLookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Semantic cache lookups by result",
			},
			[]string{"result"},
		),

		CacheAdaptationFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "cache_adaptation_failures_total",
				Help:      "Near-match rewording failures that fell back to the cached text",
			},
		),

		SubsetHitsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "subset_hits_total",
				Help:      "Answers derived from a broader ranked answer in the same conversation",
			},
		),

		ValidationFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "validation_failures_total",
				Help:      "Generated SQL rejected by the validator, by error code",
			},
			[]string{"code"},
		),

		ProviderErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "provider_errors_total",
				Help:      "Failed external provider calls by provider",
			},
			[]string{"provider"},
		),

		FeedbackTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "feedback_total",
				Help:      "Feedback events by type",
			},
			[]string{"type"},
		),

		CacheEntriesExpiredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: analystSubsystem,
				Name:      "cache_entries_expired_total",
				Help:      "Cache entries removed after their TTL elapsed",
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest counts an answered request by its metadata source.
func (m *Metrics) RecordRequest(source string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(source).Inc()
}

// ObservePipeline records how long a request took to reach state.
func (m *Metrics) ObservePipeline(state string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineDurationSeconds.WithLabelValues(state).Observe(seconds)
}

// RecordCacheLookup counts a lookup outcome (CacheExact, CacheSimilar,
// CacheMiss, CacheError).
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAdaptationFailure() {
	if m == nil {
		return
	}
	m.CacheAdaptationFailuresTotal.Inc()
}

func (m *Metrics) RecordSubsetHit() {
	if m == nil {
		return
	}
	m.SubsetHitsTotal.Inc()
}

// RecordValidationFailure counts a rejected query by its first error code.
func (m *Metrics) RecordValidationFailure(code string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(code).Inc()
}

// RecordProviderError counts a failed call to provider (embedder,
// generator, synthesizer, warehouse, vector_store).
func (m *Metrics) RecordProviderError(provider string) {
	if m == nil {
		return
	}
	m.ProviderErrorsTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordFeedback(feedbackType string) {
	if m == nil {
		return
	}
	m.FeedbackTotal.WithLabelValues(feedbackType).Inc()
}

// RecordExpired adds n swept entries.
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEntriesExpiredTotal.Add(float64(n))
}
