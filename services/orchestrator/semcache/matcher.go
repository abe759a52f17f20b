// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semcache reuses previously computed answers for questions that
// mean the same thing.
//
// # Description
//
// The Matcher embeds a question, asks the vector store for its nearest
// cached neighbours in one namespace and accepts the best one whose cosine
// similarity reaches the threshold. An identical question (after
// normalization) returns the cached answer verbatim. A near match is only
// reused when both questions ask for the same period, entity and ranking
// shape; the cached text is then reworded for the new question by the
// synthesizer, falling back to the original text when rewording fails.
//
// Lookup never fails: provider errors degrade to a miss so the caller can
// still answer by generating fresh SQL.
//
// # Thread Safety
//
// Matcher is safe for concurrent use. Concurrent lookups of the same
// question share one embedding call. Feedback updates to one entry are
// serialized.
package semcache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianAnalyst/services/llm"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/subset"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/textnorm"
	"github.com/AleutianAI/AleutianAnalyst/services/vectorstore"
)

var tracer = otel.Tracer("aleutian.analyst.semcache")

var (
	// ErrEmptyQuestion is returned by Store for blank questions.
	ErrEmptyQuestion = errors.New("question must not be empty")

	// ErrDimension is returned when the embedder yields a vector of the
	// wrong length.
	ErrDimension = errors.New("embedding has unexpected dimension")
)

const (
	DefaultThreshold     = 0.85
	DefaultTopK          = 3
	DefaultEmbedTimeout  = 15 * time.Second
	defaultEmbedCacheLen = 1024
	feedbackLockStripes  = 64
)

// Config tunes the Matcher.
type Config struct {
	// Namespace partitions the cache (one per warehouse dataset).
	Namespace string

	// Threshold is the minimum cosine similarity for a hit.
	Threshold float64

	// TopK is how many neighbours are examined per lookup.
	TopK int

	// Dimension, when set, is enforced on every embedding. Otherwise the
	// first embedding fixes it.
	Dimension int

	// DefaultTTL is applied to stored entries that do not set their own.
	DefaultTTL time.Duration

	// Version tags stored entries with the pipeline version.
	Version string

	// EmbedCacheSize bounds the in-process embedding cache.
	EmbedCacheSize int

	// EmbedTimeout bounds one shared embedding call.
	EmbedTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.EmbedCacheSize <= 0 {
		c.EmbedCacheSize = defaultEmbedCacheLen
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = DefaultEmbedTimeout
	}
	if c.Version == "" {
		c.Version = "v1"
	}
}

// ConversationContext carries what the lookup may use from the current
// conversation.
type ConversationContext struct {
	ConversationID string
	// RecentQuestions are the conversation's previous user questions, oldest
	// first. They help the synthesizer keep wording consistent.
	RecentQuestions []string
}

// Hit is an accepted cache match.
type Hit struct {
	Entry      *datatypes.CacheEntry
	Answer     string
	Similarity float64
	Exact      bool
	// Adapted is set when the synthesizer reworded the cached answer.
	Adapted bool
	// AdaptationFailed is set when rewording was attempted and failed, in
	// which case Answer is the unmodified cached text.
	AdaptationFailed bool
}

// StoreInput is what the pipeline knows about a freshly computed answer.
type StoreInput struct {
	SQL             string
	Result          *datatypes.QueryResult
	Response        string
	Suggestions     []string
	Tables          []string
	ExecutionTimeMs int64
	ErrorKind       datatypes.ErrorKind
	NeedsReview     bool
	TTL             time.Duration
}

// Matcher is the semantic cache.
type Matcher struct {
	store    vectorstore.Store
	embedder llm.Embedder
	synth    llm.Synthesizer
	metrics  *observability.Metrics
	cfg      Config

	group     singleflight.Group
	embCache  *lru.Cache[string, []float32]
	dimension atomic.Int64
	stripes   [feedbackLockStripes]sync.Mutex
	now       func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMetrics records lookup outcomes and provider failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(mt *Matcher) { mt.metrics = m }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(mt *Matcher) { mt.now = now }
}

// NewMatcher builds a Matcher. synth may be nil, in which case near matches
// return the cached text unchanged.
func NewMatcher(store vectorstore.Store, embedder llm.Embedder, synth llm.Synthesizer, cfg Config, opts ...Option) (*Matcher, error) {
	if store == nil {
		return nil, errors.New("vector store must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	cfg.applyDefaults()
	cache, err := lru.New[string, []float32](cfg.EmbedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	m := &Matcher{
		store:    store,
		embedder: embedder,
		synth:    synth,
		cfg:      cfg,
		embCache: cache,
		now:      time.Now,
	}
	m.dimension.Store(int64(cfg.Dimension))
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Namespace returns the configured namespace.
func (m *Matcher) Namespace() string { return m.cfg.Namespace }

// =============================================================================
// Embedding
// =============================================================================

// embed returns the question's embedding, sharing one provider call among
// concurrent callers and caching the result.
func (m *Matcher) embed(ctx context.Context, question string) ([]float32, error) {
	key := textnorm.Normalize(question)
	if vec, ok := m.embCache.Get(key); ok {
		return vec, nil
	}

	ch := m.group.DoChan(key, func() (interface{}, error) {
		// Detached from any single caller so one cancellation does not fail
		// everyone waiting on the same key.
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.EmbedTimeout)
		defer cancel()
		vec, err := m.embedder.Embed(ectx, key)
		if err != nil {
			return nil, err
		}
		if err := m.checkDimension(vec); err != nil {
			return nil, err
		}
		m.embCache.Add(key, vec)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

func (m *Matcher) checkDimension(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimension)
	}
	want := m.dimension.Load()
	if want == 0 && m.dimension.CompareAndSwap(0, int64(len(vec))) {
		return nil
	}
	want = m.dimension.Load()
	if int64(len(vec)) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), want)
	}
	return nil
}

// =============================================================================
// Lookup
// =============================================================================

// FindSimilar looks for a reusable cached answer.
//
// # Description
//
// Candidates below the threshold, expired entries, and near matches whose
// ranking shape or period differ from the question are skipped. The first
// remaining candidate in similarity order is the hit.
//
// # Inputs
//
//   - ctx: Cancels embedding, search and rewording.
//   - question: The user's question.
//   - cc: Conversation details used when rewording.
//
// # Outputs
//
//   - *Hit: The accepted match, or nil.
//   - bool: Whether a match was accepted. Errors are reported as false.
//
// # Examples
//
//	if hit, ok := matcher.FindSimilar(ctx, "top 5 produtos em janeiro de 2025", cc); ok {
//	    return hit.Answer
//	}
func (m *Matcher) FindSimilar(ctx context.Context, question string, cc ConversationContext) (*Hit, bool) {
	ctx, span := tracer.Start(ctx, "Matcher.FindSimilar")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", m.cfg.Namespace), attribute.String("conversation_id", cc.ConversationID))

	if strings.TrimSpace(question) == "" {
		return nil, false
	}

	vec, err := m.embed(ctx, question)
	if err != nil {
		slog.Warn("Semantic cache lookup degraded to miss: embedding failed", "error", err, "conversation_id", cc.ConversationID)
		m.metrics.RecordProviderError("embedder")
		m.metrics.RecordCacheLookup(observability.CacheError)
		return nil, false
	}

	matches, err := m.store.Query(ctx, m.cfg.Namespace, vec, m.cfg.TopK)
	if err != nil {
		slog.Warn("Semantic cache lookup degraded to miss: vector search failed", "error", err, "conversation_id", cc.ConversationID)
		m.metrics.RecordProviderError("vector_store")
		m.metrics.RecordCacheLookup(observability.CacheError)
		return nil, false
	}

	now := m.now()
	canonical := textnorm.Canonical(question)
	current := subset.Extract(question)

	for _, match := range matches {
		if match.Score < m.cfg.Threshold {
			break
		}
		entry := match.Entry
		if entry == nil || entry.Expired(now) {
			continue
		}

		if textnorm.Canonical(entry.Question) == canonical {
			span.SetAttributes(attribute.Bool("exact", true), attribute.Float64("similarity", match.Score))
			m.metrics.RecordCacheLookup(observability.CacheExact)
			slog.Debug("Semantic cache exact hit", "entry_id", entry.ID, "similarity", match.Score)
			return &Hit{Entry: entry, Answer: entry.Response, Similarity: match.Score, Exact: true}, true
		}

		if !subset.Compatible(subset.Extract(entry.Question), current) {
			slog.Debug("Semantic cache near match rejected as incompatible",
				"entry_id", entry.ID, "cached_question", entry.Question, "similarity", match.Score)
			continue
		}

		hit := &Hit{Entry: entry, Answer: entry.Response, Similarity: match.Score}
		if entry.ErrorKind == "" {
			m.reword(ctx, hit, question, cc)
		}
		span.SetAttributes(attribute.Bool("exact", false), attribute.Float64("similarity", match.Score))
		m.metrics.RecordCacheLookup(observability.CacheSimilar)
		slog.Debug("Semantic cache similar hit", "entry_id", entry.ID, "similarity", match.Score, "adapted", hit.Adapted)
		return hit, true
	}

	m.metrics.RecordCacheLookup(observability.CacheMiss)
	return nil, false
}

// reword asks the synthesizer to answer question from the cached text. On
// failure the hit keeps the cached text.
func (m *Matcher) reword(ctx context.Context, hit *Hit, question string, cc ConversationContext) {
	if m.synth == nil {
		return
	}
	out, err := m.synth.SynthesizeText(ctx, rewordPrompt(hit.Entry, question, cc))
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		if err == nil {
			err = llm.ErrEmptyResponse
		}
		slog.Warn("Cached answer rewording failed, serving cached text", "entry_id", hit.Entry.ID, "error", err)
		m.metrics.RecordAdaptationFailure()
		hit.AdaptationFailed = true
		return
	}
	hit.Answer = out
	hit.Adapted = true
}

func rewordPrompt(e *datatypes.CacheEntry, question string, cc ConversationContext) string {
	var b strings.Builder
	b.WriteString("Rewrite the answer below so it directly answers the new question. ")
	b.WriteString("Keep every number, name and ranking exactly as given. Do not add information. ")
	b.WriteString("Answer in the language of the new question.\n\n")
	if n := len(cc.RecentQuestions); n > 0 {
		b.WriteString("Earlier questions in this conversation:\n")
		for _, q := range cc.RecentQuestions[max(0, n-3):] {
			b.WriteString("- ")
			b.WriteString(q)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Original question: %s\n\nOriginal answer:\n%s\n\nNew question: %s\n\nAnswer:", e.Question, e.Response, question)
	return b.String()
}

// =============================================================================
// Store
// =============================================================================

// Store caches a computed answer.
//
// # Description
//
// The entry is written in one vector store operation, so a cancelled store
// leaves either the complete entry or nothing.
//
// # Outputs
//
//   - *datatypes.CacheEntry: The stored entry, including its new id.
//   - error: Non-nil if embedding or the write failed.
func (m *Matcher) Store(ctx context.Context, question string, in StoreInput) (*datatypes.CacheEntry, error) {
	ctx, span := tracer.Start(ctx, "Matcher.Store")
	defer span.End()

	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	vec, err := m.embed(ctx, question)
	if err != nil {
		m.metrics.RecordProviderError("embedder")
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	now := m.now().UTC()
	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	entry := &datatypes.CacheEntry{
		ID:          uuid.NewString(),
		Namespace:   m.cfg.Namespace,
		Question:    question,
		Embedding:   vec,
		SQL:         in.SQL,
		Result:      in.Result,
		Response:    in.Response,
		Suggestions: in.Suggestions,
		ErrorKind:   in.ErrorKind,
		Metadata: datatypes.CacheMetadata{
			CreatedAt:       now,
			UpdatedAt:       now,
			Version:         m.cfg.Version,
			ExecutionTimeMs: in.ExecutionTimeMs,
			Tables:          in.Tables,
		},
		Feedback: datatypes.CacheFeedback{NeedsReview: in.NeedsReview},
		TTL:      ttl,
	}

	if err := m.store.Upsert(ctx, entry); err != nil {
		m.metrics.RecordProviderError("vector_store")
		return nil, fmt.Errorf("failed to store cache entry: %w", err)
	}
	span.SetAttributes(attribute.String("entry_id", entry.ID))
	slog.Debug("Stored semantic cache entry", "entry_id", entry.ID, "namespace", entry.Namespace, "error_kind", entry.ErrorKind)
	return entry, nil
}

// =============================================================================
// Feedback
// =============================================================================

func (m *Matcher) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.stripes[h.Sum32()%feedbackLockStripes]
}

// UpdateFeedback records a feedback event on a cached entry. Negative
// feedback flags the entry for review. Counters only ever increase.
func (m *Matcher) UpdateFeedback(ctx context.Context, entryID string, fb datatypes.CacheFeedbackUpdate) (*datatypes.CacheEntry, error) {
	ctx, span := tracer.Start(ctx, "Matcher.UpdateFeedback")
	defer span.End()
	span.SetAttributes(attribute.String("entry_id", entryID), attribute.String("type", string(fb.Type)))

	mu := m.stripe(entryID)
	mu.Lock()
	defer mu.Unlock()

	updated, err := m.store.Update(ctx, m.cfg.Namespace, entryID, func(e *datatypes.CacheEntry) error {
		switch fb.Type {
		case datatypes.FeedbackPositive:
			e.Feedback.Positive++
		case datatypes.FeedbackNegative:
			e.Feedback.Negative++
			e.Feedback.NeedsReview = true
		default:
			return fmt.Errorf("unknown feedback type %q", fb.Type)
		}
		if c := strings.TrimSpace(fb.Comment); c != "" {
			e.Feedback.Comments = append(e.Feedback.Comments, c)
		}
		e.Metadata.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update feedback for %s: %w", entryID, err)
	}
	return updated, nil
}

// Get loads an entry from the configured namespace.
func (m *Matcher) Get(ctx context.Context, entryID string) (*datatypes.CacheEntry, error) {
	return m.store.Get(ctx, m.cfg.Namespace, entryID)
}
