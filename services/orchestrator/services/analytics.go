// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// This package contains service structs that encapsulate business logic,
// separating it from HTTP handlers. AnalyticsService turns one question into
// one answer by walking the pipeline:
//
//	classify → data-classification gate → conversational / knowledge reply
//	         → narrow a prior ranked answer → semantic cache
//	         → generate SQL → validate → execute → synthesize → cache
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Traceable: All methods accept context for distributed tracing
//   - Failure tolerant: Every failure becomes an answer with source "error"
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
	"github.com/AleutianAI/AleutianAnalyst/services/llm"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/semcache"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/session"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/sqlguard"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/subset"
	"github.com/AleutianAI/AleutianAnalyst/services/policy_engine"
)

// analyticsTracer is the OpenTelemetry tracer for AnalyticsService operations.
var analyticsTracer = otel.Tracer("aleutian.orchestrator.services.analytics")

var (
	// ErrInvalidRequest is returned for requests that cannot be processed at
	// all, such as an empty message. Handlers map it to 400.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrFeedbackTargetNotFound is returned when feedback names a response
	// that cannot be resolved.
	ErrFeedbackTargetNotFound = errors.New("feedback target not found")
)

// Confidence reported per answer source.
const (
	conversationalConfidence = 1.0
	knowledgeConfidence      = 0.95
	generatedConfidence      = 0.9
)

// Pipeline terminal states, used as the metrics label.
const (
	stateConversational = "conversational"
	stateKnowledge      = "general_knowledge"
	stateSubset         = "subset"
	stateCache          = "cache"
	stateQuery          = "query"
	stateError          = "error"
)

// blockedMessagePlaceholder replaces user text that the classification gate
// refused, so the secret never reaches session storage.
const blockedMessagePlaceholder = "[mensagem bloqueada: conteúdo sensível removido]"

// recentQuestionsWindow is how many earlier questions are shared with the
// generator and the cache rewording step.
const recentQuestionsWindow = 3

// =============================================================================
// Ports
// =============================================================================

// SemanticCache is the part of the semantic cache the pipeline uses.
// Satisfied by *semcache.Matcher.
type SemanticCache interface {
	FindSimilar(ctx context.Context, question string, cc semcache.ConversationContext) (*semcache.Hit, bool)
	Store(ctx context.Context, question string, in semcache.StoreInput) (*datatypes.CacheEntry, error)
	UpdateFeedback(ctx context.Context, entryID string, fb datatypes.CacheFeedbackUpdate) (*datatypes.CacheEntry, error)
	Get(ctx context.Context, entryID string) (*datatypes.CacheEntry, error)
}

// QueryValidator checks generated SQL. Satisfied by *sqlguard.Validator.
type QueryValidator interface {
	Validate(ctx context.Context, sql string) datatypes.ValidationResult
}

// QueryExecutor runs validated SQL. Satisfied by warehouse.Warehouse.
type QueryExecutor interface {
	Execute(ctx context.Context, sql string, maxRows int) (*datatypes.QueryResult, error)
}

var (
	_ SemanticCache  = (*semcache.Matcher)(nil)
	_ QueryValidator = (*sqlguard.Validator)(nil)
)

// =============================================================================
// Configuration
// =============================================================================

// AnalyticsConfig tunes the pipeline.
//
// # Fields
//
//   - RequestTimeout: Upper bound on one request. Default: 60s.
//   - MaxResultRows: Row cap when the request does not set one. Default: 1000.
//   - MaxMessageLength: Longest accepted message, in runes. Default: 4000.
//   - Schema: Table descriptions for the generation prompt.
//   - Dialect: SQL dialect named in the generation prompt.
//   - IncludeSQLByDefault: Whether responses carry SQL when the request
//     does not say. Default: true.
//   - ResponseIndexSize: Response ids remembered for feedback routing.
type AnalyticsConfig struct {
	RequestTimeout      time.Duration
	MaxResultRows       int
	MaxMessageLength    int
	Schema              string
	Dialect             string
	IncludeSQLByDefault *bool
	ResponseIndexSize   int
}

func (c *AnalyticsConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxResultRows <= 0 {
		c.MaxResultRows = 1000
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = 4000
	}
	if c.Dialect == "" {
		c.Dialect = "BigQuery Standard SQL"
	}
	if c.IncludeSQLByDefault == nil {
		t := true
		c.IncludeSQLByDefault = &t
	}
	if c.ResponseIndexSize <= 0 {
		c.ResponseIndexSize = 4096
	}
}

// Dependencies are the collaborators of AnalyticsService.
//
// Sessions, Router, Subset, Cache, Validator, Generator and Warehouse are
// required. A nil Synthesizer falls back to a plain rendering of the rows; a
// nil Policy disables the classification gate; Metrics may be nil.
type Dependencies struct {
	Sessions    *session.Store
	Router      *intent.Router
	Subset      *subset.Adapter
	Cache       SemanticCache
	Validator   QueryValidator
	Generator   llm.SQLGenerator
	Synthesizer llm.Synthesizer
	Warehouse   QueryExecutor
	Policy      *policy_engine.PolicyEngine
	Metrics     *observability.Metrics
	Extensions  extensions.ServiceOptions
}

// responseRef remembers where a response id lives for feedback routing.
type responseRef struct {
	ConversationID string
	EntryID        string
}

// AnalyticsService answers analytics questions.
//
// # Thread Safety
//
// Safe for concurrent use. Requests for the same conversation are processed
// one at a time in arrival order; different conversations run in parallel.
type AnalyticsService struct {
	sessions  *session.Store
	router    *intent.Router
	subset    *subset.Adapter
	cache     SemanticCache
	validator QueryValidator
	generator llm.SQLGenerator
	synth     llm.Synthesizer
	warehouse QueryExecutor
	policy    *policy_engine.PolicyEngine
	metrics   *observability.Metrics
	audit     extensions.AuditLogger
	config    AnalyticsConfig

	responses *lru.Cache[string, responseRef]
	now       func() time.Time
}

// NewAnalyticsService wires the pipeline.
//
// # Inputs
//
//   - deps: Collaborators. See Dependencies for which are required.
//   - config: Tuning. Zero fields take defaults.
//
// # Outputs
//
//   - *AnalyticsService: Ready to serve.
//   - error: Non-nil if a required dependency is missing.
//
// # Examples
//
//	svc, err := NewAnalyticsService(services.Dependencies{
//	    Sessions:  session.NewStore(),
//	    Router:    router,
//	    Subset:    subset.NewAdapter(),
//	    Cache:     matcher,
//	    Validator: validator,
//	    Generator: roles,
//	    Warehouse: wh,
//	}, services.AnalyticsConfig{Schema: services.DescribeSchema(policy)})
func NewAnalyticsService(deps Dependencies, config AnalyticsConfig) (*AnalyticsService, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("analytics service requires a session store")
	case deps.Router == nil:
		return nil, errors.New("analytics service requires an intent router")
	case deps.Subset == nil:
		return nil, errors.New("analytics service requires a subset adapter")
	case deps.Cache == nil:
		return nil, errors.New("analytics service requires a semantic cache")
	case deps.Validator == nil:
		return nil, errors.New("analytics service requires a SQL validator")
	case deps.Generator == nil:
		return nil, errors.New("analytics service requires a SQL generator")
	case deps.Warehouse == nil:
		return nil, errors.New("analytics service requires a warehouse")
	}
	config.applyDefaults()

	responses, err := lru.New[string, responseRef](config.ResponseIndexSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create response index: %w", err)
	}
	opts := deps.Extensions.Normalize()

	return &AnalyticsService{
		sessions:  deps.Sessions,
		router:    deps.Router,
		subset:    deps.Subset,
		cache:     deps.Cache,
		validator: deps.Validator,
		generator: deps.Generator,
		synth:     deps.Synthesizer,
		warehouse: deps.Warehouse,
		policy:    deps.Policy,
		metrics:   deps.Metrics,
		audit:     opts.AuditLogger,
		config:    config,
		responses: responses,
		now:       time.Now,
	}, nil
}

// =============================================================================
// Turn State
// =============================================================================

// turn is the per-request state shared by the pipeline stages.
type turn struct {
	message        string
	conversationID string
	responseID     string
	userID         string
	session        *datatypes.ConversationSession
	intent         intent.Intent
	maxRows        int
	visualization  string
	requestContext *datatypes.RequestContext
}

func (t *turn) recentQuestions() []string {
	var out []string
	for i := len(t.session.Messages) - 1; i >= 0 && len(out) < recentQuestionsWindow; i-- {
		if m := t.session.Messages[i]; m.Role == datatypes.RoleUser {
			out = append(out, m.Content)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// outcome is what a pipeline stage produced.
type outcome struct {
	state       string
	httpSource  datatypes.Source
	text        string
	confidence  float64
	data        *datatypes.ResultData
	suggestions []string
	detail      datatypes.ResultDetail
	sql         string
	tables      []string
	entryID     string
	errorKind   datatypes.ErrorKind
	// redactUser replaces the stored user message with a placeholder.
	redactUser bool
}

// =============================================================================
// Process
// =============================================================================

// Process answers one question.
//
// # Description
//
// Runs the pipeline for req and records the exchange in the conversation.
// Every pipeline failure, including provider outages, timeouts and panics,
// is returned as a normal response with Metadata.Source "error" and a
// friendly message; the conversation stays usable.
//
// # Inputs
//
//   - ctx: Request context. Bounded by the configured request timeout and by
//     req.Options.Timeout, whichever is shorter.
//   - req: The question. Message must be non-empty.
//
// # Outputs
//
//   - *datatypes.AnalyticsResponse: The answer.
//   - error: ErrInvalidRequest (wrapped) for malformed requests only.
//
// # Examples
//
//	resp, err := svc.Process(ctx, &datatypes.AnalyticsRequest{
//	    Message: "top 5 produtos mais vendidos em janeiro de 2025",
//	})
//	if err != nil {
//	    return err // 400
//	}
//	fmt.Println(resp.Metadata.Source, resp.Message)
func (s *AnalyticsService) Process(ctx context.Context, req *datatypes.AnalyticsRequest) (*datatypes.AnalyticsResponse, error) {
	ctx, span := analyticsTracer.Start(ctx, "AnalyticsService.Process")
	defer span.End()
	start := s.now()

	// Step 1: Validate the request
	if req == nil {
		return nil, fmt.Errorf("%w: missing body", ErrInvalidRequest)
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		span.SetStatus(codes.Error, "empty message")
		return nil, fmt.Errorf("%w: message must not be empty", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(message); n > s.config.MaxMessageLength {
		span.SetStatus(codes.Error, "message too long")
		return nil, fmt.Errorf("%w: message has %d characters, limit is %d", ErrInvalidRequest, n, s.config.MaxMessageLength)
	}

	// Step 2: Bound the request
	timeout := s.config.RequestTimeout
	if t := req.Options.TimeoutDuration(); t > 0 && t < timeout {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Step 3: Resolve the conversation and wait for its turn
	sess, created := s.sessions.Create(ctx, req.ConversationID)
	t := &turn{
		message:        message,
		conversationID: sess.ID,
		responseID:     uuid.NewString(),
		userID:         extensions.UserIDFromContext(ctx),
		session:        sess,
		maxRows:        s.effectiveMaxRows(req.Options),
		requestContext: req.Context,
	}
	if req.Context != nil {
		t.visualization = req.Context.PreferredVisualization
	}
	span.SetAttributes(
		attribute.String("conversation.id", t.conversationID),
		attribute.String("response.id", t.responseID),
		attribute.Bool("conversation.created", created),
	)

	release, err := s.sessions.Acquire(ctx, t.conversationID)
	if err != nil {
		slog.Warn("Timed out waiting for conversation turn", "conversation_id", t.conversationID, "error", err)
		t.intent = s.router.Classify(message)
		out := s.failure(t, datatypes.ErrorKindProcessing, codeTimeout, "", false)
		return s.respond(span, t, out, req.Options, start), nil
	}
	defer release()

	if fresh, err := s.sessions.Get(ctx, t.conversationID); err == nil {
		t.session = fresh
	} else {
		// Cleared while this request waited.
		t.session, _ = s.sessions.Create(ctx, t.conversationID)
	}

	// Step 4: Run the pipeline
	out := s.runPipeline(ctx, t)

	// Step 5: Record the exchange. Storage must not be skipped because the
	// request deadline passed during the pipeline.
	s.recordExchange(context.WithoutCancel(ctx), t, out, start)

	return s.respond(span, t, out, req.Options, start), nil
}

func (s *AnalyticsService) effectiveMaxRows(opts *datatypes.RequestOptions) int {
	rows := s.config.MaxResultRows
	if opts != nil && opts.MaxResultRows > 0 && opts.MaxResultRows < rows {
		rows = opts.MaxResultRows
	}
	return rows
}

// runPipeline walks the stages and converts panics into processing errors.
func (s *AnalyticsService) runPipeline(ctx context.Context, t *turn) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic in analytics pipeline",
				"conversation_id", t.conversationID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out = s.failure(t, datatypes.ErrorKindProcessing, codeInternal, "", false)
		}
	}()

	// Step 4a: Classify (local, no provider calls)
	t.intent = s.router.Classify(t.message)

	// Step 4b: Data-classification gate
	if out, blocked := s.checkPolicy(ctx, t); blocked {
		return out
	}

	// Step 4c: Canned replies
	switch t.intent.Kind {
	case intent.KindConversational:
		return s.answerConversational(t)
	case intent.KindGeneralKnowledge:
		if out, ok := s.answerKnowledge(t); ok {
			return out
		}
	}

	// Step 4d: Narrow an earlier ranked answer
	if out, ok := s.answerFromSubset(ctx, t); ok {
		return out
	}

	// Step 4e: Semantic cache
	if out, ok := s.answerFromCache(ctx, t); ok {
		return out
	}

	// Step 4f: Generate, validate, execute, synthesize
	return s.answerByQuery(ctx, t)
}

// recordExchange appends the user and assistant messages and indexes the
// response id for feedback.
func (s *AnalyticsService) recordExchange(ctx context.Context, t *turn, out outcome, start time.Time) {
	userContent := t.message
	if out.redactUser {
		userContent = blockedMessagePlaceholder
	}
	if _, err := s.sessions.AppendUserMessage(ctx, t.conversationID, userContent); err != nil {
		slog.Error("Failed to store user message", "conversation_id", t.conversationID, "error", err)
		return
	}

	result := datatypes.ProcessingResult{
		ResponseID:       t.responseID,
		Message:          out.text,
		Source:           datatypes.MessageSource(out.detail),
		Confidence:       out.confidence,
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
		Data:             out.data,
		Suggestions:      out.suggestions,
		Detail:           out.detail,
	}
	meta := datatypes.MessageMetadata{
		Source:       result.Source,
		Confidence:   out.confidence,
		Tables:       out.tables,
		SQL:          out.sql,
		CacheEntryID: out.entryID,
	}
	if _, err := s.sessions.AppendAssistantMessage(ctx, t.conversationID, result, meta); err != nil {
		slog.Error("Failed to store assistant message", "conversation_id", t.conversationID, "error", err)
	}
	s.responses.Add(t.responseID, responseRef{ConversationID: t.conversationID, EntryID: out.entryID})
}

// respond builds the HTTP response and records request metrics.
func (s *AnalyticsService) respond(span trace.Span, t *turn, out outcome, opts *datatypes.RequestOptions, start time.Time) *datatypes.AnalyticsResponse {
	elapsed := s.now().Sub(start)
	includeSQL := *s.config.IncludeSQLByDefault
	if opts != nil && opts.IncludeSQL != nil {
		includeSQL = *opts.IncludeSQL
	}

	resp := &datatypes.AnalyticsResponse{
		ID:             t.responseID,
		ConversationID: t.conversationID,
		Message:        out.text,
		Metadata: datatypes.ResponseMetadata{
			ProcessingTimeMs: elapsed.Milliseconds(),
			Source:           out.httpSource,
			Confidence:       out.confidence,
			Tables:           out.tables,
			ErrorType:        out.errorKind,
		},
		Data:            out.data,
		Suggestions:     out.suggestions,
		FeedbackOptions: datatypes.DefaultFeedbackOptions(),
	}
	if includeSQL {
		resp.Metadata.SQL = out.sql
	}

	s.metrics.RecordRequest(string(out.httpSource))
	s.metrics.ObservePipeline(out.state, elapsed.Seconds())
	span.SetAttributes(
		attribute.String("response.source", string(out.httpSource)),
		attribute.String("pipeline.state", out.state),
		attribute.Float64("response.confidence", out.confidence),
	)
	slog.Info("Analytics request completed",
		"conversation_id", t.conversationID,
		"response_id", t.responseID,
		"source", out.httpSource,
		"state", out.state,
		"error_type", out.errorKind,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp
}

// failure builds an error outcome with a friendly message.
func (s *AnalyticsService) failure(t *turn, kind datatypes.ErrorKind, code, sql string, cacheable bool) outcome {
	return outcome{
		state:       stateError,
		httpSource:  datatypes.SourceError,
		text:        errorMessage(kind, code, t.intent.Lang),
		confidence:  0,
		suggestions: suggestionsFor(errorSuggestions, t.intent.Lang),
		detail:      &datatypes.ErrorResult{Kind: kind, Code: code, SQL: sql, Cacheable: cacheable},
		sql:         sql,
		errorKind:   kind,
	}
}

// logAudit records an audit event. Failures are logged and never fail the
// request.
func (s *AnalyticsService) logAudit(ctx context.Context, event extensions.AuditEvent) {
	if err := s.audit.Log(ctx, event); err != nil {
		slog.Warn("Failed to record audit event", "event_type", event.EventType, "error", err)
	}
}
