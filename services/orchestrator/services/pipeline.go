// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/semcache"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/sqlguard"
)

// =============================================================================
// Classification Gate
// =============================================================================

// checkPolicy blocks messages carrying credentials before any provider sees
// them. Non-blocking findings such as PII are logged by pattern id only.
func (s *AnalyticsService) checkPolicy(ctx context.Context, t *turn) (outcome, bool) {
	if s.policy == nil {
		return outcome{}, false
	}
	decision := s.policy.Evaluate(t.message)
	if len(decision.Findings) == 0 {
		return outcome{}, false
	}
	if !decision.Blocked {
		slog.Info("Message contains classified data",
			"conversation_id", t.conversationID,
			"classification", decision.Classification,
			"pattern_ids", decision.PatternIDs(),
		)
		return outcome{}, false
	}

	slog.Warn("Message blocked by data classification",
		"conversation_id", t.conversationID,
		"classification", decision.Classification,
		"pattern_ids", decision.PatternIDs(),
	)
	s.logAudit(ctx, extensions.AuditEvent{
		EventType:    extensions.EventQueryRejected,
		UserID:       t.userID,
		Action:       "classify",
		ResourceType: "query",
		ResourceID:   t.responseID,
		Outcome:      extensions.OutcomeBlocked,
		Metadata: map[string]any{
			"conversation_id": t.conversationID,
			"stage":           "classification",
			"classification":  decision.Classification,
			"pattern_ids":     decision.PatternIDs(),
		},
	})

	out := s.failure(t, datatypes.ErrorKindPolicy, codeSensitiveData, "", false)
	out.redactUser = true
	return out, true
}

// =============================================================================
// Canned Replies
// =============================================================================

func (s *AnalyticsService) answerConversational(t *turn) outcome {
	reply := s.router.Reply(t.intent, intent.ReplyContext{TotalInteractions: t.session.TotalInteractions})
	return outcome{
		state:       stateConversational,
		httpSource:  datatypes.SourceConversational,
		text:        reply,
		confidence:  conversationalConfidence,
		suggestions: suggestionsFor(conversationalSuggestions, t.intent.Lang),
		detail: &datatypes.ConversationalResult{
			Intent:  string(intent.KindConversational),
			Subtype: string(t.intent.Subtype),
		},
	}
}

func (s *AnalyticsService) answerKnowledge(t *turn) (outcome, bool) {
	text, ok := s.router.Knowledge(t.intent)
	if !ok {
		return outcome{}, false
	}
	return outcome{
		state:       stateKnowledge,
		httpSource:  datatypes.SourceConversational,
		text:        text,
		confidence:  knowledgeConfidence,
		suggestions: suggestionsFor(conversationalSuggestions, t.intent.Lang),
		detail: &datatypes.ConversationalResult{
			Intent:  string(intent.KindGeneralKnowledge),
			Subtype: t.intent.KnowledgeID,
		},
	}, true
}

// =============================================================================
// Reuse
// =============================================================================

func (s *AnalyticsService) answerFromSubset(ctx context.Context, t *turn) (outcome, bool) {
	_, span := analyticsTracer.Start(ctx, "AnalyticsService.answerFromSubset")
	defer span.End()

	m, ok := s.subset.TryAdapt(t.session, t.message)
	if !ok {
		return outcome{}, false
	}
	s.metrics.RecordSubsetHit()
	span.SetAttributes(attribute.Int("subset.items", len(m.Items)), attribute.String("subset.prior_message_id", m.PriorMessageID))
	slog.Info("Answered by narrowing an earlier ranked answer",
		"conversation_id", t.conversationID,
		"prior_message_id", m.PriorMessageID,
		"items", len(m.Items),
	)

	rows := make([]map[string]any, 0, len(m.Items))
	for _, item := range m.Items {
		rows = append(rows, map[string]any{"rank": item.Rank, "name": item.Name, "value": item.Quantity()})
	}
	return outcome{
		state:       stateSubset,
		httpSource:  datatypes.SourceCache,
		text:        m.Answer,
		confidence:  m.Confidence,
		data:        shapeResult(&datatypes.QueryResult{Columns: []string{"rank", "name", "value"}, Rows: rows, TotalRows: len(rows)}, t.maxRows, ""),
		suggestions: suggestionsFor(rankingSuggestions, t.intent.Lang),
		detail: &datatypes.CacheResult{
			EntryID:    m.Metadata.CacheEntryID,
			Similarity: 1,
			Subset:     true,
			SQL:        m.Metadata.SQL,
			Tables:     m.Metadata.Tables,
		},
		sql:     m.Metadata.SQL,
		tables:  m.Metadata.Tables,
		entryID: m.Metadata.CacheEntryID,
	}, true
}

func (s *AnalyticsService) answerFromCache(ctx context.Context, t *turn) (outcome, bool) {
	hit, ok := s.cache.FindSimilar(ctx, t.message, semcache.ConversationContext{
		ConversationID:  t.conversationID,
		RecentQuestions: t.recentQuestions(),
	})
	if !ok {
		return outcome{}, false
	}
	e := hit.Entry

	// A cached failure is replayed as the same failure.
	if e.ErrorKind != "" {
		out := s.failure(t, e.ErrorKind, "CACHED_"+strings.ToUpper(string(e.ErrorKind)), e.SQL, true)
		if e.Response != "" {
			out.text = e.Response
		}
		out.state = stateCache
		out.tables = e.Metadata.Tables
		out.entryID = e.ID
		return out, true
	}

	suggestions := e.Suggestions
	if len(suggestions) == 0 {
		suggestions = suggestionsFor(analyticalSuggestions, t.intent.Lang)
	}
	return outcome{
		state:       stateCache,
		httpSource:  datatypes.SourceCache,
		text:        hit.Answer,
		confidence:  hit.Similarity,
		data:        shapeResult(e.Result, t.maxRows, t.visualization),
		suggestions: append([]string(nil), suggestions...),
		detail: &datatypes.CacheResult{
			EntryID:    e.ID,
			Similarity: hit.Similarity,
			Exact:      hit.Exact,
			Adapted:    hit.Adapted,
			SQL:        e.SQL,
			Tables:     e.Metadata.Tables,
		},
		sql:     e.SQL,
		tables:  e.Metadata.Tables,
		entryID: e.ID,
	}, true
}

// =============================================================================
// Fresh Query
// =============================================================================

// answerByQuery runs generate, validate, execute and synthesize.
//
// # Description
//
// Validation and syntax failures are never cached because the next
// generation may succeed. Resource-limit and execution failures are cached
// with NeedsReview set so the same expensive failure is not paid twice
// before someone looks at it.
func (s *AnalyticsService) answerByQuery(ctx context.Context, t *turn) outcome {
	ctx, span := analyticsTracer.Start(ctx, "AnalyticsService.answerByQuery")
	defer span.End()

	// Step 1: Generate SQL
	prompt := buildSQLPrompt(sqlPromptInput{
		Question:        t.message,
		Schema:          s.config.Schema,
		Dialect:         s.config.Dialect,
		MaxRows:         t.maxRows,
		RecentQuestions: t.recentQuestions(),
		Context:         t.requestContext,
	})
	reply, err := s.generator.GenerateSQL(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sql generation failed")
		if ctx.Err() != nil {
			return s.failure(t, datatypes.ErrorKindProcessing, codeTimeout, "", false)
		}
		slog.Error("SQL generation failed", "conversation_id", t.conversationID, "error", err)
		s.metrics.RecordProviderError("generator")
		return s.failure(t, datatypes.ErrorKindGeneration, codeGenerationFailed, "", false)
	}
	sql := ExtractSQL(reply)
	if sql == "" {
		slog.Warn("Generator reply contained no SQL", "conversation_id", t.conversationID, "reply_length", len(reply))
		return s.failure(t, datatypes.ErrorKindGeneration, codeNoSQL, "", false)
	}

	// Step 2: Validate
	vr := s.validator.Validate(ctx, sql)
	if !vr.IsValid {
		return s.rejectQuery(ctx, t, sql, vr)
	}
	span.SetAttributes(attribute.StringSlice("sql.tables", vr.Tables))

	// Step 3: Execute
	res, err := s.warehouse.Execute(ctx, sql, t.maxRows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		switch {
		case errors.Is(err, datatypes.ErrSQLSyntax):
			slog.Warn("Warehouse rejected SQL syntax", "conversation_id", t.conversationID, "error", err)
			out := s.failure(t, datatypes.ErrorKindSyntax, sqlguard.CodeSyntaxError, sql, false)
			out.tables = vr.Tables
			return out
		case ctx.Err() != nil:
			out := s.failure(t, datatypes.ErrorKindProcessing, codeTimeout, sql, false)
			out.tables = vr.Tables
			return out
		default:
			slog.Error("Query execution failed", "conversation_id", t.conversationID, "error", err)
			s.metrics.RecordProviderError("warehouse")
			out := s.failure(t, datatypes.ErrorKindExecution, codeExecutionFailed, sql, true)
			out.tables = vr.Tables
			out.entryID = s.cacheFailure(ctx, t, out)
			return out
		}
	}
	span.SetAttributes(attribute.Int("result.rows", len(res.Rows)), attribute.Int64("result.bytes", res.BytesProcessed))

	// Step 4: Synthesize
	text := s.synthesize(ctx, t, res)
	suggestions := suggestionsFor(analyticalSuggestions, t.intent.Lang)
	if len(res.Columns) == 2 && len(res.Rows) > 1 {
		suggestions = suggestionsFor(rankingSuggestions, t.intent.Lang)
	}

	// Step 5: Cache
	entryID := ""
	entry, err := s.cache.Store(ctx, t.message, semcache.StoreInput{
		SQL:             sql,
		Result:          res,
		Response:        text,
		Suggestions:     suggestions,
		Tables:          vr.Tables,
		ExecutionTimeMs: res.ExecutionTimeMs,
	})
	if err != nil {
		slog.Warn("Failed to cache answer", "conversation_id", t.conversationID, "error", err)
	} else {
		entryID = entry.ID
	}

	s.logAudit(ctx, extensions.AuditEvent{
		EventType:    extensions.EventQueryExecuted,
		UserID:       t.userID,
		Action:       "execute",
		ResourceType: "query",
		ResourceID:   t.responseID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata: map[string]any{
			"conversation_id":   t.conversationID,
			"tables":            vr.Tables,
			"rows":              res.TotalRows,
			"bytes_processed":   res.BytesProcessed,
			"execution_time_ms": res.ExecutionTimeMs,
			"cache_entry_id":    entryID,
		},
	})

	return outcome{
		state:       stateQuery,
		httpSource:  datatypes.SourceQuery,
		text:        text,
		confidence:  generatedConfidence,
		data:        shapeResult(res, t.maxRows, t.visualization),
		suggestions: suggestions,
		detail: &datatypes.GeneratedResult{
			EntryID:         entryID,
			SQL:             sql,
			Tables:          vr.Tables,
			TotalRows:       res.TotalRows,
			BytesProcessed:  res.BytesProcessed,
			ExecutionTimeMs: res.ExecutionTimeMs,
		},
		sql:     sql,
		tables:  vr.Tables,
		entryID: entryID,
	}
}

// rejectQuery turns a failed validation into an error outcome.
func (s *AnalyticsService) rejectQuery(ctx context.Context, t *turn, sql string, vr datatypes.ValidationResult) outcome {
	code := sqlguard.CodeSyntaxError
	message := ""
	if iss, ok := vr.FirstError(); ok {
		code = iss.Code
		message = iss.Message
	}
	kind := sqlguard.KindForCode(code)
	s.metrics.RecordValidationFailure(code)
	slog.Warn("Generated SQL rejected",
		"conversation_id", t.conversationID,
		"code", code,
		"reason", message,
	)
	s.logAudit(ctx, extensions.AuditEvent{
		EventType:    extensions.EventQueryRejected,
		UserID:       t.userID,
		Action:       "validate",
		ResourceType: "query",
		ResourceID:   t.responseID,
		Outcome:      extensions.OutcomeBlocked,
		Metadata: map[string]any{
			"conversation_id": t.conversationID,
			"stage":           "validation",
			"code":            code,
			"tables":          vr.Tables,
		},
	})

	cacheable := kind == datatypes.ErrorKindResourceLimit
	out := s.failure(t, kind, code, sql, cacheable)
	out.tables = vr.Tables
	if cacheable {
		out.entryID = s.cacheFailure(ctx, t, out)
	}
	return out
}

// cacheFailure stores a failure for review and returns its entry id.
func (s *AnalyticsService) cacheFailure(ctx context.Context, t *turn, out outcome) string {
	entry, err := s.cache.Store(ctx, t.message, semcache.StoreInput{
		SQL:         out.sql,
		Response:    out.text,
		Suggestions: out.suggestions,
		Tables:      out.tables,
		ErrorKind:   out.errorKind,
		NeedsReview: true,
	})
	if err != nil {
		slog.Warn("Failed to cache failure", "conversation_id", t.conversationID, "error", err)
		return ""
	}
	return entry.ID
}

// synthesize writes the answer text, falling back to a plain rendering when
// the synthesizer is missing or fails.
func (s *AnalyticsService) synthesize(ctx context.Context, t *turn, res *datatypes.QueryResult) string {
	if s.synth == nil || len(res.Rows) == 0 {
		return renderRows(res, t.intent.Lang)
	}
	text, err := s.synth.SynthesizeText(ctx, buildSynthesisPrompt(t.message, t.intent.Lang, res))
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			s.metrics.RecordProviderError("synthesizer")
		}
		slog.Warn("Answer synthesis failed, using plain rendering", "conversation_id", t.conversationID, "error", err)
		return renderRows(res, t.intent.Lang)
	}
	return strings.TrimSpace(text)
}
