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
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAnalyst/pkg/extensions"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/session"
)

// =============================================================================
// Feedback
// =============================================================================

// RecordFeedback attaches user feedback to an answer and its cache entry.
//
// # Description
//
// The response is resolved in this order:
//  1. The assistant message with id ResponseID in the named conversation.
//  2. The in-process index of recent response ids.
//  3. ResponseID taken as a cache entry id.
//
// Feedback is stored on the session message when one was found and merged
// into the linked cache entry when there is one. Answers that never touched
// the cache (small talk, uncached failures) only update the session.
//
// # Outputs
//
//   - *datatypes.FeedbackResponse: Acknowledgement. Status is error when the
//     target was found but the feedback could not be written to it.
//   - error: ErrFeedbackTargetNotFound (wrapped) when nothing matches.
//
// # Examples
//
//	ack, err := svc.RecordFeedback(ctx, &datatypes.FeedbackRequest{
//	    ConversationID: resp.ConversationID,
//	    ResponseID:     resp.ID,
//	    Type:           datatypes.FeedbackNegative,
//	    Comment:        "faltou o mês de fevereiro",
//	})
func (s *AnalyticsService) RecordFeedback(ctx context.Context, req *datatypes.FeedbackRequest) (*datatypes.FeedbackResponse, error) {
	ctx, span := analyticsTracer.Start(ctx, "AnalyticsService.RecordFeedback")
	defer span.End()

	if req == nil || strings.TrimSpace(req.ResponseID) == "" {
		return nil, fmt.Errorf("%w: responseId is required", ErrInvalidRequest)
	}
	if req.Type != datatypes.FeedbackPositive && req.Type != datatypes.FeedbackNegative {
		return nil, fmt.Errorf("%w: type must be positive or negative", ErrInvalidRequest)
	}
	span.SetAttributes(attribute.String("response.id", req.ResponseID), attribute.String("feedback.type", string(req.Type)))

	ref, onMessage, err := s.resolveFeedbackTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	var writeErr error
	if onMessage {
		_, err := s.sessions.RecordFeedback(ctx, ref.ConversationID, req.ResponseID, datatypes.MessageFeedback{
			Type:    req.Type,
			Helpful: req.Helpful,
			Comment: req.Comment,
		})
		if err != nil {
			slog.Warn("Failed to store feedback on message", "conversation_id", ref.ConversationID, "response_id", req.ResponseID, "error", err)
			writeErr = errors.Join(writeErr, err)
		}
	}

	if ref.EntryID != "" {
		_, err := s.cache.UpdateFeedback(ctx, ref.EntryID, datatypes.CacheFeedbackUpdate{
			Type:    req.Type,
			Helpful: req.Helpful,
			Comment: req.Comment,
		})
		if err != nil {
			slog.Warn("Failed to update cache entry feedback", "entry_id", ref.EntryID, "error", err)
			writeErr = errors.Join(writeErr, err)
		}
	}

	ack := &datatypes.FeedbackResponse{
		ID:             uuid.NewString(),
		ConversationID: ref.ConversationID,
		ResponseID:     req.ResponseID,
		Status:         datatypes.FeedbackStatusSuccess,
		Message:        "Feedback registrado. Obrigado!",
	}
	outcome := extensions.OutcomeSuccess
	if writeErr != nil {
		span.RecordError(writeErr)
		outcome = extensions.OutcomeFailure
		ack.Status = datatypes.FeedbackStatusError
		ack.Message = "Não foi possível registrar o feedback. Tente novamente."
	} else {
		s.metrics.RecordFeedback(string(req.Type))
	}

	s.logAudit(ctx, extensions.AuditEvent{
		EventType:    extensions.EventFeedbackRecorded,
		UserID:       extensions.UserIDFromContext(ctx),
		Action:       "feedback",
		ResourceType: "response",
		ResourceID:   req.ResponseID,
		Outcome:      outcome,
		Metadata: map[string]any{
			"conversation_id": ref.ConversationID,
			"cache_entry_id":  ref.EntryID,
			"type":            string(req.Type),
			"has_comment":     req.Comment != "",
		},
	})
	slog.Info("Feedback processed",
		"conversation_id", ref.ConversationID,
		"response_id", req.ResponseID,
		"cache_entry_id", ref.EntryID,
		"type", req.Type,
		"status", ack.Status,
	)
	return ack, nil
}

// resolveFeedbackTarget finds the conversation and cache entry behind a
// response id. The bool reports whether an assistant message was found.
func (s *AnalyticsService) resolveFeedbackTarget(ctx context.Context, req *datatypes.FeedbackRequest) (responseRef, bool, error) {
	convID := req.ConversationID
	if convID == "" {
		if ref, ok := s.responses.Get(req.ResponseID); ok {
			convID = ref.ConversationID
		}
	}

	if convID != "" {
		if sess, err := s.sessions.Get(ctx, convID); err == nil {
			if i := sess.FindMessage(req.ResponseID); i >= 0 && sess.Messages[i].Role == datatypes.RoleAssistant {
				ref := responseRef{ConversationID: convID}
				if md := sess.Messages[i].Metadata; md != nil {
					ref.EntryID = md.CacheEntryID
				}
				return ref, true, nil
			}
		}
	}

	// The session is gone but the response is still indexed.
	if ref, ok := s.responses.Get(req.ResponseID); ok {
		return ref, false, nil
	}

	if entry, err := s.cache.Get(ctx, req.ResponseID); err == nil && entry != nil {
		return responseRef{ConversationID: req.ConversationID, EntryID: entry.ID}, false, nil
	}
	return responseRef{}, false, fmt.Errorf("%w: %s", ErrFeedbackTargetNotFound, req.ResponseID)
}

// =============================================================================
// Conversations
// =============================================================================

// Conversation returns a snapshot of a conversation.
func (s *AnalyticsService) Conversation(ctx context.Context, id string) (*datatypes.ConversationSession, error) {
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return sess, err
}

// ClearConversation deletes a conversation and its history.
func (s *AnalyticsService) ClearConversation(ctx context.Context, id string) error {
	err := s.sessions.Clear(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return err
}

// =============================================================================
// SQL Validation
// =============================================================================

// ValidateSQL runs the validator on caller-supplied SQL without executing it.
func (s *AnalyticsService) ValidateSQL(ctx context.Context, sql string) datatypes.ValidationResult {
	ctx, span := analyticsTracer.Start(ctx, "AnalyticsService.ValidateSQL")
	defer span.End()

	res := s.validator.Validate(ctx, sql)
	span.SetAttributes(attribute.Bool("sql.valid", res.IsValid))
	if !res.IsValid {
		if iss, ok := res.FirstError(); ok {
			s.metrics.RecordValidationFailure(iss.Code)
		}
	}
	return res
}
