// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the analyst over HTTP with gin.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/services"
)

var handlerTracer = otel.Tracer("aleutian.orchestrator.handlers")

// Analyst is the application surface the handlers call into.
// *services.AnalyticsService implements it.
type Analyst interface {
	Process(ctx context.Context, req *datatypes.AnalyticsRequest) (*datatypes.AnalyticsResponse, error)
	RecordFeedback(ctx context.Context, req *datatypes.FeedbackRequest) (*datatypes.FeedbackResponse, error)
	Conversation(ctx context.Context, id string) (*datatypes.ConversationSession, error)
	ClearConversation(ctx context.Context, id string) error
	ValidateSQL(ctx context.Context, sql string) datatypes.ValidationResult
}

var _ Analyst = (*services.AnalyticsService)(nil)

// HandleAnalyticsQuery answers one analytics question.
//
// # Description
//
// Binds the body into an AnalyticsRequest and runs it through the analyst.
// Pipeline failures (rejected SQL, warehouse errors, blocked messages) are
// part of a normal 200 response with metadata.source "error". Only a
// malformed request yields 400.
//
// # Examples
//
//	POST /v1/analytics/query
//	{"message": "Quais os 5 produtos mais vendidos?", "options": {"includeSql": false}}
func HandleAnalyticsQuery(analyst Analyst) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleAnalyticsQuery")
		defer span.End()

		var req datatypes.AnalyticsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid request body")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}

		resp, err := analyst.Process(ctx, &req)
		if err != nil {
			writeServiceError(c, span, "Analytics query failed", err)
			return
		}
		span.SetAttributes(
			attribute.String("conversation.id", resp.ConversationID),
			attribute.String("response.source", string(resp.Metadata.Source)),
		)
		c.JSON(http.StatusOK, resp)
	}
}

// HandleAnalyticsFeedback records thumbs up/down and comments on an answer.
//
// Every outcome uses the FeedbackResponse body. Failures carry status
// "error" with 400 for a malformed request, 404 for an unknown response id
// and 200 when the target was found but the write failed.
func HandleAnalyticsFeedback(analyst Analyst) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleAnalyticsFeedback")
		defer span.End()

		var req datatypes.FeedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid request body")
			c.JSON(http.StatusBadRequest, feedbackError(&req, "invalid request body: "+err.Error()))
			return
		}

		ack, err := analyst.RecordFeedback(ctx, &req)
		if err != nil {
			status := logServiceError(span, "Feedback failed", err)
			msg := "internal error"
			if status < http.StatusInternalServerError {
				msg = err.Error()
			}
			c.JSON(status, feedbackError(&req, msg))
			return
		}
		if ack.Status == datatypes.FeedbackStatusError {
			span.SetStatus(codes.Error, ack.Message)
		}
		c.JSON(http.StatusOK, ack)
	}
}

func feedbackError(req *datatypes.FeedbackRequest, msg string) datatypes.FeedbackResponse {
	return datatypes.FeedbackResponse{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		ResponseID:     req.ResponseID,
		Status:         datatypes.FeedbackStatusError,
		Message:        msg,
	}
}

// GetConversation returns the stored history of a conversation.
func GetConversation(analyst Analyst) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		sess, err := analyst.Conversation(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, trace.SpanFromContext(c.Request.Context()), "Conversation lookup failed", err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// DeleteConversation drops a conversation and its history.
func DeleteConversation(analyst Analyst) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := analyst.ClearConversation(c.Request.Context(), id); err != nil {
			writeServiceError(c, trace.SpanFromContext(c.Request.Context()), "Conversation delete failed", err)
			return
		}
		slog.Info("Conversation cleared", "conversation_id", id)
		c.Status(http.StatusNoContent)
	}
}

// HandleValidateSQL checks SQL against the security policy without running it.
// The result is returned with 200 whether or not the SQL is valid.
func HandleValidateSQL(analyst Analyst) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ValidateSQLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, analyst.ValidateSQL(c.Request.Context(), req.SQL))
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeServiceError maps service sentinel errors onto status codes.
func writeServiceError(c *gin.Context, span trace.Span, msg string, err error) {
	status := logServiceError(span, msg, err)
	body := gin.H{"error": "internal error"}
	if status < http.StatusInternalServerError {
		body = gin.H{"error": err.Error()}
	}
	c.JSON(status, body)
}

// logServiceError records err and returns the status code it maps to.
func logServiceError(span trace.Span, msg string, err error) int {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrFeedbackTargetNotFound):
		status = http.StatusNotFound
	}

	span.RecordError(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "error", err)
	} else {
		slog.Warn(msg, "status", status, "error", err)
	}
	return status
}
