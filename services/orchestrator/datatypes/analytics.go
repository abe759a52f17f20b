// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request, response, session and cache types
// shared across the analyst.
package datatypes

import "time"

// =============================================================================
// Answer Sources
// =============================================================================

// Source identifies where an answer came from.
//
// The HTTP response uses SourceQuery for freshly executed answers while the
// stored assistant message uses SourceGenerated for the same event.
type Source string

const (
	SourceCache          Source = "cache"
	SourceQuery          Source = "query"
	SourceGenerated      Source = "generated"
	SourceConversational Source = "conversational"
	SourceError          Source = "error"
)

// DataType describes the shape of the structured payload attached to an answer.
type DataType string

const (
	DataTypeTable  DataType = "table"
	DataTypeScalar DataType = "scalar"
	DataTypeChart  DataType = "chart"
)

// FeedbackType is the polarity of user feedback on an answer.
type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
)

// =============================================================================
// Request Types
// =============================================================================

// AnalyticsRequest is the body of POST /v1/analytics/query.
//
// # Description
//
// Carries one natural-language question. ConversationID resumes an existing
// conversation; when empty a new conversation is created and its id is
// returned in the response.
//
// # Examples
//
//	{
//	  "message": "top 5 produtos mais vendidos em janeiro de 2025",
//	  "conversationId": "c0a8...",
//	  "options": {"maxResultRows": 50, "includeSql": true}
//	}
type AnalyticsRequest struct {
	Message        string          `json:"message" binding:"required"`
	ConversationID string          `json:"conversationId,omitempty"`
	Context        *RequestContext `json:"context,omitempty"`
	Options        *RequestOptions `json:"options,omitempty"`
}

// RequestContext narrows how a question should be interpreted.
type RequestContext struct {
	TimeRange              *TimeRange     `json:"timeRange,omitempty"`
	Filters                map[string]any `json:"filters,omitempty"`
	PreferredVisualization string         `json:"preferredVisualization,omitempty"`
}

// TimeRange is an inclusive date window expressed as ISO-8601 dates.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RequestOptions tune a single request.
//
// Timeout is expressed in milliseconds. IncludeSQL is a pointer so that an
// omitted field can fall back to the service default.
type RequestOptions struct {
	MaxResultRows int   `json:"maxResultRows,omitempty" binding:"omitempty,min=1,max=100000"`
	IncludeSQL    *bool `json:"includeSql,omitempty"`
	Timeout       int   `json:"timeout,omitempty" binding:"omitempty,min=1"`
}

// TimeoutDuration returns the requested timeout or zero when none was given.
func (o *RequestOptions) TimeoutDuration() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return 0
	}
	return time.Duration(o.Timeout) * time.Millisecond
}

// =============================================================================
// Response Types
// =============================================================================

// AnalyticsResponse is returned for every processed question, including
// failures. Failures carry Metadata.Source == SourceError and a friendly
// message; they are never surfaced as transport errors.
type AnalyticsResponse struct {
	ID              string           `json:"id"`
	ConversationID  string           `json:"conversationId"`
	Message         string           `json:"message"`
	Metadata        ResponseMetadata `json:"metadata"`
	Data            *ResultData      `json:"data,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
	FeedbackOptions FeedbackOptions  `json:"feedbackOptions"`
}

// ResponseMetadata describes how an answer was produced.
type ResponseMetadata struct {
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Source           Source    `json:"source"`
	Confidence       float64   `json:"confidence"`
	Tables           []string  `json:"tables,omitempty"`
	SQL              string    `json:"sql,omitempty"`
	ErrorType        ErrorKind `json:"errorType,omitempty"`
}

// ResultData is the structured payload behind an answer.
type ResultData struct {
	Type    DataType `json:"type"`
	Content any      `json:"content"`
}

// FeedbackOptions advertises which feedback affordances the client may show.
type FeedbackOptions struct {
	ThumbsUp       bool `json:"thumbsUp"`
	ThumbsDown     bool `json:"thumbsDown"`
	CommentEnabled bool `json:"commentEnabled"`
}

// DefaultFeedbackOptions enables every affordance.
func DefaultFeedbackOptions() FeedbackOptions {
	return FeedbackOptions{ThumbsUp: true, ThumbsDown: true, CommentEnabled: true}
}

// =============================================================================
// Feedback Types
// =============================================================================

// FeedbackRequest is the body of POST /v1/analytics/feedback.
//
// ResponseID is the id of the AnalyticsResponse (the assistant message id).
type FeedbackRequest struct {
	ConversationID string       `json:"conversationId"`
	ResponseID     string       `json:"responseId" binding:"required"`
	Type           FeedbackType `json:"type" binding:"required,oneof=positive negative"`
	Helpful        bool         `json:"helpful"`
	Comment        string       `json:"comment,omitempty" binding:"max=2000"`
}

// FeedbackStatus is the outcome of a feedback submission.
type FeedbackStatus string

const (
	FeedbackStatusSuccess FeedbackStatus = "success"
	FeedbackStatusError   FeedbackStatus = "error"
)

// FeedbackResponse acknowledges a feedback submission.
type FeedbackResponse struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	ResponseID     string         `json:"responseId"`
	Status         FeedbackStatus `json:"status"`
	Message        string         `json:"message"`
}

// ValidateSQLRequest is the body of POST /v1/sql/validate.
type ValidateSQLRequest struct {
	SQL string `json:"sql" binding:"required"`
}
