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
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// =============================================================================
// Conversation Session
// =============================================================================

// ConversationSession is the in-memory state of one conversation.
//
// # Description
//
// Messages are append-only; the only post-hoc mutation is setting Feedback on
// an existing message. TotalInteractions counts completed request/answer
// exchanges and increases by exactly one per processed request.
//
// # Thread Safety
//
// Values handed out by the session store are deep copies and may be read
// freely. Mutation happens only inside the store.
type ConversationSession struct {
	ID                string            `json:"id"`
	Messages          []Message         `json:"messages"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	TotalInteractions int               `json:"totalInteractions"`
	LastResult        *ProcessingResult `json:"lastResult,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i := range s.Messages {
		out.Messages[i] = s.Messages[i].Clone()
	}
	if s.LastResult != nil {
		lr := s.LastResult.Clone()
		out.LastResult = &lr
	}
	return &out
}

// FindMessage returns the index of the message with the given id or -1.
func (s *ConversationSession) FindMessage(messageID string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// PairedUserMessage returns the user message that precedes the assistant
// message at index i, or nil when there is none.
func (s *ConversationSession) PairedUserMessage(i int) *Message {
	for j := i - 1; j >= 0; j-- {
		if s.Messages[j].Role == RoleUser {
			return &s.Messages[j]
		}
		if s.Messages[j].Role == RoleAssistant {
			return nil
		}
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

// Message is one entry of a conversation.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	Feedback  *MessageFeedback `json:"feedback,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := *m.Metadata
		md.Tables = append([]string(nil), m.Metadata.Tables...)
		m.Metadata = &md
	}
	if m.Feedback != nil {
		fb := *m.Feedback
		m.Feedback = &fb
	}
	return m
}

// MessageMetadata records how an assistant message was produced.
//
// CacheEntryID links the message to the semantic cache entry that feedback on
// this message should be routed to.
type MessageMetadata struct {
	Source       Source   `json:"source"`
	Confidence   float64  `json:"confidence"`
	Tables       []string `json:"tables,omitempty"`
	SQL          string   `json:"sql,omitempty"`
	CacheEntryID string   `json:"cacheEntryId,omitempty"`
}

// MessageFeedback is user feedback attached to an assistant message.
type MessageFeedback struct {
	Type      FeedbackType `json:"type"`
	Helpful   bool         `json:"helpful"`
	Comment   string       `json:"comment,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// =============================================================================
// Processing Result
// =============================================================================

// ProcessingResult is the outcome of one pipeline run.
//
// Detail is a closed union: exactly one of *CacheResult, *GeneratedResult,
// *ConversationalResult or *ErrorResult, each carrying only the fields that
// make sense for that outcome.
type ProcessingResult struct {
	ResponseID       string       `json:"responseId"`
	Message          string       `json:"message"`
	Source           Source       `json:"source"`
	Confidence       float64      `json:"confidence"`
	ProcessingTimeMs int64        `json:"processingTimeMs"`
	Data             *ResultData  `json:"data,omitempty"`
	Suggestions      []string     `json:"suggestions,omitempty"`
	Detail           ResultDetail `json:"-"`
}

// Clone returns a copy of the result with its own suggestion slice.
func (r ProcessingResult) Clone() ProcessingResult {
	r.Suggestions = append([]string(nil), r.Suggestions...)
	return r
}

// ResultDetail is implemented by the per-source result variants.
type ResultDetail interface {
	resultSource() Source
}

// CacheResult is produced when the answer came from the semantic cache or
// from narrowing an earlier answer in the same conversation.
type CacheResult struct {
	EntryID    string   `json:"entryId,omitempty"`
	Similarity float64  `json:"similarity"`
	Exact      bool     `json:"exact"`
	Adapted    bool     `json:"adapted"`
	Subset     bool     `json:"subset"`
	SQL        string   `json:"sql,omitempty"`
	Tables     []string `json:"tables,omitempty"`
}

// GeneratedResult is produced by a fresh generate, validate, execute and
// synthesize run.
type GeneratedResult struct {
	EntryID         string   `json:"entryId,omitempty"`
	SQL             string   `json:"sql"`
	Tables          []string `json:"tables,omitempty"`
	TotalRows       int      `json:"totalRows"`
	BytesProcessed  int64    `json:"bytesProcessed"`
	ExecutionTimeMs int64    `json:"executionTimeMs"`
}

// ConversationalResult is produced for small talk and canned knowledge.
type ConversationalResult struct {
	Intent  string `json:"intent"`
	Subtype string `json:"subtype,omitempty"`
}

// ErrorResult is produced when the pipeline could not answer.
type ErrorResult struct {
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code,omitempty"`
	SQL       string    `json:"sql,omitempty"`
	Cacheable bool      `json:"cacheable"`
}

func (*CacheResult) resultSource() Source          { return SourceCache }
func (*GeneratedResult) resultSource() Source      { return SourceGenerated }
func (*ConversationalResult) resultSource() Source { return SourceConversational }
func (*ErrorResult) resultSource() Source          { return SourceError }

var (
	_ ResultDetail = (*CacheResult)(nil)
	_ ResultDetail = (*GeneratedResult)(nil)
	_ ResultDetail = (*ConversationalResult)(nil)
	_ ResultDetail = (*ErrorResult)(nil)
)

// MessageSource maps a result detail to the source recorded on the stored
// assistant message.
func MessageSource(d ResultDetail) Source {
	if d == nil {
		return SourceError
	}
	return d.resultSource()
}

// resultEnvelope is the wire form of ProcessingResult. The detail variant is
// tagged with its source so it can be decoded back into the right type.
type resultEnvelope struct {
	resultFields
	DetailKind Source          `json:"detailKind,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

type resultFields struct {
	ResponseID       string      `json:"responseId"`
	Message          string      `json:"message"`
	Source           Source      `json:"source"`
	Confidence       float64     `json:"confidence"`
	ProcessingTimeMs int64       `json:"processingTimeMs"`
	Data             *ResultData `json:"data,omitempty"`
	Suggestions      []string    `json:"suggestions,omitempty"`
}

// MarshalJSON encodes the result with a detail discriminator.
func (r ProcessingResult) MarshalJSON() ([]byte, error) {
	env := resultEnvelope{resultFields: resultFields{
		ResponseID:       r.ResponseID,
		Message:          r.Message,
		Source:           r.Source,
		Confidence:       r.Confidence,
		ProcessingTimeMs: r.ProcessingTimeMs,
		Data:             r.Data,
		Suggestions:      r.Suggestions,
	}}
	if r.Detail != nil {
		raw, err := json.Marshal(r.Detail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result detail: %w", err)
		}
		env.DetailKind = r.Detail.resultSource()
		env.Detail = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a result written by MarshalJSON.
func (r *ProcessingResult) UnmarshalJSON(b []byte) error {
	var env resultEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*r = ProcessingResult{
		ResponseID:       env.ResponseID,
		Message:          env.Message,
		Source:           env.Source,
		Confidence:       env.Confidence,
		ProcessingTimeMs: env.ProcessingTimeMs,
		Data:             env.Data,
		Suggestions:      env.Suggestions,
	}
	if len(env.Detail) == 0 {
		return nil
	}
	var detail ResultDetail
	switch env.DetailKind {
	case SourceCache:
		detail = &CacheResult{}
	case SourceGenerated:
		detail = &GeneratedResult{}
	case SourceConversational:
		detail = &ConversationalResult{}
	case SourceError:
		detail = &ErrorResult{}
	default:
		return fmt.Errorf("unknown result detail kind %q", env.DetailKind)
	}
	if err := json.Unmarshal(env.Detail, detail); err != nil {
		return fmt.Errorf("failed to unmarshal %s result detail: %w", env.DetailKind, err)
	}
	r.Detail = detail
	return nil
}
