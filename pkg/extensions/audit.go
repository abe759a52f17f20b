// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit event types emitted by the analytics pipeline.
const (
	// EventQueryRejected is emitted when a question is refused before
	// execution: blocked by the data-classification gate or its SQL rejected
	// by the validator.
	EventQueryRejected = "query.rejected"

	// EventQueryExecuted is emitted after generated SQL ran on the warehouse.
	EventQueryExecuted = "query.executed"

	// EventFeedbackRecorded is emitted when feedback is attached to an answer.
	EventFeedbackRecorded = "feedback.recorded"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeBlocked = "blocked"
	OutcomeFailure = "failure"
)

// AuditEvent represents a single auditable action in the system.
//
// Events carry identifiers and classification names only, never raw message
// text or credentials.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    EventQueryExecuted,
//	    UserID:       authInfo.UserID,
//	    Action:       "execute",
//	    ResourceType: "query",
//	    ResourceID:   responseID,
//	    Outcome:      OutcomeSuccess,
//	    Metadata: map[string]any{
//	        "conversation_id": conversationID,
//	        "tables":          []string{"ecommerce.pedidos"},
//	    },
//	}
type AuditEvent struct {
	// EventType categorizes the event, formatted "category.action".
	EventType string

	// Timestamp is when the event occurred. Loggers fill it when zero.
	Timestamp time.Time

	// UserID identifies who performed the action. "anonymous" if unknown.
	UserID string

	// Action describes what operation was attempted.
	Action string

	// ResourceType is the category of resource involved
	// ("query", "response", "conversation").
	ResourceType string

	// ResourceID is the specific resource instance.
	ResourceID string

	// Outcome is one of OutcomeSuccess, OutcomeBlocked or OutcomeFailure.
	Outcome string

	// Metadata holds event-specific details such as error codes.
	Metadata map[string]any
}

// AuditFilter defines criteria for querying audit events.
//
// All fields are optional and combined with AND logic.
type AuditFilter struct {
	EventTypes   []string
	UserID       string
	StartTime    time.Time
	EndTime      time.Time
	ResourceType string
	ResourceID   string
	Outcome      string

	// Limit is the maximum number of events to return. Zero means no limit.
	Limit int
	// Offset is the number of matching events to skip.
	Offset int
}

// Matches reports whether event satisfies every set criterion.
func (f AuditFilter) Matches(event AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && f.UserID != event.UserID {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && !event.Timestamp.Before(f.EndTime) {
		return false
	}
	if f.ResourceType != "" && f.ResourceType != event.ResourceType {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != event.ResourceID {
		return false
	}
	if f.Outcome != "" && f.Outcome != event.Outcome {
		return false
	}
	return true
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use. Log is called on the
// request path, so it should return quickly; a failing Log never fails the
// request.
type AuditLogger interface {
	// Log records an event. Timestamp is set when zero.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// =============================================================================
// No-op Logger
// =============================================================================

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns an empty slice.
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// =============================================================================
// In-memory Logger
// =============================================================================

// DefaultAuditCapacity is the number of events MemoryAuditLogger retains.
const DefaultAuditCapacity = 10000

// MemoryAuditLogger keeps the most recent events in a ring buffer and mirrors
// each one to slog.
//
// # Description
//
// Suitable for single-instance deployments and tests. When the buffer is
// full the oldest event is overwritten.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.RWMutex
	events []AuditEvent
	next   int
	full   bool
	now    func() time.Time
}

// NewMemoryAuditLogger creates a logger retaining up to capacity events.
// A non-positive capacity uses DefaultAuditCapacity.
func NewMemoryAuditLogger(capacity int) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &MemoryAuditLogger{
		events: make([]AuditEvent, capacity),
		now:    time.Now,
	}
}

// Log stores the event and writes it to the structured log.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	if event.Metadata != nil {
		md := make(map[string]any, len(event.Metadata))
		for k, v := range event.Metadata {
			md[k] = v
		}
		event.Metadata = md
	}

	l.mu.Lock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	slog.InfoContext(ctx, "Audit event",
		"event_type", event.EventType,
		"user_id", event.UserID,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"outcome", event.Outcome,
	)
	return nil
}

// Query returns matching events, newest first, honoring Offset and Limit.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.events)
	}

	out := []AuditEvent{}
	skipped := 0
	for i := 0; i < count; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		ev := l.events[idx]
		if !filter.Matches(ev) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op; events are held in memory.
func (l *MemoryAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
