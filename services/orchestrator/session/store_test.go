// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMirror is an in-memory Mirror used to exercise restore paths.
type fakeMirror struct {
	mu       sync.Mutex
	sessions map[string]*datatypes.ConversationSession
	saves    int
	loadErr  error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{sessions: make(map[string]*datatypes.ConversationSession)}
}

func (m *fakeMirror) Save(_ context.Context, s *datatypes.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *fakeMirror) Load(_ context.Context, id string) (*datatypes.ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *fakeMirror) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// TestStore_CreateWithEmptyIDGeneratesID verifies that a new conversation
// receives a generated id.
func TestStore_CreateWithEmptyIDGeneratesID(t *testing.T) {
	// Arrange
	store := NewStore()

	// Act
	sess, created := store.Create(context.Background(), "")

	// Assert
	assert.True(t, created)
	assert.NotEmpty(t, sess.ID)
	assert.Empty(t, sess.Messages)
	assert.Equal(t, 1, store.Len())
}

// TestStore_CreateResumesExisting verifies that Create with a known id returns
// the existing session instead of a fresh one.
func TestStore_CreateResumesExisting(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := NewStore()
	first, _ := store.Create(ctx, "conv-1")
	_, err := store.AppendUserMessage(ctx, first.ID, "oi")
	require.NoError(t, err)

	// Act
	again, created := store.Create(ctx, "conv-1")

	// Assert
	assert.False(t, created)
	assert.Len(t, again.Messages, 1)
}

// TestStore_GetUnknown verifies the NotFound contract.
func TestStore_GetUnknown(t *testing.T) {
	store := NewStore()

	_, err := store.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStore_AppendAndSnapshotIsolation verifies that snapshots are deep copies
// and that assistant appends update LastResult and TotalInteractions.
func TestStore_AppendAndSnapshotIsolation(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := NewStore()
	sess, _ := store.Create(ctx, "conv-2")

	// Act
	_, err := store.AppendUserMessage(ctx, sess.ID, "top 5 produtos")
	require.NoError(t, err)
	msg, err := store.AppendAssistantMessage(ctx, sess.ID, datatypes.ProcessingResult{
		ResponseID: "resp-1",
		Message:    "1. **A** - 10 unidades",
		Source:     datatypes.SourceQuery,
		Detail:     &datatypes.GeneratedResult{SQL: "SELECT 1"},
	}, datatypes.MessageMetadata{Source: datatypes.SourceGenerated, CacheEntryID: "entry-1", Tables: []string{"pedidos"}})
	require.NoError(t, err)

	snap, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	snap.Messages[1].Metadata.Tables[0] = "mutated"

	// Assert
	assert.Equal(t, "resp-1", msg.ID)
	again, _ := store.Get(ctx, sess.ID)
	assert.Equal(t, "pedidos", again.Messages[1].Metadata.Tables[0])
	assert.Equal(t, 1, again.TotalInteractions)
	require.NotNil(t, again.LastResult)
	assert.Equal(t, "resp-1", again.LastResult.ResponseID)
	assert.Equal(t, datatypes.RoleUser, again.Messages[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, again.Messages[1].Role)
}

// TestStore_RecordFeedback verifies feedback attachment and lookups by id.
func TestStore_RecordFeedback(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sess, _ := store.Create(ctx, "conv-3")
	_, _ = store.AppendUserMessage(ctx, sess.ID, "q")
	_, _ = store.AppendAssistantMessage(ctx, sess.ID,
		datatypes.ProcessingResult{ResponseID: "r1", Message: "a"},
		datatypes.MessageMetadata{Source: datatypes.SourceCache, CacheEntryID: "e1"})

	tests := []struct {
		name      string
		convID    string
		messageID string
		wantErr   error
	}{
		{name: "known message", convID: sess.ID, messageID: "r1"},
		{name: "unknown message", convID: sess.ID, messageID: "nope", wantErr: ErrMessageNotFound},
		{name: "unknown session", convID: "other", messageID: "r1", wantErr: ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := store.RecordFeedback(ctx, tc.convID, tc.messageID, datatypes.MessageFeedback{
				Type: datatypes.FeedbackNegative, Comment: "wrong month",
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, msg.Feedback)
			assert.Equal(t, datatypes.FeedbackNegative, msg.Feedback.Type)
			assert.False(t, msg.Feedback.Timestamp.IsZero())
			assert.Equal(t, "e1", msg.Metadata.CacheEntryID)
		})
	}
}

// TestStore_Clear verifies explicit removal.
func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sess, _ := store.Create(ctx, "conv-4")

	require.NoError(t, store.Clear(ctx, sess.ID))
	assert.ErrorIs(t, store.Clear(ctx, sess.ID), ErrNotFound)
	_, err := store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStore_SameConversationTurnsAreSerialized verifies that concurrent
// requests holding the turn increment TotalInteractions exactly once each and
// never interleave.
func TestStore_SameConversationTurnsAreSerialized(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := NewStore()
	sess, _ := store.Create(ctx, "conv-5")
	const workers = 25

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		observed []int
		inTurn   int
		overlap  bool
	)

	// Act
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := store.Acquire(ctx, sess.ID)
			require.NoError(t, err)
			defer release()

			mu.Lock()
			inTurn++
			if inTurn > 1 {
				overlap = true
			}
			mu.Unlock()

			before, _ := store.Get(ctx, sess.ID)
			_, _ = store.AppendUserMessage(ctx, sess.ID, "q")
			time.Sleep(time.Millisecond)
			_, _ = store.AppendAssistantMessage(ctx, sess.ID, datatypes.ProcessingResult{Message: "a"}, datatypes.MessageMetadata{})
			after, _ := store.Get(ctx, sess.ID)

			mu.Lock()
			observed = append(observed, after.TotalInteractions-before.TotalInteractions)
			inTurn--
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Assert
	assert.False(t, overlap, "turns overlapped")
	final, _ := store.Get(ctx, sess.ID)
	assert.Equal(t, workers, final.TotalInteractions)
	assert.Len(t, final.Messages, workers*2)
	for _, delta := range observed {
		assert.Equal(t, 1, delta)
	}
	for i := 0; i < len(final.Messages); i += 2 {
		assert.Equal(t, datatypes.RoleUser, final.Messages[i].Role)
		assert.Equal(t, datatypes.RoleAssistant, final.Messages[i+1].Role)
	}
}

// TestStore_DifferentConversationsDoNotBlock verifies that holding one
// conversation's turn does not block another conversation.
func TestStore_DifferentConversationsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	releaseA, err := store.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := store.Acquire(waitCtx, "b")
	require.NoError(t, err)
	releaseB()
}

// TestStore_AcquireHonoursContext verifies that waiting for a busy turn ends
// when the context does.
func TestStore_AcquireHonoursContext(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	release, err := store.Acquire(ctx, "busy")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(waitCtx, "busy")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()
	release()
	again, err := store.Acquire(ctx, "busy")
	require.NoError(t, err)
	again()
}

// TestStore_RestoresFromMirror verifies that a session written through one
// store can be resumed by id from a fresh store sharing the mirror.
func TestStore_RestoresFromMirror(t *testing.T) {
	// Arrange
	ctx := context.Background()
	mirror := newFakeMirror()
	first := NewStore(WithMirror(mirror))
	sess, _ := first.Create(ctx, "conv-6")
	_, _ = first.AppendUserMessage(ctx, sess.ID, "hello")
	_, _ = first.AppendAssistantMessage(ctx, sess.ID, datatypes.ProcessingResult{
		ResponseID: "r1",
		Message:    "hi",
		Detail:     &datatypes.ConversationalResult{Intent: "conversational", Subtype: "greeting"},
	}, datatypes.MessageMetadata{Source: datatypes.SourceConversational})

	// Act
	second := NewStore(WithMirror(mirror))
	restored, err := second.Get(ctx, sess.ID)

	// Assert
	require.NoError(t, err)
	assert.Len(t, restored.Messages, 2)
	assert.Equal(t, 1, restored.TotalInteractions)
	assert.GreaterOrEqual(t, mirror.saves, 3)
}

// TestStore_MirrorFailureIsNotFatal verifies that a failing mirror read is
// reported as NotFound instead of an error.
func TestStore_MirrorFailureIsNotFatal(t *testing.T) {
	mirror := newFakeMirror()
	mirror.loadErr = errors.New("connection refused")
	store := NewStore(WithMirror(mirror))

	_, err := store.Get(context.Background(), "unknown")

	assert.ErrorIs(t, err, ErrNotFound)
}
