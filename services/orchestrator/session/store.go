// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds per-conversation state for the analytics pipeline.
//
// # Description
//
// The Store is a sharded map of conversations. Each conversation carries its
// own mutex, so operations on different conversations never contend on the
// same lock, while operations on one conversation are serialized. Callers that
// need to serialize a whole request (read history, call providers, append the
// answer) hold the conversation's turn via Acquire.
//
// Sessions live for the lifetime of the process unless explicitly cleared. An
// optional Mirror (for example RedisMirror) receives a snapshot after every
// mutation so that a conversation can be resumed by id after a restart.
//
// # Thread Safety
//
// All Store methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("session not found")

// ErrMessageNotFound is returned when a message id is unknown within a session.
var ErrMessageNotFound = errors.New("message not found")

const shardCount = 32

// Mirror persists session snapshots outside the process.
//
// # Description
//
// The Store is the source of truth; the mirror is written after each mutation
// and read only when an id is not found in memory. Mirror failures are logged
// and never fail the calling operation.
type Mirror interface {
	Save(ctx context.Context, s *datatypes.ConversationSession) error
	Load(ctx context.Context, id string) (*datatypes.ConversationSession, error)
	Delete(ctx context.Context, id string) error
}

// Store is the concurrency-safe conversation store.
type Store struct {
	shards [shardCount]*shard
	turns  *turnLocks
	mirror Mirror
	now    func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// entry guards one conversation.
type entry struct {
	mu      sync.Mutex
	session *datatypes.ConversationSession
}

// Option configures a Store.
type Option func(*Store)

// WithMirror attaches a persistence mirror.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		turns: newTurnLocks(),
		now:   time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// =============================================================================
// Lifecycle
// =============================================================================

// Create returns the session for id, creating it if needed.
//
// # Description
//
// An empty id yields a fresh conversation with a generated id. A non-empty id
// resumes the conversation if it exists in memory or in the mirror, and
// otherwise starts a new conversation under that id.
//
// # Outputs
//
//   - *datatypes.ConversationSession: Snapshot of the session.
//   - bool: True if the session was newly created.
func (s *Store) Create(ctx context.Context, id string) (*datatypes.ConversationSession, bool) {
	if id == "" {
		id = uuid.NewString()
	}

	if e, ok := s.lookup(ctx, id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), false
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	if e, ok := sh.sessions[id]; ok {
		sh.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), false
	}
	now := s.now()
	e := &entry{session: &datatypes.ConversationSession{
		ID:        id,
		Messages:  []datatypes.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	sh.sessions[id] = e
	sh.mu.Unlock()

	slog.Debug("Created conversation session", "conversation_id", id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.persist(ctx, e.session)
	return e.session.Clone(), true
}

// Get returns a snapshot of the session or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*datatypes.ConversationSession, error) {
	e, ok := s.lookup(ctx, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Clear removes a session. It returns ErrNotFound when the id is unknown.
func (s *Store) Clear(ctx context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, id); err != nil {
			slog.Warn("Failed to delete mirrored session", "conversation_id", id, "error", err)
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	slog.Info("Cleared conversation session", "conversation_id", id)
	return nil
}

// Len returns the number of sessions held in memory.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// =============================================================================
// Mutations
// =============================================================================

// AppendUserMessage appends a user message and returns its stored copy.
func (s *Store) AppendUserMessage(ctx context.Context, id, content string) (datatypes.Message, error) {
	var out datatypes.Message
	err := s.mutate(ctx, id, func(sess *datatypes.ConversationSession, now time.Time) error {
		out = datatypes.Message{
			ID:        uuid.NewString(),
			Role:      datatypes.RoleUser,
			Content:   content,
			Timestamp: now,
		}
		sess.Messages = append(sess.Messages, out)
		return nil
	})
	return out, err
}

// AppendAssistantMessage appends the assistant answer for the current turn.
//
// # Description
//
// The message id is the result's ResponseID so feedback keyed by response id
// resolves to this message. The result becomes the session's LastResult and
// TotalInteractions is incremented by one.
func (s *Store) AppendAssistantMessage(ctx context.Context, id string, result datatypes.ProcessingResult, meta datatypes.MessageMetadata) (datatypes.Message, error) {
	var out datatypes.Message
	err := s.mutate(ctx, id, func(sess *datatypes.ConversationSession, now time.Time) error {
		md := meta
		md.Tables = append([]string(nil), meta.Tables...)
		msgID := result.ResponseID
		if msgID == "" {
			msgID = uuid.NewString()
		}
		out = datatypes.Message{
			ID:        msgID,
			Role:      datatypes.RoleAssistant,
			Content:   result.Message,
			Timestamp: now,
			Metadata:  &md,
		}
		sess.Messages = append(sess.Messages, out)
		lr := result.Clone()
		sess.LastResult = &lr
		sess.TotalInteractions++
		return nil
	})
	return out.Clone(), err
}

// RecordFeedback attaches feedback to an existing message.
//
// # Outputs
//
//   - datatypes.Message: The message with feedback set.
//   - error: ErrNotFound or ErrMessageNotFound when the target is unknown.
func (s *Store) RecordFeedback(ctx context.Context, id, messageID string, fb datatypes.MessageFeedback) (datatypes.Message, error) {
	var out datatypes.Message
	err := s.mutate(ctx, id, func(sess *datatypes.ConversationSession, now time.Time) error {
		idx := sess.FindMessage(messageID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		if fb.Timestamp.IsZero() {
			fb.Timestamp = now
		}
		stored := fb
		sess.Messages[idx].Feedback = &stored
		out = sess.Messages[idx].Clone()
		return nil
	})
	return out, err
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*datatypes.ConversationSession, time.Time) error) error {
	e, ok := s.lookup(ctx, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	if err := fn(e.session, now); err != nil {
		return err
	}
	e.session.UpdatedAt = now
	s.persist(ctx, e.session)
	return nil
}

// lookup finds an entry in memory, falling back to the mirror.
func (s *Store) lookup(ctx context.Context, id string) (*entry, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if ok || s.mirror == nil || id == "" {
		return e, ok
	}

	restored, err := s.mirror.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Failed to load mirrored session", "conversation_id", id, "error", err)
		}
		return nil, false
	}
	if restored.Messages == nil {
		restored.Messages = []datatypes.Message{}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.sessions[id]; ok {
		return existing, true
	}
	e = &entry{session: restored}
	sh.sessions[id] = e
	slog.Info("Restored conversation session from mirror", "conversation_id", id,
		"messages", len(restored.Messages))
	return e, true
}

// persist must be called with the entry lock held.
func (s *Store) persist(ctx context.Context, sess *datatypes.ConversationSession) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(context.WithoutCancel(ctx), sess); err != nil {
		slog.Warn("Failed to mirror session", "conversation_id", sess.ID, "error", err)
	}
}

// =============================================================================
// Turn Serialization
// =============================================================================

// Acquire blocks until the caller holds the turn for conversation id.
//
// # Description
//
// Requests on the same conversation are processed one at a time, in the order
// they acquire the turn. Requests on different conversations never block each
// other. The returned release function must be called exactly once.
//
// # Outputs
//
//   - func(): Releases the turn.
//   - error: ctx.Err() if the context ends while waiting.
func (s *Store) Acquire(ctx context.Context, id string) (func(), error) {
	return s.turns.acquire(ctx, id)
}

// turnLocks is a keyed set of context-aware mutexes. Entries are reference
// counted and removed once no caller holds or waits on them.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	ch   chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

func (t *turnLocks) acquire(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &turnLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		t.unref(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			t.unref(id, l)
		})
	}, nil
}

func (t *turnLocks) unref(id string, l *turnLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}
