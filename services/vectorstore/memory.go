// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

// MemoryStore keeps entries in process memory. Entries are cloned on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]map[string]*datatypes.CacheEntry
	dimension int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]*datatypes.CacheEntry)}
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *datatypes.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension != 0 && len(entry.Embedding) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(entry.Embedding), s.dimension)
	}
	s.dimension = len(entry.Embedding)

	ns, ok := s.entries[entry.Namespace]
	if !ok {
		ns = make(map[string]*datatypes.CacheEntry)
		s.entries[entry.Namespace] = ns
	}
	ns[entry.ID] = entry.Clone()
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimension)
	}

	matches := make([]Match, 0, len(s.entries[namespace]))
	for _, e := range s.entries[namespace] {
		matches = append(matches, Match{Entry: e.Clone(), Score: Cosine(vector, e.Embedding)})
	}
	return topMatches(matches, topK), nil
}

func (s *MemoryStore) Get(ctx context.Context, namespace, id string) (*datatypes.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[namespace][id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, namespace, id string, mutate Mutation) (*datatypes.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[namespace][id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID, next.Namespace, next.Embedding = current.ID, current.Namespace, current.Embedding
	s.entries[namespace][id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[namespace][id]; !ok {
		return ErrNotFound
	}
	delete(s.entries[namespace], id)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []Ref
	for ns, entries := range s.entries {
		for id, e := range entries {
			if !e.Expired(now) {
				continue
			}
			refs = append(refs, Ref{Namespace: ns, ID: id})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
	}
	return refs, nil
}

// Len returns the number of entries across namespaces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ns := range s.entries {
		n += len(ns)
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }
