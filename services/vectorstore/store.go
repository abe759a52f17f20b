// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore persists semantic cache entries and answers
// nearest-neighbour queries over their question embeddings.
//
// # Description
//
// Three adapters implement Store:
//
//   - WeaviateStore: the production backend. Similarity search is delegated
//     to Weaviate's HNSW index with cosine distance.
//   - BadgerStore: an embedded on-disk store for single-node deployments.
//     Queries are a brute-force cosine scan over one namespace.
//   - MemoryStore: process-local, used by tests and offline development.
//
// Every adapter writes an entry in a single operation so a cancelled write
// never leaves a partial entry behind.
//
// # Thread Safety
//
// All adapters are safe for concurrent use.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

var (
	// ErrNotFound is returned when an entry does not exist in the namespace.
	ErrNotFound = errors.New("cache entry not found")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the dimension already established by stored entries.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidEntry is returned for entries missing an id, namespace or
	// embedding.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Match is one nearest-neighbour result.
type Match struct {
	Entry *datatypes.CacheEntry
	// Score is cosine similarity in [-1, 1]; higher is closer.
	Score float64
}

// Ref identifies an entry without loading it.
type Ref struct {
	Namespace string
	ID        string
}

// Mutation edits an entry in place during Update. Returning an error aborts
// the update without writing.
type Mutation func(e *datatypes.CacheEntry) error

// Store is the vector store port used by the semantic cache.
type Store interface {
	// Upsert writes the entry, replacing any entry with the same id.
	Upsert(ctx context.Context, entry *datatypes.CacheEntry) error

	// Query returns up to topK entries of the namespace ordered by
	// descending similarity to vector.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)

	// Get loads one entry.
	Get(ctx context.Context, namespace, id string) (*datatypes.CacheEntry, error)

	// Update applies mutate to the stored entry and writes it back. The
	// embedding is never changed by an update.
	Update(ctx context.Context, namespace, id string, mutate Mutation) (*datatypes.CacheEntry, error)

	// Delete removes one entry. Deleting a missing entry returns ErrNotFound.
	Delete(ctx context.Context, namespace, id string) error

	// ListExpired returns up to limit entries whose TTL elapsed before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Ref, error)

	// Close releases resources.
	Close() error
}

// validateEntry checks the fields every adapter needs.
func validateEntry(e *datatypes.CacheEntry) error {
	switch {
	case e == nil:
		return ErrInvalidEntry
	case e.ID == "":
		return errors.Join(ErrInvalidEntry, errors.New("id is required"))
	case e.Namespace == "":
		return errors.Join(ErrInvalidEntry, errors.New("namespace is required"))
	case len(e.Embedding) == 0:
		return errors.Join(ErrInvalidEntry, errors.New("embedding is required"))
	}
	return nil
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero magnitude score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topMatches sorts by descending score, breaking ties by newest entry, and
// keeps the first k.
func topMatches(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.Metadata.CreatedAt.After(matches[j].Entry.Metadata.CreatedAt)
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
