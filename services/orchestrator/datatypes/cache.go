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

import "time"

// CacheEntry is one unit of the semantic cache.
//
// # Description
//
// An entry pairs the embedding of a previously answered question with the
// answer that was produced for it. Vector stores persist an entry in a single
// write so it is either fully present or absent.
//
// # Invariants
//
//   - len(Embedding) equals the cache-wide dimension.
//   - Feedback counters never decrease except through an explicit reset.
//   - ErrorKind is set only for cached failures, which are stored with
//     Feedback.NeedsReview = true.
type CacheEntry struct {
	ID          string        `json:"id"`
	Namespace   string        `json:"namespace"`
	Question    string        `json:"question"`
	Embedding   []float32     `json:"embedding,omitempty"`
	SQL         string        `json:"sql,omitempty"`
	Result      *QueryResult  `json:"result,omitempty"`
	Response    string        `json:"response"`
	Suggestions []string      `json:"suggestions,omitempty"`
	ErrorKind   ErrorKind     `json:"errorKind,omitempty"`
	Metadata    CacheMetadata `json:"metadata"`
	Feedback    CacheFeedback `json:"feedback"`
	TTL         time.Duration `json:"ttl,omitempty"`
}

// CacheMetadata is bookkeeping attached to a cache entry.
type CacheMetadata struct {
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Version         string    `json:"version"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Tables          []string  `json:"tables,omitempty"`
}

// CacheFeedback aggregates feedback received for a cache entry.
type CacheFeedback struct {
	Positive    int      `json:"positive"`
	Negative    int      `json:"negative"`
	Comments    []string `json:"comments,omitempty"`
	NeedsReview bool     `json:"needsReview"`
}

// ExpiresAt returns the expiry instant, or the zero time when the entry has no
// TTL.
func (e *CacheEntry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.Metadata.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry has a TTL that has elapsed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Clone returns a deep copy of the entry.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Embedding = append([]float32(nil), e.Embedding...)
	out.Suggestions = append([]string(nil), e.Suggestions...)
	out.Metadata.Tables = append([]string(nil), e.Metadata.Tables...)
	out.Feedback.Comments = append([]string(nil), e.Feedback.Comments...)
	if e.Result != nil {
		r := *e.Result
		r.Columns = append([]string(nil), e.Result.Columns...)
		r.Rows = append([]map[string]any(nil), e.Result.Rows...)
		out.Result = &r
	}
	return &out
}

// CacheFeedbackUpdate is a single feedback event forwarded to the cache.
type CacheFeedbackUpdate struct {
	Type    FeedbackType
	Helpful bool
	Comment string
}
