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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.vectorstore")

// WeaviateStore stores entries as SemanticCacheEntry objects. The Weaviate
// object UUID is the entry id.
type WeaviateStore struct {
	client *weaviate.Client
	retry  retry.Policy
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore wraps a connected client. The schema must already exist
// (see datatypes.EnsureWeaviateSchema).
func NewWeaviateStore(client *weaviate.Client, policy retry.Policy) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if policy.Retryable == nil {
		policy.Retryable = isRetryableWeaviateError
	}
	return &WeaviateStore{client: client, retry: policy}, nil
}

// isRetryableWeaviateError retries transport failures and 5xx/429 replies.
func isRetryableWeaviateError(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) {
		if werr.StatusCode == 0 {
			return true
		}
		return werr.StatusCode == 429 || werr.StatusCode >= 500
	}
	return true
}

func isNotFoundError(err error) bool {
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) && werr.StatusCode == 404 {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "404")
}

func (s *WeaviateStore) Upsert(ctx context.Context, entry *datatypes.CacheEntry) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Upsert")
	defer span.End()

	if err := validateEntry(entry); err != nil {
		return err
	}
	props, err := datatypes.NewSemanticCacheProperties(entry)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("entry_id", entry.ID), attribute.String("namespace", entry.Namespace))

	_, err = retry.Do(ctx, s.retry, "weaviate.upsert", func(ctx context.Context) (struct{}, error) {
		exists, err := s.client.Data().Checker().
			WithClassName(datatypes.SemanticCacheClass).
			WithID(entry.ID).
			Do(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if exists {
			return struct{}{}, s.client.Data().Updater().
				WithClassName(datatypes.SemanticCacheClass).
				WithID(entry.ID).
				WithProperties(props.ToMap()).
				WithVector(entry.Embedding).
				Do(ctx)
		}
		_, err = s.client.Data().Creator().
			WithClassName(datatypes.SemanticCacheClass).
			WithID(entry.ID).
			WithProperties(props.ToMap()).
			WithVector(entry.Embedding).
			Do(ctx)
		return struct{}{}, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("failed to write cache entry to weaviate: %w", err)
	}
	return nil
}

func queryFields() []graphql.Field {
	fields := make([]graphql.Field, 0, len(datatypes.SemanticCacheFields)+1)
	for _, name := range datatypes.SemanticCacheFields {
		fields = append(fields, graphql.Field{Name: name})
	}
	return append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "distance"},
		{Name: "vector"},
	}})
}

func namespaceFilter(namespace string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"namespace"}).
		WithOperator(filters.Equal).
		WithValueString(namespace)
}

func (s *WeaviateStore) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Query")
	defer span.End()

	if topK <= 0 {
		topK = 1
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	parsed, err := retry.Do(ctx, s.retry, "weaviate.query", func(ctx context.Context) (*datatypes.SemanticCacheQueryResponse, error) {
		result, err := s.client.GraphQL().Get().
			WithClassName(datatypes.SemanticCacheClass).
			WithFields(queryFields()...).
			WithWhere(namespaceFilter(namespace)).
			WithNearVector(nearVector).
			WithLimit(topK).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		parsed, err := datatypes.ParseGraphQLResponse[datatypes.SemanticCacheQueryResponse](result)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return parsed, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	matches := make([]Match, 0, len(parsed.Get.Entries))
	for _, r := range parsed.Get.Entries {
		e, err := r.ToEntry(r.Additional.ID, r.Additional.Vector)
		if err != nil {
			slog.Warn("Skipping undecodable cache entry", "id", r.Additional.ID, "error", err)
			continue
		}
		score := 0.0
		if r.Additional.Distance != nil {
			score = 1 - float64(*r.Additional.Distance)
		} else {
			score = Cosine(vector, r.Additional.Vector)
		}
		matches = append(matches, Match{Entry: e, Score: score})
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return topMatches(matches, topK), nil
}

func (s *WeaviateStore) Get(ctx context.Context, namespace, id string) (*datatypes.CacheEntry, error) {
	objs, err := retry.Do(ctx, s.retry, "weaviate.get", func(ctx context.Context) ([]*weaviateObject, error) {
		res, err := s.client.Data().ObjectsGetter().
			WithClassName(datatypes.SemanticCacheClass).
			WithID(id).
			WithVector().
			Do(ctx)
		if err != nil {
			if isNotFoundError(err) {
				return nil, retry.Permanent(ErrNotFound)
			}
			return nil, err
		}
		out := make([]*weaviateObject, 0, len(res))
		for _, o := range res {
			out = append(out, &weaviateObject{id: string(o.ID), vector: o.Vector, properties: o.Properties})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, ErrNotFound
	}
	e, err := objs[0].entry()
	if err != nil {
		return nil, err
	}
	if e.Namespace != namespace {
		return nil, ErrNotFound
	}
	return e, nil
}

type weaviateObject struct {
	id         string
	vector     []float32
	properties interface{}
}

func (o *weaviateObject) entry() (*datatypes.CacheEntry, error) {
	raw, err := json.Marshal(o.properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode object properties: %w", err)
	}
	var props datatypes.SemanticCacheProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("failed to decode object properties: %w", err)
	}
	return props.ToEntry(o.id, o.vector)
}

func (s *WeaviateStore) Update(ctx context.Context, namespace, id string, mutate Mutation) (*datatypes.CacheEntry, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Update")
	defer span.End()

	current, err := s.Get(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID, next.Namespace, next.Embedding = current.ID, current.Namespace, current.Embedding

	props, err := datatypes.NewSemanticCacheProperties(next)
	if err != nil {
		return nil, err
	}
	_, err = retry.Do(ctx, s.retry, "weaviate.update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.Data().Updater().
			WithClassName(datatypes.SemanticCacheClass).
			WithID(id).
			WithProperties(props.ToMap()).
			WithMerge().
			Do(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update cache entry %s: %w", id, err)
	}
	return next, nil
}

func (s *WeaviateStore) Delete(ctx context.Context, namespace, id string) error {
	if _, err := s.Get(ctx, namespace, id); err != nil {
		return err
	}
	_, err := retry.Do(ctx, s.retry, "weaviate.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.Data().Deleter().
			WithClassName(datatypes.SemanticCacheClass).
			WithID(id).
			Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", id, err)
	}
	return nil
}

func (s *WeaviateStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Ref, error) {
	if limit <= 0 {
		limit = 100
	}
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"expires_at"}).
				WithOperator(filters.GreaterThan).
				WithValueInt(0),
			filters.Where().
				WithPath([]string{"expires_at"}).
				WithOperator(filters.LessThanEqual).
				WithValueInt(now.UnixMilli()),
		})

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.SemanticCacheClass).
		WithFields(graphql.Field{Name: "namespace"}, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired cache entries: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.SemanticCacheQueryResponse](result)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(parsed.Get.Entries))
	for _, r := range parsed.Get.Entries {
		refs = append(refs, Ref{Namespace: r.Namespace, ID: r.Additional.ID})
	}
	return refs, nil
}

// Close is a no-op; the Weaviate client holds no long-lived connections.
func (s *WeaviateStore) Close() error { return nil }
