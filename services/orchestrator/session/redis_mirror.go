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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/go-redis/redis/v8"
)

// RedisMirrorConfig configures RedisMirror.
type RedisMirrorConfig struct {
	// Addr is host:port of the Redis server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// Prefix namespaces keys. Default: "aleutian:analyst:session:".
	Prefix string
	// TTL bounds how long an idle snapshot survives in Redis. Default: 24h.
	TTL time.Duration
}

// RedisMirror stores session snapshots as JSON strings in Redis.
//
// Data model: key Prefix+id holds JSON(ConversationSession) with TTL, which is
// refreshed on every save.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to Redis and verifies the connection with PING.
func NewRedisMirror(ctx context.Context, cfg RedisMirrorConfig) (*RedisMirror, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return newRedisMirror(client, cfg), nil
}

func newRedisMirror(client *redis.Client, cfg RedisMirrorConfig) *RedisMirror {
	if cfg.Prefix == "" {
		cfg.Prefix = "aleutian:analyst:session:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisMirror{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

func (m *RedisMirror) key(id string) string { return m.prefix + id }

// Save writes the snapshot and refreshes its TTL.
func (m *RedisMirror) Save(ctx context.Context, s *datatypes.ConversationSession) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", s.ID, err)
	}
	if err := m.client.Set(ctx, m.key(s.ID), b, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// Load reads a snapshot. A missing key yields ErrNotFound.
func (m *RedisMirror) Load(ctx context.Context, id string) (*datatypes.ConversationSession, error) {
	b, err := m.client.Get(ctx, m.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var s datatypes.ConversationSession
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &s, nil
}

// Delete removes a snapshot. Deleting a missing key is not an error.
func (m *RedisMirror) Delete(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, m.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var _ Mirror = (*RedisMirror)(nil)
