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
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

const (
	badgerEntryPrefix = "semcache\x00"
	badgerDimKey      = "meta\x00dimension"
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore persists entries as JSON values in BadgerDB.
//
// # Description
//
// Keys are "semcache\x00<namespace>\x00<id>". Entries with a TTL are
// written with a Badger TTL as well, so Badger drops them on its own even
// when the sweeper is not running. Query scans the namespace prefix and
// ranks by cosine similarity, which is adequate for caches of a few tens
// of thousands of entries.
//
// # Thread Safety
//
// Safe for concurrent use. Updates run in serializable transactions and
// are retried on conflict.
type BadgerStore struct {
	db     *badger.DB
	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) the store and starts value log GC when
// configured.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				s.logger.Debug("badger value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func entryKey(namespace, id string) []byte {
	return []byte(badgerEntryPrefix + namespace + "\x00" + id)
}

func namespacePrefix(namespace string) []byte {
	return []byte(badgerEntryPrefix + namespace + "\x00")
}

func conflictPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		Retryable:    func(err error) bool { return errors.Is(err, badger.ErrConflict) },
	}
}

func (s *BadgerStore) Upsert(ctx context.Context, entry *datatypes.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err = retry.Do(ctx, conflictPolicy(), "badger.upsert", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.db.Update(func(txn *badger.Txn) error {
			if err := checkDimension(txn, len(entry.Embedding), true); err != nil {
				return err
			}
			return txn.SetEntry(withEntryTTL(badger.NewEntry(entryKey(entry.Namespace, entry.ID), raw), entry))
		})
	})
	return err
}

// checkDimension compares n with the stored dimension, recording it on
// first write when record is set.
func checkDimension(txn *badger.Txn, n int, record bool) error {
	item, err := txn.Get([]byte(badgerDimKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		if record {
			return txn.Set([]byte(badgerDimKey), []byte(strconv.Itoa(n)))
		}
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		want, err := strconv.Atoi(string(val))
		if err != nil {
			return fmt.Errorf("corrupt dimension record: %w", err)
		}
		if want != n {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, want)
		}
		return nil
	})
}

func withEntryTTL(be *badger.Entry, e *datatypes.CacheEntry) *badger.Entry {
	exp := e.ExpiresAt()
	if exp.IsZero() {
		return be
	}
	if remaining := time.Until(exp); remaining > 0 {
		return be.WithTTL(remaining)
	}
	return be
}

func (s *BadgerStore) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matches []Match
	err := s.db.View(func(txn *badger.Txn) error {
		if err := checkDimension(txn, len(vector), false); err != nil {
			return err
		}
		prefix := namespacePrefix(namespace)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeItem(it.Item())
			if err != nil {
				s.logger.Warn("Skipping undecodable cache entry", "key", string(it.Item().Key()), "error", err)
				continue
			}
			matches = append(matches, Match{Entry: e, Score: Cosine(vector, e.Embedding)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topMatches(matches, topK), nil
}

func decodeItem(item *badger.Item) (*datatypes.CacheEntry, error) {
	var e datatypes.CacheEntry
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) Get(ctx context.Context, namespace, id string) (*datatypes.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *datatypes.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(namespace, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = decodeItem(item)
		return err
	})
	return out, err
}

func (s *BadgerStore) Update(ctx context.Context, namespace, id string, mutate Mutation) (*datatypes.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return retry.Do(ctx, conflictPolicy(), "badger.update", func(ctx context.Context) (*datatypes.CacheEntry, error) {
		var out *datatypes.CacheEntry
		err := s.db.Update(func(txn *badger.Txn) error {
			key := entryKey(namespace, id)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			current, err := decodeItem(item)
			if err != nil {
				return err
			}
			next := current.Clone()
			if err := mutate(next); err != nil {
				return err
			}
			next.ID, next.Namespace, next.Embedding = current.ID, current.Namespace, current.Embedding

			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode cache entry: %w", err)
			}
			if err := txn.SetEntry(withEntryTTL(badger.NewEntry(key, raw), next)); err != nil {
				return err
			}
			out = next
			return nil
		})
		return out, err
	})
}

func (s *BadgerStore) Delete(ctx context.Context, namespace, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := entryKey(namespace, id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Ref, error) {
	var refs []Ref
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerEntryPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeItem(it.Item())
			if err != nil || !e.Expired(now) {
				continue
			}
			refs = append(refs, Ref{Namespace: e.Namespace, ID: e.ID})
			if limit > 0 && len(refs) >= limit {
				return nil
			}
		}
		return nil
	})
	return refs, err
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}
