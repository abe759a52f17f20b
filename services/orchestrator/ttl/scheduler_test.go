// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAnalyst/services/vectorstore"
)

var sweepNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() ClockChecker {
	return NewClockCheckerWithConfig(DefaultClockConfig(), func() time.Time { return sweepNow })
}

func putEntry(t *testing.T, store vectorstore.Store, id string, createdAt time.Time, ttl time.Duration) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), &datatypes.CacheEntry{
		ID:        id,
		Namespace: "ecommerce",
		Question:  "pergunta " + id,
		Embedding: []float32{1, 0},
		Metadata:  datatypes.CacheMetadata{CreatedAt: createdAt},
		TTL:       ttl,
	}))
}

type failingDeleteStore struct {
	*vectorstore.MemoryStore
	failID string
}

func (f *failingDeleteStore) Delete(ctx context.Context, ns, id string) error {
	if id == f.failID {
		return errors.New("storage unavailable")
	}
	return f.MemoryStore.Delete(ctx, ns, id)
}

// TestRunNow_DeletesOnlyExpired verifies the sweep keeps live entries.
func TestRunNow_DeletesOnlyExpired(t *testing.T) {
	// Arrange
	store := vectorstore.NewMemoryStore()
	putEntry(t, store, "old", sweepNow.Add(-48*time.Hour), 24*time.Hour)
	putEntry(t, store, "fresh", sweepNow.Add(-time.Hour), 24*time.Hour)
	putEntry(t, store, "forever", sweepNow.Add(-1000*time.Hour), 0)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := NewTTLScheduler(store, SchedulerConfig{}, WithClockChecker(fixedClock()), WithMetrics(metrics))

	// Act
	result, err := s.RunNow(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesFound)
	assert.Equal(t, 1, result.EntriesDeleted)
	assert.False(t, result.HasErrors())
	assert.Equal(t, 2, store.Len())
	_, err = store.Get(context.Background(), "ecommerce", "old")
	assert.ErrorIs(t, err, vectorstore.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheEntriesExpiredTotal))
}

// TestRunNow_WorksInBatches verifies multiple batches are drained in one sweep.
func TestRunNow_WorksInBatches(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	for i := 0; i < 7; i++ {
		putEntry(t, store, fmt.Sprintf("e%d", i), sweepNow.Add(-2*time.Hour), time.Hour)
	}
	s := NewTTLScheduler(store, SchedulerConfig{BatchSize: 3}, WithClockChecker(fixedClock()))

	result, err := s.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 7, result.EntriesDeleted)
	assert.Equal(t, 0, store.Len())
}

// TestRunNow_RecordsDeleteFailures verifies one failure does not stop the sweep.
func TestRunNow_RecordsDeleteFailures(t *testing.T) {
	store := &failingDeleteStore{MemoryStore: vectorstore.NewMemoryStore(), failID: "stuck"}
	putEntry(t, store, "stuck", sweepNow.Add(-2*time.Hour), time.Hour)
	putEntry(t, store, "gone", sweepNow.Add(-2*time.Hour), time.Hour)
	s := NewTTLScheduler(store, SchedulerConfig{}, WithClockChecker(fixedClock()))

	result, err := s.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.EntriesFound)
	assert.Equal(t, 1, result.EntriesDeleted)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "stuck", result.Errors[0].EntryID)
}

// TestRunNow_SkipsOnInsaneClock verifies nothing is deleted when the clock
// is outside the valid window.
func TestRunNow_SkipsOnInsaneClock(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	putEntry(t, store, "old", sweepNow.Add(-48*time.Hour), time.Hour)
	future := sweepNow.AddDate(20, 0, 0)
	clock := NewClockCheckerWithConfig(DefaultClockConfig(), func() time.Time { return future })
	s := NewTTLScheduler(store, SchedulerConfig{}, WithClockChecker(clock))

	_, err := s.RunNow(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 1, store.Len())
}

// TestScheduler_StartStop verifies lifecycle and the immediate first sweep.
func TestScheduler_StartStop(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	putEntry(t, store, "old", sweepNow.Add(-48*time.Hour), time.Hour)
	s := NewTTLScheduler(store, SchedulerConfig{Interval: time.Hour}, WithClockChecker(fixedClock()))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()), "restart after stop")
	require.NoError(t, s.Stop())
}

// TestScheduler_StopsOnContextCancel verifies the loop exits with its context.
func TestScheduler_StopsOnContextCancel(t *testing.T) {
	s := NewTTLScheduler(vectorstore.NewMemoryStore(), SchedulerConfig{Interval: time.Hour}, WithClockChecker(fixedClock()))
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestNewTTLScheduler_AppliesDefaults(t *testing.T) {
	s := NewTTLScheduler(vectorstore.NewMemoryStore(), SchedulerConfig{}).(*ttlScheduler)
	assert.Equal(t, DefaultSchedulerConfig(), s.config)
}
