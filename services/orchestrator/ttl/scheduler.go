// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl removes semantic cache entries whose time-to-live elapsed.
//
// Lookups already ignore expired entries; the scheduler reclaims their
// storage in the background.
package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAnalyst/services/vectorstore"
)

// =============================================================================
// Interfaces and Results
// =============================================================================

// TTLScheduler runs expiry sweeps in the background.
type TTLScheduler interface {
	// Start launches the background loop. It fails if already running.
	Start(ctx context.Context) error
	// Stop ends the loop. Safe to call multiple times.
	Stop() error
	// RunNow performs one sweep immediately.
	RunNow(ctx context.Context) (CleanupResult, error)
}

// CleanupResult summarizes one sweep.
//
// # Fields
//
//   - StartTime: When the sweep started.
//   - EndTime: When the sweep completed.
//   - EntriesFound: Expired entries listed by the store.
//   - EntriesDeleted: Entries removed (including ones already gone).
//   - Errors: Individual delete failures.
type CleanupResult struct {
	StartTime      time.Time
	EndTime        time.Time
	EntriesFound   int
	EntriesDeleted int
	Errors         []CleanupError
}

// Duration returns the total duration of the sweep.
func (r *CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *CleanupResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

// HasErrors returns true if any delete failed.
func (r *CleanupResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// CleanupError records which entry failed to delete and why.
type CleanupError struct {
	Namespace string
	EntryID   string
	Reason    string
}

// =============================================================================
// TTL Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the expiry sweeper.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 1 hour.
//   - BatchSize: Entries listed per store call. Default: 500.
//   - MaxBatchesPerCycle: Upper bound on batches per sweep. Default: 20.
type SchedulerConfig struct {
	Interval           time.Duration
	BatchSize          int
	MaxBatchesPerCycle int
}

// DefaultSchedulerConfig returns production defaults.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.Interval = 30 * time.Minute
//	scheduler := NewTTLScheduler(store, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:           1 * time.Hour,
		BatchSize:          500,
		MaxBatchesPerCycle: 20,
	}
}

// SchedulerOption configures a scheduler.
type SchedulerOption func(*ttlScheduler)

// WithMetrics counts removed entries.
func WithMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *ttlScheduler) { s.metrics = m }
}

// WithClockChecker replaces the default clock checker.
func WithClockChecker(c ClockChecker) SchedulerOption {
	return func(s *ttlScheduler) { s.clock = c }
}

// ttlScheduler implements TTLScheduler with the ticker + done channel
// pattern.
//
// # Thread Safety
//
// All public methods are thread-safe. Sweeps are serialized by sweepMu so a
// manual RunNow never overlaps a scheduled one.
type ttlScheduler struct {
	store   vectorstore.Store
	config  SchedulerConfig
	metrics *observability.Metrics
	clock   ClockChecker

	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
	sweepMu sync.Mutex
}

// NewTTLScheduler creates an expiry sweeper over store.
//
// # Inputs
//
//   - store: Vector store holding the cache entries.
//   - config: Interval and batch sizes. Zero fields take defaults.
//   - opts: Metrics and clock overrides.
//
// # Examples
//
//	scheduler := NewTTLScheduler(store, DefaultSchedulerConfig(), WithMetrics(metrics))
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
func NewTTLScheduler(store vectorstore.Store, config SchedulerConfig, opts ...SchedulerOption) TTLScheduler {
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxBatchesPerCycle <= 0 {
		config.MaxBatchesPerCycle = def.MaxBatchesPerCycle
	}
	s := &ttlScheduler{
		store:  store,
		config: config,
		clock:  NewClockChecker(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins the background sweeper. The first sweep runs immediately.
// The loop ends when Stop is called or ctx is cancelled.
func (s *ttlScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.clock.ResetJumpDetection()

	slog.Info("Cache expiry scheduler starting",
		"interval", s.config.Interval.String(),
		"batch_size", s.config.BatchSize,
	)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to end and waits for the current sweep to finish.
func (s *ttlScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	slog.Info("Cache expiry scheduler stopping")
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow performs a sweep immediately without affecting the schedule.
func (s *ttlScheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.runCleanupCycle(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *ttlScheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Cache expiry scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Cache expiry scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

// executeCleanup runs one sweep and logs the outcome. Errors never stop the
// loop.
func (s *ttlScheduler) executeCleanup(ctx context.Context) {
	result, err := s.runCleanupCycle(ctx)
	if err != nil {
		slog.Error("Cache expiry sweep failed", "error", err)
		return
	}
	if result.EntriesFound > 0 {
		slog.Info("Cache expiry sweep completed",
			"entries_found", result.EntriesFound,
			"entries_deleted", result.EntriesDeleted,
			"errors", len(result.Errors),
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Cache expiry sweep completed (no expired entries)")
	}
}

// runCleanupCycle lists expired entries in batches and deletes them.
//
// # Description
//
// A batch whose deletes all fail ends the sweep early, since listing again
// would return the same entries. Entries that are already gone count as
// deleted.
func (s *ttlScheduler) runCleanupCycle(ctx context.Context) (CleanupResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	result := CleanupResult{StartTime: time.Now()}
	defer func() { s.metrics.RecordExpired(result.EntriesDeleted) }()

	now, err := s.clock.Now(s.config.Interval)
	if err != nil {
		// Re-baseline so one legitimate jump does not block every later sweep.
		s.clock.ResetJumpDetection()
		result.EndTime = time.Now()
		return result, fmt.Errorf("skipping sweep: %w", err)
	}

	for batch := 0; batch < s.config.MaxBatchesPerCycle; batch++ {
		refs, err := s.store.ListExpired(ctx, now, s.config.BatchSize)
		if err != nil {
			result.EndTime = time.Now()
			return result, fmt.Errorf("failed to list expired entries: %w", err)
		}
		if len(refs) == 0 {
			break
		}
		result.EntriesFound += len(refs)

		deleted := 0
		for _, ref := range refs {
			if err := s.store.Delete(ctx, ref.Namespace, ref.ID); err != nil && !errors.Is(err, vectorstore.ErrNotFound) {
				result.Errors = append(result.Errors, CleanupError{Namespace: ref.Namespace, EntryID: ref.ID, Reason: err.Error()})
				continue
			}
			deleted++
		}
		result.EntriesDeleted += deleted

		if deleted == 0 || len(refs) < s.config.BatchSize {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.EndTime = time.Now()
	return result, nil
}
