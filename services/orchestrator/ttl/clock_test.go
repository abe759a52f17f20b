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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Clock Sanity Checking Tests
// =============================================================================

type steppedClock struct{ t time.Time }

func (s *steppedClock) now() time.Time { return s.t }

func newSteppedChecker(start time.Time) (*steppedClock, ClockChecker) {
	c := &steppedClock{t: start}
	return c, NewClockCheckerWithConfig(DefaultClockConfig(), c.now)
}

// TestClockChecker_ValidTime tests that the real clock passes.
func TestClockChecker_ValidTime(t *testing.T) {
	_, err := NewClockChecker().Now(time.Hour)
	assert.NoError(t, err)
}

// TestClockChecker_OutOfBounds tests both ends of the valid window.
func TestClockChecker_OutOfBounds(t *testing.T) {
	_, past := newSteppedChecker(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := past.Now(time.Hour)
	assert.Error(t, err)

	_, future := newSteppedChecker(time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err = future.Now(time.Hour)
	assert.Error(t, err)
}

// TestClockChecker_DetectsJumps tests jump detection relative to the
// expected gap.
func TestClockChecker_DetectsJumps(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("expected interval passes", func(t *testing.T) {
		clock, checker := newSteppedChecker(start)
		_, err := checker.Now(time.Hour)
		require.NoError(t, err)
		clock.t = start.Add(6 * time.Hour)
		got, err := checker.Now(6 * time.Hour)
		require.NoError(t, err)
		assert.Equal(t, clock.t, got)
	})

	t.Run("forward jump beyond slack", func(t *testing.T) {
		clock, checker := newSteppedChecker(start)
		_, err := checker.Now(time.Hour)
		require.NoError(t, err)
		clock.t = start.Add(4 * time.Hour)
		_, err = checker.Now(time.Hour)
		assert.ErrorContains(t, err, "forward jump")
	})

	t.Run("backward jump", func(t *testing.T) {
		clock, checker := newSteppedChecker(start)
		_, err := checker.Now(time.Hour)
		require.NoError(t, err)
		clock.t = start.Add(-2 * time.Hour)
		_, err = checker.Now(time.Hour)
		assert.ErrorContains(t, err, "backward jump")
	})

	t.Run("reset re-baselines", func(t *testing.T) {
		clock, checker := newSteppedChecker(start)
		_, err := checker.Now(time.Hour)
		require.NoError(t, err)
		clock.t = start.Add(10 * time.Hour)
		checker.ResetJumpDetection()
		_, err = checker.Now(time.Hour)
		assert.NoError(t, err)
	})
}
