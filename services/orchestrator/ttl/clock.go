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
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// ClockChecker guards expiry decisions against a wrong system clock. A clock
// that jumps forward would otherwise expire every cached answer at once.
type ClockChecker interface {
	// Now returns the current time if the clock looks sane.
	//
	// # Description
	//
	// Validates that:
	//   1. Current time is inside [MinValidTime, MaxValidTime]
	//   2. Time did not move backwards more than MaxBackwardJump since the
	//      last good check
	//   3. Time did not move forwards more than expectedGap plus
	//      MaxForwardSlack since the last good check
	//
	// # Inputs
	//
	//   - expectedGap: How long the caller expects to have waited since the
	//     previous call (the sweep interval).
	//
	// # Outputs
	//
	//   - time.Time: The current time.
	//   - error: Non-nil if the clock appears invalid.
	Now(expectedGap time.Duration) (time.Time, error)

	// ResetJumpDetection forgets the last good time, for use after a known
	// legitimate time change.
	ResetJumpDetection()
}

// ClockConfig bounds what the checker accepts.
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardSlack time.Duration
}

// DefaultClockConfig returns production bounds.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: 1 * time.Hour,
		MaxForwardSlack: 2 * time.Hour,
	}
}

type clockChecker struct {
	config   ClockConfig
	now      func() time.Time
	mu       sync.Mutex
	lastGood time.Time
}

// NewClockChecker creates a checker with DefaultClockConfig.
func NewClockChecker() ClockChecker {
	return NewClockCheckerWithConfig(DefaultClockConfig(), time.Now)
}

// NewClockCheckerWithConfig creates a checker reading time from now.
func NewClockCheckerWithConfig(config ClockConfig, now func() time.Time) ClockChecker {
	if now == nil {
		now = time.Now
	}
	return &clockChecker{config: config, now: now}
}

func (c *clockChecker) Now(expectedGap time.Duration) (time.Time, error) {
	now := c.now()

	if now.Before(c.config.MinValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: time %s is before minimum valid time %s",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: time %s is after maximum valid time %s",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastGood.IsZero() {
		diff := now.Sub(c.lastGood)
		if diff < -c.config.MaxBackwardJump {
			return time.Time{}, fmt.Errorf("clock sanity: suspicious backward jump of %s (max allowed: %s)",
				-diff, c.config.MaxBackwardJump)
		}
		if limit := expectedGap + c.config.MaxForwardSlack; diff > limit {
			return time.Time{}, fmt.Errorf("clock sanity: suspicious forward jump of %s (max allowed: %s)",
				diff, limit)
		}
	}
	c.lastGood = now
	return now, nil
}

func (c *clockChecker) ResetJumpDetection() {
	c.mu.Lock()
	c.lastGood = time.Time{}
	c.mu.Unlock()
}
