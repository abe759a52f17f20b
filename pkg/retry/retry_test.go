// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, InitialDelay: time.Millisecond}
}

// TestDo_SucceedsAfterTransientFailures verifies retries until success.
func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("temporary")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

// TestDo_ExhaustsRetries verifies the attempt count and error wrapping.
func TestDo_ExhaustsRetries(t *testing.T) {
	base := errors.New("still down")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), "op", func(context.Context) (string, error) {
		calls++
		return "", base
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

// TestDo_PermanentErrorStops verifies that Permanent errors are not retried.
func TestDo_PermanentErrorStops(t *testing.T) {
	base := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) (int, error) {
		calls++
		return 0, Permanent(base)
	})

	assert.Equal(t, base, err)
	assert.Equal(t, 1, calls)
}

// TestDo_CustomClassifier verifies a caller-supplied Retryable.
func TestDo_CustomClassifier(t *testing.T) {
	p := fastPolicy(3)
	p.Retryable = func(error) bool { return false }
	calls := 0
	_, err := Do(context.Background(), p, "op", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("x")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestDo_ContextCancelledDuringBackoff verifies that waiting honors ctx.
func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, InitialDelay: time.Hour}

	_, err := Do(ctx, p, "op", func(context.Context) (int, error) {
		cancel()
		return 0, errors.New("temporary")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

// TestDo_Limiter verifies the limiter is consulted before each attempt.
func TestDo_Limiter(t *testing.T) {
	p := fastPolicy(0)
	p.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	_, err := Do(context.Background(), p, "op", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Do(ctx, p, "op", func(context.Context) (int, error) { return 1, nil })
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.True(t, IsRetryable(errors.New("connection reset")))
}
