// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry runs provider calls with bounded exponential backoff and an
// optional rate limit.
//
// # Description
//
// Every external provider adapter (models, warehouse, vector store) wraps its
// network call in Do. Transient failures are retried a small number of times
// with a doubling delay; permanent failures and context cancellation return
// immediately. Each retry is recorded as a span event and logged.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultInitialDelay is the delay before the first retry. Subsequent
	// retries double it (1s, 2s, 4s).
	DefaultInitialDelay = 1 * time.Second
)

// Policy configures Do.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter

	// Retryable classifies errors. Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the standard provider retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, InitialDelay: DefaultInitialDelay}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable is the default classifier: context errors and errors wrapped
// with Permanent are final, everything else is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

// Do calls fn until it succeeds, fails permanently, or retries run out.
//
// # Description
//
// The delay between attempts starts at InitialDelay and doubles. Waiting
// honors ctx. When a Limiter is configured every attempt first waits for a
// token, so retries also count against the provider's rate budget.
//
// # Inputs
//
//   - ctx: Cancels waiting and is passed to fn.
//   - p: Retry policy.
//   - op: Operation name for logs and span events.
//   - fn: The call to make.
//
// # Outputs
//
//   - T: fn's result on success.
//   - error: The last error, wrapped with the attempt count once retries are
//     exhausted. A Permanent wrapper is removed before returning.
//
// # Examples
//
//	vec, err := retry.Do(ctx, retry.DefaultPolicy(), "embed", func(ctx context.Context) ([]float32, error) {
//	    return client.Embed(ctx, text)
//	})
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = DefaultInitialDelay
	}
	span := trace.SpanFromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.String("operation", op),
				attribute.Int("attempt", attempt),
				attribute.String("delay", delay.String()),
			))
			slog.Info("Retrying provider call",
				"operation", op,
				"attempt", attempt,
				"delay", delay,
				"lastError", lastErr,
			)

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return zero, fmt.Errorf("%s: rate limiter: %w", op, err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			return zero, err
		}
	}

	if p.MaxRetries == 0 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxRetries+1, lastErr)
}
