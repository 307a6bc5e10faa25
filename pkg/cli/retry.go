// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pelican.
//
// go-pelican is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// RetryConfig configures retries of idempotent reads.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// retryRead runs operation until it succeeds, fails with an error that is
// not retryable, or MaxRetries is exhausted. Only transport errors with a
// 5xx or 429 status, or no status at all, are retried; authorization
// failures never are.
func retryRead[T any](ctx context.Context, config RetryConfig, operation func() (T, error)) (T, error) {
	var zero T

	initialBackoff := config.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 200 * time.Millisecond
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == config.MaxRetries || !common.IsRetryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(calculateBackoff(attempt, initialBackoff, maxBackoff)):
		}
	}

	return zero, lastErr
}

// calculateBackoff computes the backoff duration for a given attempt using
// exponential backoff with full jitter.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	backoff := float64(initial) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(rand.Float64() * backoff)
}
