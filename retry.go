// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ncp

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig controls how RetryWithConfig repeats an AT exchange.
type RetryConfig struct {
	// RetryIf decides whether an error is worth another attempt. Nil means
	// IsRetryable.
	RetryIf func(error) bool
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
	// MaxAttempts bounds the number of calls. Zero or less runs once.
	MaxAttempts int
	// InitialBackoff is the sleep after the first failure
	InitialBackoff time.Duration
	// MaxBackoff caps the sleep between attempts
	MaxBackoff time.Duration
	// BackoffMultiplier grows the sleep after every failure
	BackoffMultiplier float64
	// Jitter adds up to this fraction of the sleep at random
	Jitter float64
	// RetryTimeout bounds all attempts together
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the retry configuration used for the start-up
// AT probe. The co-processor may still be booting when the host comes up,
// so the backoff is generous.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      10 * time.Second,
	}
}

// NoRetry returns a configuration that runs the function exactly once.
func NoRetry() *RetryConfig {
	return &RetryConfig{}
}

// RetryableFunc is one attempt of a retried operation
type RetryableFunc func() error

// RetryWithConfig calls fn until it succeeds, returns an error that cfg
// does not retry, or runs out of attempts or time. A fatal error (see
// IsFatal) always ends the loop.
func RetryWithConfig(ctx context.Context, cfg *RetryConfig, fn RetryableFunc) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if cfg.MaxAttempts <= 0 {
		return fn()
	}

	if cfg.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RetryTimeout)
		defer cancel()
	}

	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsFatal(err) || !retryIf(err) {
			return err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := calculateJitteredSleep(backoff, cfg.Jitter)
		Debugf("retry: attempt %d/%d: %v (next in %s)", attempt, cfg.MaxAttempts, err, sleep)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !sleepContext(ctx, sleep) {
			break
		}
		backoff = calculateNextBackoff(backoff, cfg)
	}

	if lastErr == nil {
		return fmt.Errorf("retry: %w", ctx.Err())
	}
	return fmt.Errorf("retry gave up: %w", lastErr)
}

// sleepContext reports false if ctx ended before d elapsed
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func calculateNextBackoff(backoff time.Duration, cfg *RetryConfig) time.Duration {
	next := time.Duration(float64(backoff) * cfg.BackoffMultiplier)
	if next > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return next
}

func calculateJitteredSleep(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	//nolint:gosec // backoff jitter does not need a secure source
	return base + time.Duration(rand.Float64()*jitter*float64(base))
}
