/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package retry provides the single backoff policy shared by every sink.
// The publisher, uploader, and state recorder all retry on the same shape:
// exponential backoff with a cap and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hearthwatch/hearthwatch/pkg/models"
)

const (
	defaultInitialInterval     = 500 * time.Millisecond
	defaultMaxInterval         = 30 * time.Second
	defaultMultiplier          = 2.0
	defaultRandomizationFactor = 0.2
)

// Policy parameterizes retry behavior. MaxElapsedTime of zero means retry
// without an overall deadline; reconnect loops rely on that.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration
}

// PolicyFromConfig builds a Policy from configuration, applying defaults for
// unset fields.
func PolicyFromConfig(cfg models.RetryConfig) Policy {
	p := Policy{
		InitialInterval:     cfg.InitialInterval.Std(),
		MaxInterval:         cfg.MaxInterval.Std(),
		Multiplier:          cfg.Multiplier,
		RandomizationFactor: cfg.RandomizationFactor,
		MaxElapsedTime:      cfg.MaxElapsedTime.Std(),
	}

	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}

	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}

	if p.Multiplier <= 1 {
		p.Multiplier = defaultMultiplier
	}

	if p.RandomizationFactor <= 0 {
		p.RandomizationFactor = defaultRandomizationFactor
	}

	return p
}

// NewBackOff builds a fresh exponential backoff from the policy. Each retry
// sequence needs its own instance.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor

	return bo
}

// DelayFor returns the jittered backoff delay for the given attempt count.
// Used by sinks that hand retry pacing to the delivery queue instead of
// blocking in a retry loop themselves.
func (p Policy) DelayFor(attempt int) time.Duration {
	d := p.InitialInterval

	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxInterval {
			d = p.MaxInterval
			break
		}
	}

	if p.RandomizationFactor > 0 {
		delta := p.RandomizationFactor * float64(d)
		d = time.Duration(float64(d) - delta + rand.Float64()*2*delta)
	}

	return d
}

// Do runs op under the policy until it succeeds, returns a permanent error,
// or the policy's MaxElapsedTime (if any) is exceeded.
func Do[T any](ctx context.Context, p Policy, op backoff.Operation[T]) (T, error) {
	opts := []backoff.RetryOption{backoff.WithBackOff(p.NewBackOff())}
	if p.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsedTime))
	}

	return backoff.Retry(ctx, op, opts...)
}

// Permanent marks err as non-retryable. Retries stop immediately and the
// error is returned as-is.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
