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

package state

import (
	"context"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
)

// stateWriter is the store surface the recorder uses.
type stateWriter interface {
	UpsertSensorState(ctx context.Context, ev *models.DebouncedEvent) error
}

// Recorder mirrors debounced events into the state store. Best-effort: a
// write that fails after retries is logged and dropped, never allowed to
// stall event delivery.
type Recorder struct {
	store stateWriter
	log   logger.Logger

	// lastSeq caches the highest sequence written per sensor so stale
	// writes are skipped without a round trip.
	lastSeq map[string]uint64
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store stateWriter, log logger.Logger) *Recorder {
	return &Recorder{
		store:   store,
		log:     log,
		lastSeq: make(map[string]uint64),
	}
}

// Run consumes debounced events until ctx is done or in is closed. Single
// consumer; lastSeq needs no locking.
func (r *Recorder) Run(ctx context.Context, in <-chan models.DebouncedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}

			r.record(ctx, &ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev *models.DebouncedEvent) {
	if ev.Sequence <= r.lastSeq[ev.SensorID] {
		r.log.Debug().
			Str("sensor_id", ev.SensorID).
			Uint64("sequence", ev.Sequence).
			Msg("Skipping stale state write")

		return
	}

	if err := r.store.UpsertSensorState(ctx, ev); err != nil {
		r.log.Error().Err(err).
			Str("sensor_id", ev.SensorID).
			Uint64("sequence", ev.Sequence).
			Msg("State write abandoned after retries")

		return
	}

	r.lastSeq[ev.SensorID] = ev.Sequence
}
