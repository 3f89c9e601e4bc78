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

// Package sensor contains the hardware monitors that translate GPIO and
// camera activity into raw sensor events. A failing sensor degrades the
// monitor, never the process: monitors emit a sensor_unavailable event and
// keep trying to re-acquire their hardware.
package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/models"
)

// Monitor is a hardware sensor adapter. Start returns the raw event stream;
// the channel is owned by the monitor and is not closed until Stop.
type Monitor interface {
	Start(ctx context.Context) (<-chan models.SensorEvent, error)
	Stop()
	Health() models.SensorHealth
}

// eventChanSize bounds raw event buffering per monitor. Raw events are
// pre-debounce; dropping under extreme burst is acceptable because the
// debouncer coalesces repeats anyway.
const eventChanSize = 64

// health tracks per-monitor liveness shared by all monitor implementations.
type health struct {
	mu          sync.Mutex
	lastEventAt time.Time
	degraded    bool
}

func (h *health) touch() {
	h.mu.Lock()
	h.lastEventAt = time.Now()
	h.mu.Unlock()
}

func (h *health) setDegraded(v bool) {
	h.mu.Lock()
	h.degraded = v
	h.mu.Unlock()
}

func (h *health) snapshot() models.SensorHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := models.SensorHealth{
		LastEventAt: h.lastEventAt,
		Degraded:    h.degraded,
	}
	if !h.lastEventAt.IsZero() {
		s.LastEventAge = time.Since(h.lastEventAt)
	}

	return s
}
