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

// Package debounce turns bursty raw sensor events into stable domain events.
//
// Each sensor has one pending slot. A raw event sits in the slot for the
// sensor's debounce window; a contradicting event within the window cancels
// the pending promotion and the slot restarts with the new event. An event
// matching the last stable state cancels the slot outright. At most one
// promotion can happen per window, and it reflects the last state observed.
package debounce

import (
	"context"
	"sync"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
)

const (
	// DefaultEdgeWindow suits mechanical switch bounce.
	DefaultEdgeWindow = 200 * time.Millisecond
	// DefaultThresholdWindow suits noisy analog threshold sensors.
	DefaultThresholdWindow = 1 * time.Second
)

// Config sets per-sensor debounce windows. Sensors without an entry fall
// back to a default chosen by event kind.
type Config struct {
	Windows         map[string]time.Duration
	EdgeWindow      time.Duration
	ThresholdWindow time.Duration
}

type pendingSlot struct {
	event models.SensorEvent
	gen   uint64
	timer *time.Timer
}

// Debouncer owns all per-sensor debounce state and the sequence counters.
// Sequence numbers are strictly increasing per sensor for the lifetime of
// the process and are never reused.
type Debouncer struct {
	cfg Config
	log logger.Logger

	mu         sync.Mutex
	seq        map[string]uint64
	pending    map[string]*pendingSlot
	lastStable map[string]models.EventKind
	gen        uint64
	stopped    bool

	ctx context.Context
	out chan models.DebouncedEvent
}

// New creates a Debouncer. Run must be called before events flow.
func New(cfg Config, log logger.Logger) *Debouncer {
	if cfg.EdgeWindow <= 0 {
		cfg.EdgeWindow = DefaultEdgeWindow
	}

	if cfg.ThresholdWindow <= 0 {
		cfg.ThresholdWindow = DefaultThresholdWindow
	}

	return &Debouncer{
		cfg:        cfg,
		log:        log,
		seq:        make(map[string]uint64),
		pending:    make(map[string]*pendingSlot),
		lastStable: make(map[string]models.EventKind),
		out:        make(chan models.DebouncedEvent, 128),
	}
}

// Run consumes raw events until ctx is canceled or in is closed. The
// returned channel carries promoted events; it is not closed on shutdown,
// consumers must observe ctx.
func (d *Debouncer) Run(ctx context.Context, in <-chan models.SensorEvent) <-chan models.DebouncedEvent {
	d.ctx = ctx

	go func() {
		defer d.stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}

				d.handle(ev)
			}
		}
	}()

	return d.out
}

// NextSequence allocates the next sequence number for a sensor. The
// uploader uses this to stamp artifact-available notices so they share the
// per-sensor ordering domain with debounced events.
func (d *Debouncer) NextSequence(sensorID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq[sensorID]++

	return d.seq[sensorID]
}

func (d *Debouncer) windowFor(ev models.SensorEvent) time.Duration {
	if w, ok := d.cfg.Windows[ev.SensorID]; ok && w > 0 {
		return w
	}

	switch ev.Kind {
	case models.EventOpened, models.EventClosed:
		return d.cfg.EdgeWindow
	default:
		return d.cfg.ThresholdWindow
	}
}

func (d *Debouncer) handle(ev models.SensorEvent) {
	if !ev.Kind.Debounceable() {
		d.promoteNow(ev)
		return
	}

	d.mu.Lock()

	slot := d.pending[ev.SensorID]
	polar := ev.Kind.Opposite() != ""

	switch {
	case slot != nil && slot.event.Kind == ev.Kind:
		// Repeat of the pending transition: coalesce, window keeps running.
		d.mu.Unlock()

	case slot != nil && polar && d.lastStable[ev.SensorID] == ev.Kind:
		// Bounced back to the stable state before the window elapsed.
		// Cancel the pending promotion; net effect is no event at all.
		slot.timer.Stop()
		delete(d.pending, ev.SensorID)
		d.mu.Unlock()

		d.log.Debug().
			Str("sensor_id", ev.SensorID).
			Str("kind", string(ev.Kind)).
			Msg("Pending transition canceled by return to stable state")

	case slot != nil:
		// Contradicting event: restart the window with the new event.
		slot.timer.Stop()
		d.arm(ev)
		d.mu.Unlock()

	case polar && d.lastStable[ev.SensorID] == ev.Kind:
		// No transition; duplicate of the stable state.
		d.mu.Unlock()

	default:
		d.arm(ev)
		d.mu.Unlock()
	}
}

// arm places ev in the sensor's pending slot. Caller holds d.mu.
func (d *Debouncer) arm(ev models.SensorEvent) {
	d.gen++
	gen := d.gen
	id := ev.SensorID

	slot := &pendingSlot{event: ev, gen: gen}
	slot.timer = time.AfterFunc(d.windowFor(ev), func() {
		d.promote(id, gen)
	})
	d.pending[id] = slot
}

// promote fires when a pending slot survives its debounce window.
func (d *Debouncer) promote(sensorID string, gen uint64) {
	d.mu.Lock()

	slot := d.pending[sensorID]
	if slot == nil || slot.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}

	delete(d.pending, sensorID)

	if slot.event.Kind.Opposite() != "" {
		d.lastStable[sensorID] = slot.event.Kind
	}

	d.seq[sensorID]++
	promoted := models.DebouncedEvent{SensorEvent: slot.event, Sequence: d.seq[sensorID]}
	d.mu.Unlock()

	d.emit(promoted)
}

// promoteNow bypasses the window for kinds that are already stable.
func (d *Debouncer) promoteNow(ev models.SensorEvent) {
	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()
		return
	}

	d.seq[ev.SensorID]++
	promoted := models.DebouncedEvent{SensorEvent: ev, Sequence: d.seq[ev.SensorID]}
	d.mu.Unlock()

	d.emit(promoted)
}

func (d *Debouncer) emit(ev models.DebouncedEvent) {
	select {
	case d.out <- ev:
	case <-d.ctx.Done():
	}
}

func (d *Debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true

	for id, slot := range d.pending {
		slot.timer.Stop()
		delete(d.pending, id)
	}
}
