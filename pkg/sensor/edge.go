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

package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
)

const initReadAttempts = 3

// EdgeMonitor watches a reed switch wired to a GPIO line. The switch is
// closed (line low, via pull-up to ground) when the door is closed, so a
// falling edge means closed and a rising edge means opened.
type EdgeMonitor struct {
	cfg     models.DoorSensorConfig
	log     logger.Logger
	request EdgeLineRequester
	policy  retry.Policy

	health health

	mu     sync.Mutex
	line   Line
	events chan models.SensorEvent
	cancel context.CancelFunc
}

// NewEdgeMonitor creates a door monitor. The requester defaults to the real
// character-device line when nil.
func NewEdgeMonitor(cfg models.DoorSensorConfig, policy retry.Policy, request EdgeLineRequester, log logger.Logger) *EdgeMonitor {
	if request == nil {
		request = RequestEdgeLine
	}

	return &EdgeMonitor{
		cfg:     cfg,
		log:     log,
		request: request,
		policy:  policy,
		events:  make(chan models.SensorEvent, eventChanSize),
	}
}

// Start acquires the GPIO line and emits the door's current state as the
// first event. A line that cannot be acquired degrades the monitor and kicks
// off a background re-acquisition loop instead of failing startup.
func (m *EdgeMonitor) Start(ctx context.Context) (<-chan models.SensorEvent, error) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.acquire(); err != nil {
		m.log.Error().Err(err).
			Str("sensor_id", m.cfg.SensorID).
			Str("chip", m.cfg.Chip).
			Int("pin", m.cfg.Pin).
			Msg("Door line unavailable at startup; monitor degraded")

		m.degrade()
		go m.reacquireLoop(ctx)
	}

	return m.events, nil
}

// acquire requests the line and emits the initial state.
func (m *EdgeMonitor) acquire() error {
	line, err := m.request(m.cfg.Chip, m.cfg.Pin, m.onEdge)
	if err != nil {
		return fmt.Errorf("request line %s:%d: %w", m.cfg.Chip, m.cfg.Pin, err)
	}

	var (
		value   int
		readErr error
	)

	for attempt := 0; attempt < initReadAttempts; attempt++ {
		value, readErr = line.Value()
		if readErr == nil {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	if readErr != nil {
		_ = line.Close()
		return fmt.Errorf("read initial state: %w", readErr)
	}

	m.mu.Lock()
	m.line = line
	m.mu.Unlock()

	m.health.setDegraded(false)

	kind := models.EventClosed
	if value != 0 {
		kind = models.EventOpened
	}

	m.emit(models.SensorEvent{
		SensorID:  m.cfg.SensorID,
		Category:  models.CategoryDoor,
		Kind:      kind,
		Timestamp: time.Now(),
		RawValue:  float64(value),
	})

	return nil
}

func (m *EdgeMonitor) onEdge(e Edge) {
	kind := models.EventClosed
	if e.Rising {
		kind = models.EventOpened
	}

	m.emit(models.SensorEvent{
		SensorID:  m.cfg.SensorID,
		Category:  models.CategoryDoor,
		Kind:      kind,
		Timestamp: e.Time,
	})
}

func (m *EdgeMonitor) degrade() {
	m.health.setDegraded(true)

	m.emit(models.SensorEvent{
		SensorID:  m.cfg.SensorID,
		Category:  models.CategoryDoor,
		Kind:      models.EventSensorUnavailable,
		Timestamp: time.Now(),
	})
}

// reacquireLoop retries line acquisition under the shared backoff policy
// until it succeeds or the monitor stops. No overall deadline: a flaky
// sensor may come back hours later.
func (m *EdgeMonitor) reacquireLoop(ctx context.Context) {
	p := m.policy
	p.MaxElapsedTime = 0

	_, err := retry.Do(ctx, p, func() (struct{}, error) {
		if err := m.acquire(); err != nil {
			m.log.Debug().Err(err).
				Str("sensor_id", m.cfg.SensorID).
				Msg("Door line re-acquisition failed; backing off")

			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		return
	}

	m.log.Info().
		Str("sensor_id", m.cfg.SensorID).
		Msg("Door line re-acquired; monitor healthy")
}

func (m *EdgeMonitor) emit(ev models.SensorEvent) {
	m.health.touch()

	select {
	case m.events <- ev:
	default:
		m.log.Warn().
			Str("sensor_id", ev.SensorID).
			Str("kind", string(ev.Kind)).
			Msg("Dropping raw door event; buffer full")
	}
}

// Stop releases the GPIO line.
func (m *EdgeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	if m.line != nil {
		_ = m.line.Close()
		m.line = nil
	}
}

// Health reports monitor liveness.
func (m *EdgeMonitor) Health() models.SensorHealth {
	return m.health.snapshot()
}
