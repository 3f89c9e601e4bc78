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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
)

// ErrMonitorNotStarted indicates a capture was requested before Start.
var ErrMonitorNotStarted = errors.New("capture monitor not started")

const (
	defaultCaptureTimeout = 10 * time.Second
	defaultContentType    = "image/jpeg"
)

// Camera acquires a single encoded frame.
type Camera interface {
	AcquireFrame(ctx context.Context) ([]byte, error)
}

// CaptureMonitor drives a camera on demand. It emits no events on its own;
// the orchestrator calls RequestCapture when a door opens. Capture requests
// that arrive while a capture is in flight coalesce into that capture.
type CaptureMonitor struct {
	cfg models.CameraSensorConfig
	log logger.Logger
	cam Camera

	health health

	events    chan models.SensorEvent
	artifacts chan *models.Artifact

	mu         sync.Mutex
	inFlightID string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCaptureMonitor creates a camera monitor over the given camera.
func NewCaptureMonitor(cfg models.CameraSensorConfig, cam Camera, log logger.Logger) *CaptureMonitor {
	if cfg.CaptureTimeout.Std() <= 0 {
		cfg.CaptureTimeout = models.Duration(defaultCaptureTimeout)
	}

	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}

	return &CaptureMonitor{
		cfg:       cfg,
		log:       log,
		cam:       cam,
		events:    make(chan models.SensorEvent, eventChanSize),
		artifacts: make(chan *models.Artifact, eventChanSize),
	}
}

// Start readies the monitor. The camera itself is only touched per capture.
func (m *CaptureMonitor) Start(ctx context.Context) (<-chan models.SensorEvent, error) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	return m.events, nil
}

// Artifacts carries captured frames to the upload path.
func (m *CaptureMonitor) Artifacts() <-chan *models.Artifact {
	return m.artifacts
}

// RequestCapture triggers an asynchronous frame capture and returns the
// artifact ID the capture will carry. A request arriving while one is
// already in flight coalesces into it and returns the same reference.
func (m *CaptureMonitor) RequestCapture() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return "", ErrMonitorNotStarted
	}

	if m.inFlightID != "" {
		m.log.Debug().
			Str("sensor_id", m.cfg.SensorID).
			Str("artifact_id", m.inFlightID).
			Msg("Capture already in flight; coalescing request")

		return m.inFlightID, nil
	}

	id := uuid.New().String()
	m.inFlightID = id

	go m.capture(id)

	return id, nil
}

func (m *CaptureMonitor) capture(id string) {
	defer func() {
		m.mu.Lock()
		m.inFlightID = ""
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CaptureTimeout.Std())
	defer cancel()

	frame, err := m.cam.AcquireFrame(ctx)
	if err != nil {
		m.log.Error().Err(err).
			Str("sensor_id", m.cfg.SensorID).
			Str("device", m.cfg.Device).
			Msg("Frame capture failed; camera degraded")

		m.health.setDegraded(true)
		m.emit(models.SensorEvent{
			SensorID:  m.cfg.SensorID,
			Category:  models.CategoryCamera,
			Kind:      models.EventSensorUnavailable,
			Timestamp: time.Now(),
		})

		return
	}

	m.health.setDegraded(false)

	artifact := &models.Artifact{
		ArtifactID:  id,
		ContentType: m.cfg.ContentType,
		Size:        int64(len(frame)),
		CreatedAt:   time.Now(),
		SensorID:    m.cfg.SensorID,
		Data:        frame,
	}

	select {
	case m.artifacts <- artifact:
	case <-m.ctx.Done():
		return
	}

	m.emit(models.SensorEvent{
		SensorID:   m.cfg.SensorID,
		Category:   models.CategoryCamera,
		Kind:       models.EventCaptureReady,
		Timestamp:  artifact.CreatedAt,
		PayloadRef: artifact.ArtifactID,
	})
}

func (m *CaptureMonitor) emit(ev models.SensorEvent) {
	m.health.touch()

	select {
	case m.events <- ev:
	default:
		m.log.Warn().
			Str("sensor_id", ev.SensorID).
			Str("kind", string(ev.Kind)).
			Msg("Dropping camera event; buffer full")
	}
}

// Stop cancels any in-flight capture.
func (m *CaptureMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Health reports monitor liveness.
func (m *CaptureMonitor) Health() models.SensorHealth {
	return m.health.snapshot()
}
