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

const (
	defaultSampleInterval = 50 * time.Millisecond
	defaultCooldown       = 2 * time.Second

	// maxConsecutiveReadErrors before the monitor declares the sampler dead
	// and re-acquires it.
	maxConsecutiveReadErrors = 5
)

// Sampler yields the current reading from an analog or digital level sensor.
type Sampler interface {
	Sample() (float64, error)
	Close() error
}

// SamplerRequester opens the sampler for a monitor. Monitors hold a
// requester rather than a sampler so tests can substitute fake hardware and
// degraded monitors can re-acquire the real thing.
type SamplerRequester func(chip string, pin int) (Sampler, error)

// lineSampler adapts a GPIO input line to the Sampler interface. Digital
// comparator boards (sound, PIR, light modules) expose 0 or 1.
type lineSampler struct {
	line Line
}

func (s *lineSampler) Sample() (float64, error) {
	v, err := s.line.Value()
	if err != nil {
		return 0, err
	}

	return float64(v), nil
}

func (s *lineSampler) Close() error {
	return s.line.Close()
}

// RequestLineSampler opens a GPIO input line as a Sampler.
func RequestLineSampler(chip string, pin int) (Sampler, error) {
	line, err := RequestInputLine(chip, pin)
	if err != nil {
		return nil, fmt.Errorf("request line %s:%d: %w", chip, pin, err)
	}

	return &lineSampler{line: line}, nil
}

// ThresholdMonitor samples a level sensor at a fixed interval and emits its
// event kind on each rising crossing. Hysteresis: the level must drop below
// the falling threshold before another crossing can fire, and a cooldown
// suppresses spikes that follow too quickly. A sampler that cannot be
// acquired, or that fails repeatedly, degrades the monitor and is
// re-acquired under the shared backoff policy.
type ThresholdMonitor struct {
	cfg      models.ThresholdSensorConfig
	kind     models.EventKind
	category models.SensorCategory
	log      logger.Logger
	request  SamplerRequester
	policy   retry.Policy

	health health

	mu      sync.Mutex
	sampler Sampler

	events chan models.SensorEvent
	cancel context.CancelFunc
}

// NewThresholdMonitor creates a sampling monitor emitting kind on category.
// The requester defaults to the real GPIO line when nil.
func NewThresholdMonitor(cfg models.ThresholdSensorConfig, kind models.EventKind, category models.SensorCategory, policy retry.Policy, request SamplerRequester, log logger.Logger) *ThresholdMonitor {
	if request == nil {
		request = RequestLineSampler
	}

	if cfg.SampleInterval.Std() <= 0 {
		cfg.SampleInterval = models.Duration(defaultSampleInterval)
	}

	if cfg.Cooldown.Std() <= 0 {
		cfg.Cooldown = models.Duration(defaultCooldown)
	}

	if cfg.RisingThreshold <= 0 {
		cfg.RisingThreshold = 0.5
	}

	if cfg.FallingThreshold <= 0 || cfg.FallingThreshold > cfg.RisingThreshold {
		cfg.FallingThreshold = cfg.RisingThreshold
	}

	return &ThresholdMonitor{
		cfg:      cfg,
		kind:     kind,
		category: category,
		log:      log,
		request:  request,
		policy:   policy,
		events:   make(chan models.SensorEvent, eventChanSize),
	}
}

// NewSoundMonitor creates the sound-spike monitor.
func NewSoundMonitor(cfg models.ThresholdSensorConfig, policy retry.Policy, request SamplerRequester, log logger.Logger) *ThresholdMonitor {
	return NewThresholdMonitor(cfg, models.EventSoundSpike, models.CategorySound, policy, request, log)
}

// NewMotionMonitor creates a PIR presence monitor.
func NewMotionMonitor(cfg models.ThresholdSensorConfig, policy retry.Policy, request SamplerRequester, log logger.Logger) *ThresholdMonitor {
	return NewThresholdMonitor(cfg, models.EventMotionLike, models.CategoryMotion, policy, request, log)
}

// NewLightMonitor creates a light-level monitor. A lit room where none was
// expected reads as motion-like activity, same as the original PIR signal.
func NewLightMonitor(cfg models.ThresholdSensorConfig, policy retry.Policy, request SamplerRequester, log logger.Logger) *ThresholdMonitor {
	return NewThresholdMonitor(cfg, models.EventMotionLike, models.CategoryLight, policy, request, log)
}

// Start launches the sampling loop. An unavailable sampler degrades the
// monitor and keeps retrying; startup never fails on hardware.
func (m *ThresholdMonitor) Start(ctx context.Context) (<-chan models.SensorEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.run(ctx)

	return m.events, nil
}

func (m *ThresholdMonitor) run(ctx context.Context) {
	for ctx.Err() == nil {
		sampler := m.currentSampler()
		if sampler == nil {
			if !m.acquire(ctx) {
				return
			}

			continue
		}

		m.sampleLoop(ctx, sampler)
	}
}

// acquire obtains a sampler, degrading the monitor and backing off without
// an overall deadline when the hardware is absent. Returns false only when
// ctx ends.
func (m *ThresholdMonitor) acquire(ctx context.Context) bool {
	s, err := m.request(m.cfg.Chip, m.cfg.Pin)
	if err == nil {
		m.setSampler(s)
		m.health.setDegraded(false)

		return true
	}

	m.log.Error().Err(err).
		Str("sensor_id", m.cfg.SensorID).
		Str("chip", m.cfg.Chip).
		Int("pin", m.cfg.Pin).
		Msg("Sampler unavailable; monitor degraded")

	m.degrade()

	p := m.policy
	p.MaxElapsedTime = 0

	s, err = retry.Do(ctx, p, func() (Sampler, error) {
		return m.request(m.cfg.Chip, m.cfg.Pin)
	})
	if err != nil {
		return false
	}

	m.setSampler(s)
	m.health.setDegraded(false)

	m.log.Info().
		Str("sensor_id", m.cfg.SensorID).
		Msg("Sampler re-acquired; monitor healthy")

	return true
}

// sampleLoop runs until ctx ends or the sampler is declared dead, in which
// case it is closed and dropped so run re-acquires.
func (m *ThresholdMonitor) sampleLoop(ctx context.Context, sampler Sampler) {
	ticker := time.NewTicker(m.cfg.SampleInterval.Std())
	defer ticker.Stop()

	var (
		active     bool
		lastSpike  time.Time
		readErrors int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v, err := sampler.Sample()
		if err != nil {
			readErrors++

			if readErrors >= maxConsecutiveReadErrors {
				m.log.Error().Err(err).
					Str("sensor_id", m.cfg.SensorID).
					Msg("Sampler read failures; dropping it for re-acquisition")

				m.degrade()
				m.dropSampler()

				return
			}

			continue
		}

		readErrors = 0

		switch {
		case !active && v >= m.cfg.RisingThreshold:
			active = true

			if time.Since(lastSpike) < m.cfg.Cooldown.Std() {
				continue
			}

			lastSpike = time.Now()
			m.emit(models.SensorEvent{
				SensorID:  m.cfg.SensorID,
				Category:  m.category,
				Kind:      m.kind,
				Timestamp: lastSpike,
				RawValue:  v,
			})

		case active && v <= m.cfg.FallingThreshold:
			active = false
		}
	}
}

func (m *ThresholdMonitor) degrade() {
	m.health.setDegraded(true)

	m.emit(models.SensorEvent{
		SensorID:  m.cfg.SensorID,
		Category:  m.category,
		Kind:      models.EventSensorUnavailable,
		Timestamp: time.Now(),
	})
}

func (m *ThresholdMonitor) currentSampler() Sampler {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sampler
}

func (m *ThresholdMonitor) setSampler(s Sampler) {
	m.mu.Lock()
	m.sampler = s
	m.mu.Unlock()
}

func (m *ThresholdMonitor) dropSampler() {
	m.mu.Lock()
	s := m.sampler
	m.sampler = nil
	m.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
}

func (m *ThresholdMonitor) emit(ev models.SensorEvent) {
	m.health.touch()

	select {
	case m.events <- ev:
	default:
		m.log.Warn().
			Str("sensor_id", ev.SensorID).
			Str("kind", string(ev.Kind)).
			Msg("Dropping raw threshold event; buffer full")
	}
}

// Stop halts sampling and releases the sampler.
func (m *ThresholdMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.dropSampler()
}

// Health reports monitor liveness.
func (m *ThresholdMonitor) Health() models.SensorHealth {
	return m.health.snapshot()
}
