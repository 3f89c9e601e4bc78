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

// Package orchestrator owns the pipeline: it wires monitors into the
// debouncer, fans debounced events out to the queue and the state recorder,
// triggers camera captures on door openings, and runs the sink workers.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/debounce"
	"github.com/hearthwatch/hearthwatch/pkg/lifecycle"
	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/publisher"
	"github.com/hearthwatch/hearthwatch/pkg/queue"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
	"github.com/hearthwatch/hearthwatch/pkg/sensor"
	"github.com/hearthwatch/hearthwatch/pkg/state"
	"github.com/hearthwatch/hearthwatch/pkg/uploader"
)

const (
	rawChanSize      = 256
	recorderChanSize = 256

	defaultShutdownGrace = 10 * time.Second
	healthLogInterval    = time.Minute
)

// Orchestrator assembles and runs the sensor pipeline. Implements
// lifecycle.Service.
type Orchestrator struct {
	cfg *models.CoreConfig
	log logger.Logger

	queue  *queue.Queue
	deb    *debounce.Debouncer
	pub    *publisher.Publisher
	up     *uploader.Uploader
	store  *state.Store
	rec    *state.Recorder
	door   sensor.Monitor
	sound  sensor.Monitor
	motion sensor.Monitor
	light  sensor.Monitor
	camera *sensor.CaptureMonitor

	recorderCh chan models.DebouncedEvent

	// Monitors and sinks get separate cancels so shutdown can stop event
	// production first and drain deliveries after.
	cancelMonitors context.CancelFunc
	cancelSinks    context.CancelFunc
	wg             sync.WaitGroup
}

var _ lifecycle.Service = (*Orchestrator)(nil)

// New creates an orchestrator for the given configuration. Components are
// constructed in Start, where the runtime context is available.
func New(cfg *models.CoreConfig, log logger.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, log: log}
}

// Start builds the pipeline and launches all workers. Sensor hardware that
// is unavailable degrades its monitor; unreachable sinks retry in the
// background. Only misconfiguration aborts startup.
func (o *Orchestrator) Start(ctx context.Context) error {
	policy := retry.PolicyFromConfig(o.cfg.Retry)

	// Long-running workers outlive the Start context.
	monCtx, cancelMonitors := context.WithCancel(context.Background())
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	o.cancelMonitors = cancelMonitors
	o.cancelSinks = cancelSinks

	store, err := state.NewStore(ctx, o.cfg.StateStore, policy, o.log)
	if err != nil {
		cancelMonitors()
		cancelSinks()

		return err
	}

	o.store = store

	objClient, err := uploader.NewS3Client(ctx, o.cfg.ObjectStore)
	if err != nil {
		store.Close()
		cancelMonitors()
		cancelSinks()

		return err
	}

	o.queue = queue.New(o.cfg.Queue, o.log)
	o.queue.StartWatchdog(sinkCtx)

	windows := map[string]time.Duration{
		o.cfg.Sensors.Door.SensorID:  o.cfg.Sensors.Door.DebounceWindow.Std(),
		o.cfg.Sensors.Sound.SensorID: o.cfg.Sensors.Sound.DebounceWindow.Std(),
	}

	if mc := o.cfg.Sensors.Motion; mc != nil {
		windows[mc.SensorID] = mc.DebounceWindow.Std()
	}

	if lc := o.cfg.Sensors.Light; lc != nil {
		windows[lc.SensorID] = lc.DebounceWindow.Std()
	}

	o.deb = debounce.New(debounce.Config{Windows: windows}, o.log)

	o.pub = publisher.New(o.cfg.Broker, o.queue, policy, o.log)
	o.pub.SetOnPublished(o.afterPublish)

	o.up = uploader.New(o.cfg.ObjectStore, o.queue, objClient, store, o.deb, policy, o.log)
	o.rec = state.NewRecorder(store, o.log)
	o.recorderCh = make(chan models.DebouncedEvent, recorderChanSize)

	o.door = sensor.NewEdgeMonitor(o.cfg.Sensors.Door, policy, nil, o.log)
	o.sound = sensor.NewSoundMonitor(o.cfg.Sensors.Sound, policy, nil, o.log)

	if mc := o.cfg.Sensors.Motion; mc != nil {
		o.motion = sensor.NewMotionMonitor(*mc, policy, nil, o.log)
	}

	if lc := o.cfg.Sensors.Light; lc != nil {
		o.light = sensor.NewLightMonitor(*lc, policy, nil, o.log)
	}

	o.camera = sensor.NewCaptureMonitor(o.cfg.Sensors.Camera,
		sensor.NewCommandCamera(o.cfg.Sensors.Camera.Device), o.log)

	raw := make(chan models.SensorEvent, rawChanSize)

	monitors := []sensor.Monitor{o.door, o.sound, o.camera}
	if o.motion != nil {
		monitors = append(monitors, o.motion)
	}

	if o.light != nil {
		monitors = append(monitors, o.light)
	}

	for _, m := range monitors {
		events, startErr := m.Start(monCtx)
		if startErr != nil {
			_ = o.Stop(ctx)

			return startErr
		}

		o.wg.Add(1)

		go o.fanIn(monCtx, events, raw)
	}

	debounced := o.deb.Run(sinkCtx, raw)

	// Repair announcements lost to a crash before new events flow.
	if err := o.up.Redrive(ctx); err != nil {
		o.log.Error().Err(err).Msg("Upload redrive failed; unannounced artifacts remain journaled")
	}

	o.wg.Add(2)

	go o.fanOut(sinkCtx, debounced)

	go func() {
		defer o.wg.Done()
		o.rec.Run(sinkCtx, o.recorderCh)
	}()

	o.runWorker(sinkCtx, "publisher", o.pub.Run)
	o.runWorker(sinkCtx, "uploader", o.up.Run)
	o.runWorker(sinkCtx, "artifact-intake", o.artifactIntake)

	o.wg.Add(1)

	go o.healthLoop(sinkCtx)

	return nil
}

func (o *Orchestrator) runWorker(ctx context.Context, name string, run func(context.Context) error) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		if err := run(ctx); err != nil && ctx.Err() == nil {
			o.log.Error().Err(err).Str("worker", name).Msg("Worker exited with error")
		}
	}()
}

// fanIn forwards one monitor's raw events into the shared debouncer input.
func (o *Orchestrator) fanIn(ctx context.Context, in <-chan models.SensorEvent, out chan<- models.SensorEvent) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fanOut routes each debounced event to the delivery queue, the state
// recorder, and (for door openings) the camera.
func (o *Orchestrator) fanOut(ctx context.Context, in <-chan models.DebouncedEvent) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}

			if ev.Category == models.CategoryDoor && ev.Kind == models.EventOpened {
				if _, err := o.camera.RequestCapture(); err != nil {
					o.log.Warn().Err(err).Msg("Capture request rejected")
				}
			}

			if err := o.queue.EnqueueEvent(&ev); err != nil {
				return
			}

			// State persistence is best-effort; never let a slow database
			// stall event delivery.
			select {
			case o.recorderCh <- ev:
			default:
				o.log.Warn().
					Str("sensor_id", ev.SensorID).
					Msg("State recorder backlog full; dropping state write")
			}
		}
	}
}

// artifactIntake moves captured frames from the camera to the upload lane.
func (o *Orchestrator) artifactIntake(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-o.camera.Artifacts():
			if !ok {
				return nil
			}

			if err := o.queue.EnqueueArtifact(a); err != nil {
				return err
			}
		}
	}
}

// afterPublish runs on the publisher's goroutine after each successful
// publish. Artifact announcements flip their journal row so redrive stops
// re-announcing them.
func (o *Orchestrator) afterPublish(item *models.DeliveryItem) {
	if item.Event == nil || item.Event.Kind != models.EventArtifactAvailable {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.store.MarkAnnouncedByKey(ctx, item.Event.PayloadRef); err != nil {
		// Redrive will re-announce; duplicates are acceptable, loss is not.
		o.log.Warn().Err(err).
			Str("key", item.Event.PayloadRef).
			Msg("Failed to mark artifact announced; will redrive on next start")
	}
}

// Health reports a point-in-time snapshot of sinks, sensors, and queue depth.
func (o *Orchestrator) Health() models.HealthSnapshot {
	snap := models.HealthSnapshot{
		Timestamp: time.Now(),
		Sinks:     make(map[string]models.ConnectionStatus),
		Sensors:   make(map[string]models.SensorHealth),
		QueueLen:  o.queue.Len(),
	}

	snap.Sinks[publisher.SinkName] = o.pub.State()
	snap.Sinks[uploader.SinkName] = o.up.State()
	snap.Sinks[state.SinkName] = o.store.State()

	snap.Sensors[o.cfg.Sensors.Door.SensorID] = o.door.Health()
	snap.Sensors[o.cfg.Sensors.Sound.SensorID] = o.sound.Health()

	if o.motion != nil {
		snap.Sensors[o.cfg.Sensors.Motion.SensorID] = o.motion.Health()
	}

	if o.light != nil {
		snap.Sensors[o.cfg.Sensors.Light.SensorID] = o.light.Health()
	}

	snap.Sensors[o.cfg.Sensors.Camera.SensorID] = o.camera.Health()

	return snap
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := o.Health()
			o.log.Info().
				Int("queue_len", snap.QueueLen).
				Interface("sinks", snap.Sinks).
				Interface("sensors", snap.Sensors).
				Msg("Pipeline health")
		}
	}
}

// Stop shuts the pipeline down in order: stop event production, drain the
// queue within the grace period, then tear down the sinks.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancelMonitors != nil {
		o.cancelMonitors()
	}

	for _, m := range []sensor.Monitor{o.door, o.sound, o.motion, o.light, o.camera} {
		if m != nil {
			m.Stop()
		}
	}

	grace := o.cfg.ShutdownGracePeriod.Std()
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	if o.queue != nil {
		drainCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()

		if err := o.queue.Drain(drainCtx); err != nil {
			o.log.Warn().
				Int("queue_len", o.queue.Len()).
				Msg("Shutdown grace period elapsed with items still queued")
		}
	}

	if o.cancelSinks != nil {
		o.cancelSinks()
	}

	if o.queue != nil {
		o.queue.Close()
	}

	if o.pub != nil {
		o.pub.Close()
	}

	if o.store != nil {
		o.store.Close()
	}

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}
