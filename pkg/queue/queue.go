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

// Package queue implements the durable in-process delivery buffer between
// the debouncer and the external sinks.
//
// Two lanes: a bounded state lane where overflow evicts the oldest pending
// item for the same sensor (latest state wins), and a higher-capacity
// reliable lane for capture announcements and artifacts, which are never
// evicted. Dequeue hands an item to exactly one consumer and marks it
// in-flight; a watchdog returns items whose consumer timed out, giving
// at-least-once handoff.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
)

var (
	// ErrQueueClosed indicates the queue no longer accepts or hands out items.
	ErrQueueClosed = errors.New("delivery queue closed")
)

const (
	defaultStateCapacity     = 64
	defaultArtifactCapacity  = 256
	defaultVisibilityTimeout = 30 * time.Second
	defaultMaxAttempts       = 5
)

// DeadLetter captures the full context of an abandoned item for offline
// inspection. Dead-lettered items are logged and retained, never silently
// dropped.
type DeadLetter struct {
	Item      *models.DeliveryItem
	SensorID  string
	Kind      models.EventKind
	Attempts  int
	LastError string
	At        time.Time
}

// Queue is the only resource in the pipeline mutated by multiple tasks; all
// mutations go through its internal mutex, never exposed to callers.
type Queue struct {
	cfg models.QueueConfig
	log logger.Logger

	mu       sync.Mutex
	state    []*models.DeliveryItem // evictable debounced events
	reliable []*models.DeliveryItem // capture / artifact-available notices
	binaries []*models.DeliveryItem // artifacts pending upload
	inflight map[string]*models.DeliveryItem
	dead     []DeadLetter
	closed   bool

	evNotify  chan struct{}
	artNotify chan struct{}
}

// New creates a queue with defaults applied to unset config fields.
func New(cfg models.QueueConfig, log logger.Logger) *Queue {
	if cfg.StateCapacity <= 0 {
		cfg.StateCapacity = defaultStateCapacity
	}

	if cfg.ArtifactCapacity <= 0 {
		cfg.ArtifactCapacity = defaultArtifactCapacity
	}

	if cfg.VisibilityTimeout.Std() <= 0 {
		cfg.VisibilityTimeout = models.Duration(defaultVisibilityTimeout)
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	return &Queue{
		cfg:       cfg,
		log:       log,
		inflight:  make(map[string]*models.DeliveryItem),
		evNotify:  make(chan struct{}, 1),
		artNotify: make(chan struct{}, 1),
	}
}

// EnqueueEvent buffers a debounced event for the broker path. Never blocks:
// when the state lane is full, the oldest pending item for the same sensor
// is evicted (latest state wins); capture announcements go to the reliable
// lane and are never evicted.
func (q *Queue) EnqueueEvent(ev *models.DebouncedEvent) error {
	item := &models.DeliveryItem{
		ID:         uuid.New().String(),
		Event:      ev,
		State:      models.ItemPending,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if !item.Evictable() {
		q.reliable = append(q.reliable, item)
		q.mu.Unlock()
		q.wake(q.evNotify)

		return nil
	}

	if len(q.state) >= q.cfg.StateCapacity {
		q.evictLocked(ev.SensorID)
	}

	q.state = append(q.state, item)
	q.mu.Unlock()
	q.wake(q.evNotify)

	return nil
}

// EnqueueArtifact buffers a binary artifact for the upload path. Artifacts
// are never evicted by overflow.
func (q *Queue) EnqueueArtifact(a *models.Artifact) error {
	item := &models.DeliveryItem{
		ID:         uuid.New().String(),
		Artifact:   a,
		State:      models.ItemPending,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if len(q.binaries) >= q.cfg.ArtifactCapacity {
		q.log.Warn().
			Int("capacity", q.cfg.ArtifactCapacity).
			Msg("Artifact lane above capacity; artifacts are never dropped")
	}

	q.binaries = append(q.binaries, item)
	q.mu.Unlock()
	q.wake(q.artNotify)

	return nil
}

// evictLocked removes the oldest pending evictable item for sensorID, or
// failing that the oldest evictable item overall. Caller holds q.mu.
func (q *Queue) evictLocked(sensorID string) {
	idx := -1

	for i, it := range q.state {
		if it.SensorID() == sensorID {
			idx = i
			break
		}
	}

	if idx < 0 && len(q.state) > 0 {
		idx = 0
	}

	if idx < 0 {
		return
	}

	victim := q.state[idx]
	q.state = append(q.state[:idx], q.state[idx+1:]...)

	q.log.Debug().
		Str("sensor_id", victim.SensorID()).
		Str("item_id", victim.ID).
		Msg("Evicted stale state event on queue overflow")
}

// DequeueEvent blocks until an event item is available or ctx is done.
// Reliable-lane items are handed out before state-lane items.
func (q *Queue) DequeueEvent(ctx context.Context) (*models.DeliveryItem, error) {
	return q.dequeue(ctx, q.evNotify, func() *models.DeliveryItem {
		if len(q.reliable) > 0 {
			it := q.reliable[0]
			q.reliable = q.reliable[1:]

			return it
		}

		if len(q.state) > 0 {
			it := q.state[0]
			q.state = q.state[1:]

			return it
		}

		return nil
	})
}

// DequeueArtifact blocks until an artifact item is available or ctx is done.
func (q *Queue) DequeueArtifact(ctx context.Context) (*models.DeliveryItem, error) {
	return q.dequeue(ctx, q.artNotify, func() *models.DeliveryItem {
		if len(q.binaries) > 0 {
			it := q.binaries[0]
			q.binaries = q.binaries[1:]

			return it
		}

		return nil
	})
}

func (q *Queue) dequeue(ctx context.Context, notify chan struct{}, pop func() *models.DeliveryItem) (*models.DeliveryItem, error) {
	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		if it := pop(); it != nil {
			it.State = models.ItemInFlight
			it.InFlightSince = time.Now()
			q.inflight[it.ID] = it
			q.mu.Unlock()

			return it, nil
		}

		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// Ack marks an in-flight item delivered and destroys it.
func (q *Queue) Ack(item *models.DeliveryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.State = models.ItemDelivered
	delete(q.inflight, item.ID)
}

// Nack returns an in-flight item to pending after delay, or dead-letters it
// once attempts are exhausted. Transient failures go through here.
func (q *Queue) Nack(item *models.DeliveryItem, cause error, delay time.Duration) {
	q.mu.Lock()

	delete(q.inflight, item.ID)
	item.AttemptCount++

	if cause != nil {
		item.LastError = cause.Error()
	}

	if item.AttemptCount >= q.cfg.MaxAttempts {
		q.deadLetterLocked(item)
		q.mu.Unlock()

		return
	}

	item.State = models.ItemPending
	item.NextRetryAt = time.Now().Add(delay)
	q.mu.Unlock()

	if delay <= 0 {
		q.requeue(item)
		return
	}

	time.AfterFunc(delay, func() { q.requeue(item) })
}

// Fail dead-letters an item immediately. Permanent rejections (auth,
// validation) go through here without burning retries.
func (q *Queue) Fail(item *models.DeliveryItem, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, item.ID)
	item.AttemptCount++

	if cause != nil {
		item.LastError = cause.Error()
	}

	q.deadLetterLocked(item)
}

func (q *Queue) requeue(item *models.DeliveryItem) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return
	}

	item.State = models.ItemPending

	notify := q.evNotify

	switch {
	case item.Artifact != nil:
		q.binaries = append(q.binaries, item)
		notify = q.artNotify
	case item.Evictable():
		q.state = append(q.state, item)
	default:
		q.reliable = append(q.reliable, item)
	}

	q.mu.Unlock()
	q.wake(notify)
}

// deadLetterLocked retires an item with full context. Caller holds q.mu.
func (q *Queue) deadLetterLocked(item *models.DeliveryItem) {
	item.State = models.ItemFailed

	kind := models.EventKind("")
	if item.Event != nil {
		kind = item.Event.Kind
	}

	dl := DeadLetter{
		Item:      item,
		SensorID:  item.SensorID(),
		Kind:      kind,
		Attempts:  item.AttemptCount,
		LastError: item.LastError,
		At:        time.Now(),
	}
	q.dead = append(q.dead, dl)

	q.log.Error().
		Str("sensor_id", dl.SensorID).
		Str("kind", string(dl.Kind)).
		Int("attempt_count", dl.Attempts).
		Str("last_error", dl.LastError).
		Msg("Item dead-lettered after exhausting delivery attempts")
}

// StartWatchdog launches the visibility-timeout scanner. Items in flight
// longer than the visibility timeout are returned to pending.
func (q *Queue) StartWatchdog(ctx context.Context) {
	interval := q.cfg.VisibilityTimeout.Std() / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.reapExpired()
			}
		}
	}()
}

func (q *Queue) reapExpired() {
	cutoff := time.Now().Add(-q.cfg.VisibilityTimeout.Std())

	q.mu.Lock()

	var expired []*models.DeliveryItem

	for id, it := range q.inflight {
		if it.InFlightSince.Before(cutoff) {
			delete(q.inflight, id)
			it.AttemptCount++

			if it.AttemptCount >= q.cfg.MaxAttempts {
				it.LastError = "visibility timeout exceeded"
				q.deadLetterLocked(it)

				continue
			}

			expired = append(expired, it)
		}
	}

	q.mu.Unlock()

	for _, it := range expired {
		q.log.Warn().
			Str("item_id", it.ID).
			Str("sensor_id", it.SensorID()).
			Msg("Returning timed-out in-flight item to pending")
		q.requeue(it)
	}
}

// Len reports pending plus in-flight items across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.state) + len(q.reliable) + len(q.binaries) + len(q.inflight)
}

// DeadLetters returns a snapshot of retired items.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)

	return out
}

// Drain waits until the queue is empty or ctx expires. Used by the
// orchestrator's bounded shutdown grace period.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the queue. Pending items are abandoned; callers should Drain
// first.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wake(q.evNotify)
	q.wake(q.artNotify)
}

func (q *Queue) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
