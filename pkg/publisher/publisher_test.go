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

package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/queue"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
)

var errBrokerDown = errors.New("broker down")

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	failures int
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, _ []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return nil, errBrokerDown
	}

	f.subjects = append(f.subjects, subject)

	return &jetstream.PubAck{Stream: "SENSOR_EVENTS"}, nil
}

func (f *fakeJetStream) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.subjects))
	copy(out, f.subjects)

	return out
}

func newTestPublisher(t *testing.T, js jsPublisher, maxAttempts int) (*Publisher, *queue.Queue) {
	t.Helper()

	q := queue.New(models.QueueConfig{MaxAttempts: maxAttempts}, logger.NewTestLogger())

	p := New(models.BrokerConfig{URL: "nats://test"}, q, retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}, logger.NewTestLogger())
	p.setJetStream(js)

	return p, q
}

func debouncedEvent(kind models.EventKind, seq uint64) *models.DebouncedEvent {
	return &models.DebouncedEvent{
		SensorEvent: models.SensorEvent{
			SensorID:  "door-1",
			Category:  models.CategoryDoor,
			Kind:      kind,
			Timestamp: time.Now(),
		},
		Sequence: seq,
	}
}

func TestPublisherPublishesOnCategorySubject(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{}
	p, q := newTestPublisher(t, js, 3)

	require.NoError(t, q.EnqueueEvent(debouncedEvent(models.EventOpened, 1)))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(js.published()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"sensors.door.door-1"}, js.published())
	assert.Zero(t, q.Len(), "published item must be acked")

	cancel()
	<-done
}

func TestPublisherRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{failures: 2}
	p, q := newTestPublisher(t, js, 5)

	require.NoError(t, q.EnqueueEvent(debouncedEvent(models.EventOpened, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(js.published()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, q.DeadLetters())
}

func TestPublisherDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{failures: 100}
	p, q := newTestPublisher(t, js, 2)

	require.NoError(t, q.EnqueueEvent(debouncedEvent(models.EventOpened, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, time.Second, 10*time.Millisecond)

	dead := q.DeadLetters()
	assert.Equal(t, "door-1", dead[0].SensorID)
	assert.Equal(t, errBrokerDown.Error(), dead[0].LastError)
	assert.Empty(t, js.published())
}

func TestPublisherRunsPostPublishHook(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{}
	p, q := newTestPublisher(t, js, 3)

	var (
		mu     sync.Mutex
		hooked []models.EventKind
	)

	p.SetOnPublished(func(item *models.DeliveryItem) {
		mu.Lock()
		hooked = append(hooked, item.Event.Kind)
		mu.Unlock()
	})

	require.NoError(t, q.EnqueueEvent(debouncedEvent(models.EventArtifactAvailable, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(hooked) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, models.EventArtifactAvailable, hooked[0])
	mu.Unlock()
}

func TestPublisherStateReflectsInjectedConnection(t *testing.T) {
	t.Parallel()

	p, _ := newTestPublisher(t, &fakeJetStream{}, 3)

	st := p.State()
	assert.Equal(t, models.ConnConnected, st.State)
	assert.False(t, st.ConnectedAt.IsZero())
}
