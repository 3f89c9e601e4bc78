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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
)

var errNoHardware = errors.New("no such device")

type fakeLine struct {
	mu     sync.Mutex
	value  int
	closed bool
}

func (l *fakeLine) Value() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.value, nil
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true

	return nil
}

// fakeRequester hands out a fakeLine and captures the edge handler so tests
// can inject transitions.
type fakeRequester struct {
	mu       sync.Mutex
	line     *fakeLine
	handler  func(Edge)
	failures int
	requests int
}

func (r *fakeRequester) request(_ string, _ int, handler func(Edge)) (Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++

	if r.failures > 0 {
		r.failures--
		return nil, errNoHardware
	}

	r.handler = handler

	return r.line, nil
}

func (r *fakeRequester) fire(e Edge) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()

	if h != nil {
		h(e)
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func doorConfig() models.DoorSensorConfig {
	return models.DoorSensorConfig{
		SensorID: "door-1",
		Chip:     "gpiochip0",
		Pin:      17,
	}
}

func recv(t *testing.T, ch <-chan models.SensorEvent) models.SensorEvent {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sensor event")
		return models.SensorEvent{}
	}
}

func TestEdgeMonitorEmitsInitialState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value int
		want  models.EventKind
	}{
		{name: "line low means closed", value: 0, want: models.EventClosed},
		{name: "line high means opened", value: 1, want: models.EventOpened},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := &fakeRequester{line: &fakeLine{value: tt.value}}
			m := NewEdgeMonitor(doorConfig(), fastPolicy(), req.request, logger.NewTestLogger())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			events, err := m.Start(ctx)
			require.NoError(t, err)

			ev := recv(t, events)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, models.CategoryDoor, ev.Category)
			assert.Equal(t, "door-1", ev.SensorID)
		})
	}
}

func TestEdgeMonitorTranslatesEdges(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{line: &fakeLine{value: 0}}
	m := NewEdgeMonitor(doorConfig(), fastPolicy(), req.request, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Start(ctx)
	require.NoError(t, err)

	recv(t, events) // initial state

	req.fire(Edge{Rising: true, Time: time.Now()})
	assert.Equal(t, models.EventOpened, recv(t, events).Kind)

	req.fire(Edge{Rising: false, Time: time.Now()})
	assert.Equal(t, models.EventClosed, recv(t, events).Kind)
}

func TestEdgeMonitorDegradesAndReacquires(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{line: &fakeLine{value: 0}, failures: 2}
	m := NewEdgeMonitor(doorConfig(), fastPolicy(), req.request, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Start(ctx)
	require.NoError(t, err, "hardware failure degrades, never aborts startup")

	ev := recv(t, events)
	assert.Equal(t, models.EventSensorUnavailable, ev.Kind)
	assert.True(t, m.Health().Degraded)

	// The background loop keeps retrying; once the line comes back, the
	// current state is emitted and the monitor reports healthy.
	ev = recv(t, events)
	assert.Equal(t, models.EventClosed, ev.Kind)

	require.Eventually(t, func() bool {
		return !m.Health().Degraded
	}, time.Second, 10*time.Millisecond)
}

func TestEdgeMonitorStopClosesLine(t *testing.T) {
	t.Parallel()

	line := &fakeLine{value: 0}
	req := &fakeRequester{line: line}
	m := NewEdgeMonitor(doorConfig(), fastPolicy(), req.request, logger.NewTestLogger())

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	m.Stop()

	line.mu.Lock()
	defer line.mu.Unlock()
	assert.True(t, line.closed)
}
