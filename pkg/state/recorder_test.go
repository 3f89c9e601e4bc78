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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
)

type fakeStateWriter struct {
	err    error
	writes []*models.DebouncedEvent
}

func (f *fakeStateWriter) UpsertSensorState(_ context.Context, ev *models.DebouncedEvent) error {
	if f.err != nil {
		return f.err
	}

	f.writes = append(f.writes, ev)

	return nil
}

func TestRecorderSkipsStaleSequences(t *testing.T) {
	t.Parallel()

	w := &fakeStateWriter{}
	r := NewRecorder(w, logger.NewTestLogger())

	r.record(context.Background(), testEvent(5))
	r.record(context.Background(), testEvent(3))
	r.record(context.Background(), testEvent(5))

	require.Len(t, w.writes, 1, "stale and duplicate sequences never reach the store")
	assert.Equal(t, uint64(5), w.writes[0].Sequence)
}

func TestRecorderAdvancesThroughSequences(t *testing.T) {
	t.Parallel()

	w := &fakeStateWriter{}
	r := NewRecorder(w, logger.NewTestLogger())

	for seq := uint64(1); seq <= 3; seq++ {
		r.record(context.Background(), testEvent(seq))
	}

	require.Len(t, w.writes, 3)
}

func TestRecorderFailedWriteDoesNotAdvance(t *testing.T) {
	t.Parallel()

	w := &fakeStateWriter{err: errors.New("db down")}
	r := NewRecorder(w, logger.NewTestLogger())

	r.record(context.Background(), testEvent(1))

	// The store recovers; the same sequence must be writable again on the
	// next event, not treated as already recorded.
	w.err = nil
	r.record(context.Background(), testEvent(1))

	require.Len(t, w.writes, 1)
	assert.Equal(t, uint64(1), w.writes[0].Sequence)
}

func TestRecorderRunConsumesChannel(t *testing.T) {
	t.Parallel()

	w := &fakeStateWriter{}
	r := NewRecorder(w, logger.NewTestLogger())

	in := make(chan models.DebouncedEvent, 2)
	in <- *testEvent(1)
	in <- *testEvent(2)
	close(in)

	r.Run(context.Background(), in)

	assert.Len(t, w.writes, 2)
}
