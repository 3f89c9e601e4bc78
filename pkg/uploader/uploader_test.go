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

package uploader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/queue"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
)

var errNetwork = errors.New("connection reset")

func permanentErr() error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{
			Response: &http.Response{StatusCode: http.StatusForbidden},
		},
		Err: errors.New("forbidden"),
	}
}

type fakeObjectClient struct {
	mu       sync.Mutex
	failures []error
	uploads  map[string][]byte
}

func newFakeObjectClient(failures ...error) *fakeObjectClient {
	return &fakeObjectClient{failures: failures, uploads: make(map[string][]byte)}
}

func (f *fakeObjectClient) Upload(_ context.Context, key, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]

		return err
	}

	f.uploads[key] = data

	return nil
}

func (f *fakeObjectClient) Confirm(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.uploads[key]; !ok {
		return errNetwork
	}

	return nil
}

func (f *fakeObjectClient) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.uploads)
}

type fakeJournal struct {
	mu          sync.Mutex
	records     []UploadRecord
	announced   []string
	unannounced []UploadRecord
}

func (j *fakeJournal) RecordUpload(_ context.Context, rec UploadRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records = append(j.records, rec)

	return nil
}

func (j *fakeJournal) MarkAnnounced(_ context.Context, artifactID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.announced = append(j.announced, artifactID)

	return nil
}

func (j *fakeJournal) UnannouncedUploads(_ context.Context) ([]UploadRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.unannounced, nil
}

func (j *fakeJournal) recorded() []UploadRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]UploadRecord, len(j.records))
	copy(out, j.records)

	return out
}

type fakeSequencer struct {
	mu  sync.Mutex
	seq map[string]uint64
}

func (s *fakeSequencer) NextSequence(sensorID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq == nil {
		s.seq = make(map[string]uint64)
	}

	s.seq[sensorID]++

	return s.seq[sensorID]
}

func newTestUploader(t *testing.T, store ObjectClient, journal Journal) (*Uploader, *queue.Queue) {
	t.Helper()

	q := queue.New(models.QueueConfig{MaxAttempts: 5}, logger.NewTestLogger())

	u := New(models.ObjectStoreConfig{
		Bucket:    "captures",
		KeyPrefix: "hearthwatch",
	}, q, store, journal, &fakeSequencer{}, retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}, logger.NewTestLogger())

	return u, q
}

func testArtifact() *models.Artifact {
	return &models.Artifact{
		ArtifactID:  "art-1",
		ContentType: "image/jpeg",
		Size:        3,
		CreatedAt:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		SensorID:    "cam-1",
		Data:        []byte("jpg"),
	}
}

// drainAnnouncements collects artifact_available events for window d.
func drainAnnouncements(t *testing.T, q *queue.Queue, d time.Duration) []*models.DebouncedEvent {
	t.Helper()

	var out []*models.DebouncedEvent

	deadline := time.Now().Add(d)

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		item, err := q.DequeueEvent(ctx)

		cancel()

		if err != nil {
			continue
		}

		q.Ack(item)
		out = append(out, item.Event)
	}

	return out
}

func TestUploaderAnnouncesAfterUpload(t *testing.T) {
	t.Parallel()

	store := newFakeObjectClient()
	journal := &fakeJournal{}
	u, q := newTestUploader(t, store, journal)

	require.NoError(t, q.EnqueueArtifact(testArtifact()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = u.Run(ctx) }()

	notices := drainAnnouncements(t, q, 300*time.Millisecond)
	require.Len(t, notices, 1)

	assert.Equal(t, models.EventArtifactAvailable, notices[0].Kind)
	assert.Equal(t, "cam-1", notices[0].SensorID)
	assert.Equal(t, "hearthwatch/cam-1/2026/03/14/art-1.jpg", notices[0].PayloadRef)
	assert.Equal(t, uint64(1), notices[0].Sequence)

	recs := journal.recorded()
	require.Len(t, recs, 1)
	assert.Equal(t, "art-1", recs[0].ArtifactID)
	assert.Equal(t, notices[0].PayloadRef, recs[0].Key)
}

func TestUploaderRetriesTransientThenAnnouncesOnce(t *testing.T) {
	t.Parallel()

	store := newFakeObjectClient(errNetwork, errNetwork)
	journal := &fakeJournal{}
	u, q := newTestUploader(t, store, journal)

	require.NoError(t, q.EnqueueArtifact(testArtifact()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = u.Run(ctx) }()

	notices := drainAnnouncements(t, q, 500*time.Millisecond)

	require.Len(t, notices, 1, "exactly one announcement after transient failures")
	assert.Equal(t, 1, store.uploadCount())
	assert.Empty(t, q.DeadLetters())
}

func TestUploaderPermanentRejectionDeadLetters(t *testing.T) {
	t.Parallel()

	store := newFakeObjectClient(permanentErr())
	journal := &fakeJournal{}
	u, q := newTestUploader(t, store, journal)

	require.NoError(t, q.EnqueueArtifact(testArtifact()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = u.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, time.Second, 10*time.Millisecond)

	dead := q.DeadLetters()
	assert.Equal(t, "cam-1", dead[0].SensorID)
	assert.Equal(t, 1, dead[0].Attempts, "permanent rejection must not burn retries")

	notices := drainAnnouncements(t, q, 100*time.Millisecond)
	assert.Empty(t, notices, "rejected artifacts are never announced")
	assert.Empty(t, journal.recorded())
}

func TestUploaderRedrivesUnannounced(t *testing.T) {
	t.Parallel()

	journal := &fakeJournal{
		unannounced: []UploadRecord{{
			ArtifactID: "art-9",
			SensorID:   "cam-1",
			Key:        "hearthwatch/cam-1/2026/03/13/art-9.jpg",
		}},
	}
	u, q := newTestUploader(t, newFakeObjectClient(), journal)

	require.NoError(t, u.Redrive(context.Background()))

	notices := drainAnnouncements(t, q, 100*time.Millisecond)
	require.Len(t, notices, 1)
	assert.Equal(t, "hearthwatch/cam-1/2026/03/13/art-9.jpg", notices[0].PayloadRef)
	assert.Equal(t, models.EventArtifactAvailable, notices[0].Kind)
}

func TestIsPermanentClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "forbidden", err: permanentErr(), want: true},
		{name: "network", err: errNetwork, want: false},
		{
			name: "throttled",
			err: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{
					Response: &http.Response{StatusCode: http.StatusTooManyRequests},
				},
				Err: errors.New("slow down"),
			},
			want: false,
		},
		{
			name: "server error",
			err: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{
					Response: &http.Response{StatusCode: http.StatusBadGateway},
				},
				Err: errors.New("bad gateway"),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, isPermanent(tt.err))
		})
	}
}
