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

// Package uploader moves captured artifacts into the object store and
// announces them on the broker path.
//
// Upload and announce are two separate steps recorded in a journal. An
// artifact_available event is enqueued only after the object is stored and
// confirmed; crash between upload and announce is repaired at startup by
// redriving unannounced journal rows. Duplicate announcements are possible
// and acceptable; lost ones are not.
package uploader

import (
	"context"
	"fmt"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/queue"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
)

// SinkName identifies the object store in health snapshots.
const SinkName = "object_store"

// UploadRecord is one journal row tracking an artifact through
// upload-then-announce.
type UploadRecord struct {
	ArtifactID  string
	SensorID    string
	Key         string
	ContentType string
	Size        int64
	UploadedAt  time.Time
}

// Journal persists upload progress so announcements survive a crash between
// the upload and the broker publish.
type Journal interface {
	RecordUpload(ctx context.Context, rec UploadRecord) error
	MarkAnnounced(ctx context.Context, artifactID string) error
	UnannouncedUploads(ctx context.Context) ([]UploadRecord, error)
}

// Sequencer allocates per-sensor sequence numbers; satisfied by the
// debouncer so artifact announcements share the sensor's ordering domain.
type Sequencer interface {
	NextSequence(sensorID string) uint64
}

// Uploader drains the artifact lane of the delivery queue into the object
// store.
type Uploader struct {
	cfg     models.ObjectStoreConfig
	log     logger.Logger
	policy  retry.Policy
	queue   *queue.Queue
	store   ObjectClient
	journal Journal
	seq     Sequencer

	mu     sync.Mutex
	status models.ConnectionStatus
}

// New creates an uploader over the given object client and journal.
func New(cfg models.ObjectStoreConfig, q *queue.Queue, store ObjectClient, journal Journal, seq Sequencer, policy retry.Policy, log logger.Logger) *Uploader {
	if cfg.UploadTimeout.Std() <= 0 {
		cfg.UploadTimeout = models.Duration(30 * time.Second)
	}

	return &Uploader{
		cfg:     cfg,
		log:     log,
		policy:  policy,
		queue:   q,
		store:   store,
		journal: journal,
		seq:     seq,
		status:  models.ConnectionStatus{State: models.ConnDisconnected},
	}
}

// Redrive re-announces journal rows whose broker publish never happened.
// Called once at startup before the consume loop.
func (u *Uploader) Redrive(ctx context.Context) error {
	recs, err := u.journal.UnannouncedUploads(ctx)
	if err != nil {
		return fmt.Errorf("list unannounced uploads: %w", err)
	}

	for i := range recs {
		rec := recs[i]

		u.log.Info().
			Str("artifact_id", rec.ArtifactID).
			Str("key", rec.Key).
			Msg("Redriving unannounced upload")

		if err := u.announce(rec); err != nil {
			return err
		}
	}

	return nil
}

// Run consumes the artifact lane until ctx is done.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		item, err := u.queue.DequeueArtifact(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		u.deliver(ctx, item)
	}
}

// deliver uploads one artifact, journals it, and enqueues the announcement.
// One attempt per dequeue; the queue owns retry pacing and attempt budgets.
func (u *Uploader) deliver(ctx context.Context, item *models.DeliveryItem) {
	a := item.Artifact
	key := u.keyFor(a)

	upCtx, cancel := context.WithTimeout(ctx, u.cfg.UploadTimeout.Std())
	defer cancel()

	if err := u.store.Upload(upCtx, key, a.ContentType, a.Data); err != nil {
		u.settleFailure(item, key, err)
		return
	}

	if err := u.store.Confirm(upCtx, key); err != nil {
		u.settleFailure(item, key, err)
		return
	}

	u.setStatus(func(s *models.ConnectionStatus) {
		s.State = models.ConnConnected
		s.ConnectedAt = time.Now()
		s.LastError = ""
	})

	rec := UploadRecord{
		ArtifactID:  a.ArtifactID,
		SensorID:    a.SensorID,
		Key:         key,
		ContentType: a.ContentType,
		Size:        a.Size,
		UploadedAt:  time.Now(),
	}

	if err := u.journal.RecordUpload(ctx, rec); err != nil {
		// The object is stored; re-upload on retry is idempotent on the
		// same key, so nacking here cannot duplicate data.
		u.settleFailure(item, key, fmt.Errorf("journal upload: %w", err))
		return
	}

	if err := u.announce(rec); err != nil {
		u.settleFailure(item, key, err)
		return
	}

	// Release the frame bytes; the object store owns them now.
	a.Data = nil

	u.queue.Ack(item)

	u.log.Info().
		Str("artifact_id", a.ArtifactID).
		Str("key", key).
		Int64("size", a.Size).
		Msg("Artifact uploaded and announced")
}

// announce enqueues the artifact_available event on the reliable lane. The
// journal row is marked announced only after the broker publish succeeds,
// via the publisher's post-publish hook.
func (u *Uploader) announce(rec UploadRecord) error {
	ev := &models.DebouncedEvent{
		SensorEvent: models.SensorEvent{
			SensorID:   rec.SensorID,
			Category:   models.CategoryCamera,
			Kind:       models.EventArtifactAvailable,
			Timestamp:  time.Now(),
			PayloadRef: rec.Key,
		},
		Sequence: u.seq.NextSequence(rec.SensorID),
	}

	if err := u.queue.EnqueueEvent(ev); err != nil {
		return fmt.Errorf("enqueue announcement for %s: %w", rec.ArtifactID, err)
	}

	return nil
}

func (u *Uploader) settleFailure(item *models.DeliveryItem, key string, err error) {
	u.setStatus(func(s *models.ConnectionStatus) {
		s.LastError = err.Error()
	})

	if isPermanent(err) {
		u.log.Error().Err(err).
			Str("key", key).
			Str("sensor_id", item.SensorID()).
			Msg("Upload rejected permanently")

		u.queue.Fail(item, err)

		return
	}

	delay := u.policy.DelayFor(item.AttemptCount)

	u.log.Warn().Err(err).
		Str("key", key).
		Str("sensor_id", item.SensorID()).
		Int("attempt_count", item.AttemptCount+1).
		Dur("retry_in", delay).
		Msg("Upload failed; artifact returned for retry")

	u.queue.Nack(item, err, delay)
}

// keyFor builds the object key: prefix/sensor/date/artifactID.ext.
func (u *Uploader) keyFor(a *models.Artifact) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(a.ContentType); err == nil && len(exts) > 0 {
		ext = exts[len(exts)-1]
	}

	if a.ContentType == "image/jpeg" {
		ext = ".jpg"
	}

	return path.Join(
		u.cfg.KeyPrefix,
		a.SensorID,
		a.CreatedAt.UTC().Format("2006/01/02"),
		a.ArtifactID+ext,
	)
}

func (u *Uploader) setStatus(mut func(*models.ConnectionStatus)) {
	u.mu.Lock()
	mut(&u.status)
	u.mu.Unlock()
}

// State reports the object store connection for health snapshots.
func (u *Uploader) State() models.ConnectionStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.status
}
