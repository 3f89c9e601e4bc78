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

// Package state persists last-known sensor state and the artifact upload
// journal in Postgres.
//
// Sensor-state writes are guarded by sequence numbers: an upsert only lands
// when its sequence exceeds the stored one, so retried or reordered writes
// can never regress state.
package state

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
	"github.com/hearthwatch/hearthwatch/pkg/uploader"
)

// SinkName identifies the state store in health snapshots.
const SinkName = "state_store"

const schema = `
CREATE TABLE IF NOT EXISTS sensor_states (
    sensor_id     TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    raw_value     DOUBLE PRECISION,
    last_sequence BIGINT NOT NULL,
    observed_at   TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS artifact_uploads (
    artifact_id  TEXT PRIMARY KEY,
    sensor_id    TEXT NOT NULL,
    object_key   TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size         BIGINT NOT NULL,
    uploaded_at  TIMESTAMPTZ NOT NULL,
    announced    BOOLEAN NOT NULL DEFAULT FALSE,
    announced_at TIMESTAMPTZ
);
`

// upsertState only overwrites when the incoming sequence is newer, so a
// stale retry can never clobber fresher state.
const upsertState = `
INSERT INTO sensor_states (sensor_id, kind, raw_value, last_sequence, observed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (sensor_id) DO UPDATE SET
    kind          = EXCLUDED.kind,
    raw_value     = EXCLUDED.raw_value,
    last_sequence = EXCLUDED.last_sequence,
    observed_at   = EXCLUDED.observed_at,
    updated_at    = now()
WHERE sensor_states.last_sequence < EXCLUDED.last_sequence
`

// querier is the pgx surface the store uses; satisfied by *pgxpool.Pool and
// by test fakes.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed sensor state and upload journal.
type Store struct {
	db     querier
	pool   *pgxpool.Pool
	log    logger.Logger
	policy retry.Policy

	mu     sync.Mutex
	status models.ConnectionStatus
}

// NewStore connects to Postgres and ensures the schema exists.
func NewStore(ctx context.Context, cfg models.StateStoreConfig, policy retry.Policy, log logger.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse state store config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create state store pool: %w", err)
	}

	s := &Store{
		db:     pool,
		pool:   pool,
		log:    log,
		policy: policy,
		status: models.ConnectionStatus{State: models.ConnConnecting},
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.setStatus(func(st *models.ConnectionStatus) {
		st.State = models.ConnConnected
		st.ConnectedAt = time.Now()
	})

	return s, nil
}

func buildDSN(cfg models.StateStoreConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, port, cfg.Database, sslMode)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.withRetry(ctx, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, schema)
	})
	if err != nil {
		return fmt.Errorf("ensure state store schema: %w", err)
	}

	return nil
}

// UpsertSensorState persists the latest state for a sensor. Writes carrying
// a sequence at or below the stored one are discarded by the database.
func (s *Store) UpsertSensorState(ctx context.Context, ev *models.DebouncedEvent) error {
	tag, err := s.withRetry(ctx, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, upsertState,
			ev.SensorID, string(ev.Kind), ev.RawValue, int64(ev.Sequence), ev.Timestamp)
	})
	if err != nil {
		return fmt.Errorf("upsert sensor state %s: %w", ev.SensorID, err)
	}

	if tag.RowsAffected() == 0 {
		s.log.Debug().
			Str("sensor_id", ev.SensorID).
			Uint64("sequence", ev.Sequence).
			Msg("Discarded stale sensor state write")
	}

	return nil
}

// RecordUpload journals a completed upload. Implements uploader.Journal.
func (s *Store) RecordUpload(ctx context.Context, rec uploader.UploadRecord) error {
	_, err := s.withRetry(ctx, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, `
INSERT INTO artifact_uploads (artifact_id, sensor_id, object_key, content_type, size, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (artifact_id) DO NOTHING`,
			rec.ArtifactID, rec.SensorID, rec.Key, rec.ContentType, rec.Size, rec.UploadedAt)
	})
	if err != nil {
		return fmt.Errorf("record upload %s: %w", rec.ArtifactID, err)
	}

	return nil
}

// MarkAnnounced flags a journal row once its broker publish succeeded.
func (s *Store) MarkAnnounced(ctx context.Context, artifactID string) error {
	_, err := s.withRetry(ctx, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, `
UPDATE artifact_uploads SET announced = TRUE, announced_at = now()
WHERE artifact_id = $1`, artifactID)
	})
	if err != nil {
		return fmt.Errorf("mark announced %s: %w", artifactID, err)
	}

	return nil
}

// MarkAnnouncedByKey flags a journal row by object key. The publisher's
// post-publish hook only sees the announcement event, which carries the key.
func (s *Store) MarkAnnouncedByKey(ctx context.Context, key string) error {
	_, err := s.withRetry(ctx, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, `
UPDATE artifact_uploads SET announced = TRUE, announced_at = now()
WHERE object_key = $1`, key)
	})
	if err != nil {
		return fmt.Errorf("mark announced by key %s: %w", key, err)
	}

	return nil
}

// UnannouncedUploads lists journal rows uploaded but never announced, oldest
// first, for startup redrive.
func (s *Store) UnannouncedUploads(ctx context.Context) ([]uploader.UploadRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT artifact_id, sensor_id, object_key, content_type, size, uploaded_at
FROM artifact_uploads
WHERE NOT announced
ORDER BY uploaded_at`)
	if err != nil {
		return nil, fmt.Errorf("query unannounced uploads: %w", err)
	}
	defer rows.Close()

	var recs []uploader.UploadRecord

	for rows.Next() {
		var rec uploader.UploadRecord

		if err := rows.Scan(&rec.ArtifactID, &rec.SensorID, &rec.Key,
			&rec.ContentType, &rec.Size, &rec.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unannounced uploads: %w", err)
	}

	return recs, nil
}

// withRetry runs op under the shared backoff policy, retrying only errors
// classified as transient.
func (s *Store) withRetry(ctx context.Context, op func() (pgconn.CommandTag, error)) (pgconn.CommandTag, error) {
	tag, err := retry.Do(ctx, s.policy, func() (pgconn.CommandTag, error) {
		t, opErr := op()
		if opErr == nil {
			s.setStatus(func(st *models.ConnectionStatus) {
				st.State = models.ConnConnected
				st.LastError = ""
			})

			return t, nil
		}

		s.setStatus(func(st *models.ConnectionStatus) {
			st.LastError = opErr.Error()
		})

		if !isTransient(opErr) {
			return t, retry.Permanent(opErr)
		}

		s.setStatus(func(st *models.ConnectionStatus) {
			st.State = models.ConnBackoff
		})

		return t, opErr
	})

	return tag, err
}

// isTransient classifies Postgres errors by SQLSTATE class: connection
// failures, serialization conflicts, and resource exhaustion come back on
// retry; constraint and syntax errors never do.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Unclassified errors (pool closed, broken pipe) are worth a retry.
		return !errors.Is(err, context.Canceled)
	}

	switch {
	case strings.HasPrefix(pgErr.Code, "08"): // connection exception
		return true
	case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
		return true
	case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
		return true
	case pgErr.Code == "57P03": // cannot connect now
		return true
	default:
		return false
	}
}

func (s *Store) setStatus(mut func(*models.ConnectionStatus)) {
	s.mu.Lock()
	mut(&s.status)
	s.mu.Unlock()
}

// State reports the state store connection for health snapshots.
func (s *Store) State() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
