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

// Package publisher delivers debounced events to the NATS JetStream broker.
//
// Events for one sensor publish in sequence order because the publisher
// consumes the queue serially. Broker outages never block the pipeline:
// the publisher reconnects with unbounded backoff while the queue absorbs
// (and for state events, evicts) the backlog.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/queue"
	"github.com/hearthwatch/hearthwatch/pkg/retry"
)

const (
	defaultStream         = "SENSOR_EVENTS"
	defaultSubjectPrefix  = "sensors"
	defaultPublishTimeout = 5 * time.Second

	// SinkName identifies the broker in health snapshots.
	SinkName = "broker"
)

// jsPublisher is the JetStream surface the publisher uses; satisfied by
// jetstream.JetStream and by test fakes.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher drains the event lanes of the delivery queue into JetStream.
type Publisher struct {
	cfg    models.BrokerConfig
	log    logger.Logger
	policy retry.Policy
	queue  *queue.Queue

	mu     sync.Mutex
	nc     *nats.Conn
	js     jsPublisher
	status models.ConnectionStatus

	// onPublished fires after a successful publish and ack. The orchestrator
	// uses it to mark artifact announcements in the upload journal.
	onPublished func(item *models.DeliveryItem)
}

// New creates a publisher with defaults applied to unset config fields.
func New(cfg models.BrokerConfig, q *queue.Queue, policy retry.Policy, log logger.Logger) *Publisher {
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}

	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}

	if cfg.PublishTimeout.Std() <= 0 {
		cfg.PublishTimeout = models.Duration(defaultPublishTimeout)
	}

	return &Publisher{
		cfg:    cfg,
		log:    log,
		policy: policy,
		queue:  q,
		status: models.ConnectionStatus{State: models.ConnDisconnected},
	}
}

// SetOnPublished installs the post-publish hook. Must be called before Run.
func (p *Publisher) SetOnPublished(fn func(item *models.DeliveryItem)) {
	p.onPublished = fn
}

// setJetStream injects a JetStream fake for tests.
func (p *Publisher) setJetStream(js jsPublisher) {
	p.mu.Lock()
	p.js = js
	p.status = models.ConnectionStatus{State: models.ConnConnected, ConnectedAt: time.Now()}
	p.mu.Unlock()
}

// Run connects to the broker and consumes the queue until ctx is done.
// Connection loss is absorbed by reconnect backoff, never surfaced as a
// process failure.
func (p *Publisher) Run(ctx context.Context) error {
	if p.jetStream() == nil {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	for {
		item, err := p.queue.DequeueEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		p.deliver(ctx, item)
	}
}

// connect dials NATS and ensures the stream exists, retrying without an
// overall deadline. The nats client keeps reconnecting on its own after the
// initial connection succeeds.
func (p *Publisher) connect(ctx context.Context) error {
	p.setStatus(func(s *models.ConnectionStatus) {
		s.State = models.ConnConnecting
	})

	policy := p.policy
	policy.MaxElapsedTime = 0

	nc, err := retry.Do(ctx, policy, func() (*nats.Conn, error) {
		conn, dialErr := nats.Connect(p.cfg.URL,
			nats.Name("hearthwatch-sentry"),
			nats.MaxReconnects(-1),
			nats.RetryOnFailedConnect(true),
			nats.DisconnectErrHandler(func(_ *nats.Conn, dErr error) {
				p.setStatus(func(s *models.ConnectionStatus) {
					s.State = models.ConnDisconnected
					if dErr != nil {
						s.LastError = dErr.Error()
					}
				})
				p.log.Warn().Err(dErr).Msg("Broker connection lost; client reconnecting")
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				p.setStatus(func(s *models.ConnectionStatus) {
					s.State = models.ConnConnected
					s.ConnectedAt = time.Now()
					s.LastError = ""
				})
				p.log.Info().Msg("Broker connection restored")
			}),
		)
		if dialErr != nil {
			p.setStatus(func(s *models.ConnectionStatus) {
				s.State = models.ConnBackoff
				s.LastError = dialErr.Error()
			})

			return nil, fmt.Errorf("connect to broker %s: %w", p.cfg.URL, dialErr)
		}

		return conn, nil
	})
	if err != nil {
		return err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("init jetstream: %w", err)
	}

	_, err = retry.Do(ctx, policy, func() (jetstream.Stream, error) {
		return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     p.cfg.Stream,
			Subjects: []string{p.cfg.SubjectPrefix + ".>"},
		})
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream %s: %w", p.cfg.Stream, err)
	}

	p.mu.Lock()
	p.nc = nc
	p.js = js
	p.status = models.ConnectionStatus{State: models.ConnConnected, ConnectedAt: time.Now()}
	p.mu.Unlock()

	p.log.Info().
		Str("url", p.cfg.URL).
		Str("stream", p.cfg.Stream).
		Msg("Connected to broker")

	return nil
}

// deliver publishes one item and settles it with the queue.
func (p *Publisher) deliver(ctx context.Context, item *models.DeliveryItem) {
	payload, err := json.Marshal(item.Event)
	if err != nil {
		// Unmarshalable events can never succeed; retrying wastes attempts.
		p.queue.Fail(item, fmt.Errorf("marshal event: %w", err))
		return
	}

	subject := p.subjectFor(item.Event)

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout.Std())
	defer cancel()

	_, err = p.jetStream().Publish(pubCtx, subject, payload)
	if err != nil {
		p.setStatus(func(s *models.ConnectionStatus) {
			s.LastError = err.Error()
		})

		delay := p.policy.DelayFor(item.AttemptCount)

		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("sensor_id", item.SensorID()).
			Int("attempt_count", item.AttemptCount+1).
			Dur("retry_in", delay).
			Msg("Publish failed; item returned for retry")

		p.queue.Nack(item, err, delay)

		return
	}

	p.queue.Ack(item)

	p.log.Debug().
		Str("subject", subject).
		Str("sensor_id", item.SensorID()).
		Uint64("sequence", item.Event.Sequence).
		Msg("Event published")

	if p.onPublished != nil {
		p.onPublished(item)
	}
}

func (p *Publisher) subjectFor(ev *models.DebouncedEvent) string {
	return fmt.Sprintf("%s.%s.%s", p.cfg.SubjectPrefix, ev.Category, ev.SensorID)
}

func (p *Publisher) jetStream() jsPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.js
}

func (p *Publisher) setStatus(mut func(*models.ConnectionStatus)) {
	p.mu.Lock()
	mut(&p.status)
	p.mu.Unlock()
}

// State reports the broker connection for health snapshots.
func (p *Publisher) State() models.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

// Close drains and closes the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	nc := p.nc
	p.nc = nil
	p.mu.Unlock()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
}
