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

package models

import "time"

// ConnState is the connection state of an external sink.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnBackoff      ConnState = "backoff"
)

// ConnectionStatus is a point-in-time view of one sink connection. The
// owning publisher/uploader/recorder is the only writer; the orchestrator
// observes it for health reporting.
type ConnectionStatus struct {
	State       ConnState     `json:"state"`
	Backoff     time.Duration `json:"backoff,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
}

// SensorHealth reports per-sensor staleness for the health snapshot.
type SensorHealth struct {
	LastEventAt  time.Time     `json:"last_event_at"`
	LastEventAge time.Duration `json:"last_event_age"`
	Degraded     bool          `json:"degraded"`
}

// HealthSnapshot is the aggregate status consumed by an external
// monitoring collaborator.
type HealthSnapshot struct {
	Timestamp time.Time                   `json:"timestamp"`
	Sinks     map[string]ConnectionStatus `json:"sinks"`
	Sensors   map[string]SensorHealth     `json:"sensors"`
	QueueLen  int                         `json:"queue_len"`
}
