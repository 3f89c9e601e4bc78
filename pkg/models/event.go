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

// Package models defines the domain types shared across the sensor pipeline.
package models

import "time"

// EventKind classifies a sensor transition.
type EventKind string

const (
	EventOpened            EventKind = "opened"
	EventClosed            EventKind = "closed"
	EventSoundSpike        EventKind = "sound_spike"
	EventMotionLike        EventKind = "motion_like"
	EventCaptureReady      EventKind = "capture_ready"
	EventArtifactAvailable EventKind = "artifact_available"
	EventSensorUnavailable EventKind = "sensor_unavailable"
)

// Opposite returns the contradicting kind for polarity events, or "" when
// the kind has no opposite.
func (k EventKind) Opposite() EventKind {
	switch k {
	case EventOpened:
		return EventClosed
	case EventClosed:
		return EventOpened
	default:
		return ""
	}
}

// Debounceable reports whether the kind participates in debouncing. Synthetic
// and artifact kinds are already stable and pass through unfiltered.
func (k EventKind) Debounceable() bool {
	switch k {
	case EventCaptureReady, EventArtifactAvailable, EventSensorUnavailable:
		return false
	default:
		return true
	}
}

// SensorCategory groups sensors onto broker topics, one topic per category.
type SensorCategory string

const (
	CategoryDoor   SensorCategory = "door"
	CategorySound  SensorCategory = "sound"
	CategoryMotion SensorCategory = "motion"
	CategoryLight  SensorCategory = "light"
	CategoryCamera SensorCategory = "camera"
)

// SensorEvent is a raw hardware transition. Immutable once created.
// PayloadRef is a weak reference to a buffered artifact; the event never
// owns the artifact bytes.
type SensorEvent struct {
	SensorID   string         `json:"sensor_id"`
	Category   SensorCategory `json:"category"`
	Kind       EventKind      `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	RawValue   float64        `json:"raw_value,omitempty"`
	PayloadRef string         `json:"payload_ref,omitempty"`
}

// DebouncedEvent is a SensorEvent promoted to stable after surviving the
// debounce window. Sequence numbers are strictly increasing per sensor and
// never reused.
type DebouncedEvent struct {
	SensorEvent
	Sequence uint64 `json:"sequence"`
}

// Artifact is a binary blob pending upload. It is owned exclusively by the
// uploader until the upload succeeds or is abandoned.
type Artifact struct {
	ArtifactID  string    `json:"artifact_id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	SensorID    string    `json:"sensor_id"`
	Data        []byte    `json:"-"`
}
