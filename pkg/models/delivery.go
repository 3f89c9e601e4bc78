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

// ItemState tracks a DeliveryItem through the queue.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemInFlight  ItemState = "in_flight"
	ItemDelivered ItemState = "delivered"
	ItemFailed    ItemState = "failed"
)

// DeliveryItem wraps a DebouncedEvent or an Artifact pending delivery to an
// external sink. Exactly one of Event or Artifact is set. The item is
// mutated only by the component currently processing it.
type DeliveryItem struct {
	ID           string
	Event        *DebouncedEvent
	Artifact     *Artifact
	State        ItemState
	AttemptCount int
	NextRetryAt  time.Time
	EnqueuedAt   time.Time
	LastError    string

	// InFlightSince drives the visibility-timeout watchdog.
	InFlightSince time.Time
}

// SensorID returns the sensor the item belongs to, regardless of payload type.
func (d *DeliveryItem) SensorID() string {
	if d.Event != nil {
		return d.Event.SensorID
	}

	if d.Artifact != nil {
		return d.Artifact.SensorID
	}

	return ""
}

// Evictable reports whether queue overflow may replace this item. Capture
// announcements and artifacts are never evicted; state-type events are,
// latest state wins.
func (d *DeliveryItem) Evictable() bool {
	if d.Artifact != nil {
		return false
	}

	if d.Event != nil {
		switch d.Event.Kind {
		case EventCaptureReady, EventArtifactAvailable:
			return false
		}
	}

	return true
}
