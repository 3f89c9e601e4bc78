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
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Edge is a level transition on a GPIO line.
type Edge struct {
	Rising bool
	Time   time.Time
}

// Line is the subset of a requested GPIO line the monitors use.
type Line interface {
	Value() (int, error)
	Close() error
}

// EdgeLineRequester opens a GPIO line configured for both-edge events.
// Monitors hold a requester rather than a line so tests can substitute
// fake hardware and degraded monitors can re-acquire the line.
type EdgeLineRequester func(chip string, pin int, handler func(Edge)) (Line, error)

// RequestEdgeLine opens a pulled-up input line on the character device and
// delivers both-edge events to handler.
func RequestEdgeLine(chip string, pin int, handler func(Edge)) (Line, error) {
	return gpiocdev.RequestLine(chip, pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(Edge{
				Rising: evt.Type == gpiocdev.LineEventRisingEdge,
				Time:   time.Now(),
			})
		}),
	)
}

// RequestInputLine opens an input line for value polling.
func RequestInputLine(chip string, pin int) (Line, error) {
	return gpiocdev.RequestLine(chip, pin, gpiocdev.AsInput)
}
