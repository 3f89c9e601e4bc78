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

package lifecycle

import (
	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/rs/zerolog"
)

// CreateLogger creates a new logger instance with the provided configuration.
// This returns a logger that can be injected into services.
func CreateLogger(config *logger.Config) (logger.Logger, error) {
	return logger.New(config)
}

// CreateComponentLogger creates a logger for a specific component.
func CreateComponentLogger(component string, config *logger.Config) (logger.Logger, error) {
	base, err := logger.New(config)
	if err != nil {
		return nil, err
	}

	return &componentLogger{inner: base, component: component}, nil
}

// componentLogger tags every event with the owning component.
type componentLogger struct {
	inner     logger.Logger
	component string
}

func (c *componentLogger) Trace() *zerolog.Event { return c.inner.Trace().Str("component", c.component) }
func (c *componentLogger) Debug() *zerolog.Event { return c.inner.Debug().Str("component", c.component) }
func (c *componentLogger) Info() *zerolog.Event  { return c.inner.Info().Str("component", c.component) }
func (c *componentLogger) Warn() *zerolog.Event  { return c.inner.Warn().Str("component", c.component) }
func (c *componentLogger) Error() *zerolog.Event { return c.inner.Error().Str("component", c.component) }
func (c *componentLogger) Fatal() *zerolog.Event { return c.inner.Fatal().Str("component", c.component) }
func (c *componentLogger) Panic() *zerolog.Event { return c.inner.Panic().Str("component", c.component) }
func (c *componentLogger) With() zerolog.Context { return c.inner.With().Str("component", c.component) }

func (c *componentLogger) WithComponent(component string) zerolog.Logger {
	return c.inner.WithComponent(component)
}

func (c *componentLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	return c.inner.WithFields(fields)
}

func (c *componentLogger) SetLevel(level zerolog.Level) { c.inner.SetLevel(level) }
func (c *componentLogger) SetDebug(debug bool)          { c.inner.SetDebug(debug) }
