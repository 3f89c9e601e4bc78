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

// Package config loads and validates the daemon configuration from a JSON
// file with environment variable overrides.
package config

import (
	"context"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
)

// DefaultEnvPrefix is the prefix for environment variable overrides.
const DefaultEnvPrefix = "HEARTHWATCH_"

// Config holds the configuration loading dependencies.
type Config struct {
	fileLoader ConfigLoader
	envLoader  ConfigLoader
	logger     logger.Logger
}

// NewConfig initializes a new Config instance with a file loader plus env
// overlay.
func NewConfig(log logger.Logger) *Config {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Config{
		fileLoader: &FileConfigLoader{},
		envLoader:  NewEnvConfigLoader(log, DefaultEnvPrefix),
		logger:     log,
	}
}

// LoadAndValidate loads the file config, overlays environment overrides, and
// validates the result if it implements Validator.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	if err := c.fileLoader.Load(ctx, path, cfg); err != nil {
		return err
	}

	if err := c.envLoader.Load(ctx, path, cfg); err != nil {
		return err
	}

	return ValidateConfig(cfg)
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}
