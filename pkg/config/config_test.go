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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
	"github.com/hearthwatch/hearthwatch/pkg/models"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sentry.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const validConfig = `{
  "sensors": {
    "door":   {"sensor_id": "door-1", "chip": "gpiochip0", "pin": 17, "debounce_window": "200ms"},
    "sound":  {"sensor_id": "sound-1", "chip": "gpiochip0", "pin": 27, "rising_threshold": 0.8},
    "motion": {"sensor_id": "motion-1", "chip": "gpiochip0", "pin": 22, "debounce_window": "500ms"},
    "camera": {"sensor_id": "cam-1", "capture_timeout": "10s"}
  },
  "broker":       {"url": "nats://127.0.0.1:4222", "stream": "SENSOR_EVENTS"},
  "object_store": {"bucket": "captures", "access_key_id": "ak", "secret_access_key": "sk"},
  "state_store":  {"host": "127.0.0.1", "database": "hearthwatch", "username": "sentry"},
  "queue":        {"state_capacity": 64, "visibility_timeout": "30s"},
  "shutdown_grace_period": "10s"
}`

func TestLoadAndValidate(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, validConfig)

	var cfg models.CoreConfig

	c := NewConfig(logger.NewTestLogger())
	require.NoError(t, c.LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "door-1", cfg.Sensors.Door.SensorID)
	assert.Equal(t, 200*time.Millisecond, cfg.Sensors.Door.DebounceWindow.Std())
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Broker.URL)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod.Std())

	require.NotNil(t, cfg.Sensors.Motion)
	assert.Equal(t, "motion-1", cfg.Sensors.Motion.SensorID)
	assert.Nil(t, cfg.Sensors.Light, "unconfigured optional sensors stay absent")
}

func TestLoadAndValidateRejectsMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *models.CoreConfig)
		wantErr error
	}{
		{
			name:    "missing broker url",
			mutate:  func(cfg *models.CoreConfig) { cfg.Broker.URL = "" },
			wantErr: models.ErrBrokerURLRequired,
		},
		{
			name:    "missing bucket",
			mutate:  func(cfg *models.CoreConfig) { cfg.ObjectStore.Bucket = "" },
			wantErr: models.ErrBucketRequired,
		},
		{
			name:    "missing credentials",
			mutate:  func(cfg *models.CoreConfig) { cfg.ObjectStore.SecretAccessKey = "" },
			wantErr: models.ErrObjectStoreCredsRequired,
		},
		{
			name:    "missing state store host",
			mutate:  func(cfg *models.CoreConfig) { cfg.StateStore.Host = "" },
			wantErr: models.ErrStateStoreHostRequired,
		},
		{
			name:    "missing state store database",
			mutate:  func(cfg *models.CoreConfig) { cfg.StateStore.Database = "" },
			wantErr: models.ErrStateStoreDatabaseRequired,
		},
	}

	path := writeConfigFile(t, validConfig)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg models.CoreConfig

			c := NewConfig(logger.NewTestLogger())
			require.NoError(t, c.fileLoader.Load(context.Background(), path, &cfg))

			tt.mutate(&cfg)

			assert.ErrorIs(t, ValidateConfig(&cfg), tt.wantErr)
		})
	}
}

func TestEnvOverlayOverridesFileValues(t *testing.T) {
	// Not parallel: mutates process environment.
	t.Setenv("HEARTHWATCH_BROKER_URL", "nats://broker.lan:4222")
	t.Setenv("HEARTHWATCH_QUEUE_VISIBILITY_TIMEOUT", "45s")
	t.Setenv("HEARTHWATCH_OBJECT_STORE_USE_PATH_STYLE", "true")
	t.Setenv("HEARTHWATCH_STATE_STORE_PORT", "5433")

	path := writeConfigFile(t, validConfig)

	var cfg models.CoreConfig

	c := NewConfig(logger.NewTestLogger())
	require.NoError(t, c.LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "nats://broker.lan:4222", cfg.Broker.URL)
	assert.Equal(t, 45*time.Second, cfg.Queue.VisibilityTimeout.Std())
	assert.True(t, cfg.ObjectStore.UsePathStyle)
	assert.Equal(t, 5433, cfg.StateStore.Port)
}

func TestEnvLoaderRejectsNonPointer(t *testing.T) {
	t.Parallel()

	e := NewEnvConfigLoader(logger.NewTestLogger(), "HEARTHWATCH_")

	var cfg models.CoreConfig

	assert.ErrorIs(t, e.Load(context.Background(), "", cfg), ErrDstMustBeNonNilPointer)

	v := "not a struct"
	assert.ErrorIs(t, e.Load(context.Background(), "", &v), ErrDstMustBePointerToStruct)
}

func TestFileLoaderMissingFile(t *testing.T) {
	t.Parallel()

	var cfg models.CoreConfig

	f := &FileConfigLoader{}
	assert.Error(t, f.Load(context.Background(), "/nonexistent/sentry.json", &cfg))
}
