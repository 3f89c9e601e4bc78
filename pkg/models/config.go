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

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
)

var (
	errInvalidDuration = errors.New("invalid duration")

	// ErrBrokerURLRequired indicates the broker URL is missing from configuration.
	ErrBrokerURLRequired = errors.New("broker url is required")
	// ErrBucketRequired indicates the object store bucket is missing.
	ErrBucketRequired = errors.New("object store bucket is required")
	// ErrObjectStoreCredsRequired indicates object store credentials are missing.
	ErrObjectStoreCredsRequired = errors.New("object store access_key_id and secret_access_key are required")
	// ErrStateStoreHostRequired indicates the state store host is missing.
	ErrStateStoreHostRequired = errors.New("state store host is required")
	// ErrStateStoreDatabaseRequired indicates the state store database is missing.
	ErrStateStoreDatabaseRequired = errors.New("state store database is required")
)

type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BrokerConfig configures the NATS JetStream publisher.
type BrokerConfig struct {
	URL            string   `json:"url"`             // e.g., nats://127.0.0.1:4222
	Stream         string   `json:"stream"`          // e.g., SENSOR_EVENTS
	SubjectPrefix  string   `json:"subject_prefix"`  // e.g., sensors
	PublishTimeout Duration `json:"publish_timeout"` // per-publish deadline
}

// ObjectStoreConfig configures the S3-compatible artifact store. Endpoint
// covers providers like Cloudflare R2 and MinIO; empty uses the default AWS
// endpoint.
type ObjectStoreConfig struct {
	Endpoint        string   `json:"endpoint,omitempty"`
	Region          string   `json:"region,omitempty"`
	Bucket          string   `json:"bucket"`
	KeyPrefix       string   `json:"key_prefix,omitempty"`
	AccessKeyID     string   `json:"access_key_id"`
	SecretAccessKey string   `json:"secret_access_key"`
	UsePathStyle    bool     `json:"use_path_style,omitempty"`
	UploadTimeout   Duration `json:"upload_timeout"`
}

// StateStoreConfig configures the Postgres-backed state recorder.
type StateStoreConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Database       string `json:"database"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	SSLMode        string `json:"ssl_mode,omitempty"`
	MaxConnections int32  `json:"max_connections,omitempty"`
}

// QueueConfig configures the delivery queue lanes.
type QueueConfig struct {
	StateCapacity     int      `json:"state_capacity"`     // evictable lane
	ArtifactCapacity  int      `json:"artifact_capacity"`  // never-evicted lane
	VisibilityTimeout Duration `json:"visibility_timeout"` // in-flight watchdog
	MaxAttempts       int      `json:"max_attempts"`       // then dead-letter
}

// RetryConfig parameterizes the shared backoff policy used by all sinks.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
}

// DoorSensorConfig configures the reed-switch edge monitor.
type DoorSensorConfig struct {
	SensorID       string   `json:"sensor_id"`
	Chip           string   `json:"chip"` // e.g., gpiochip0
	Pin            int      `json:"pin"`
	DebounceWindow Duration `json:"debounce_window"`
}

// ThresholdSensorConfig configures a threshold-sampling monitor. Sound,
// motion, and light sensors all share this shape: a level sampled at a
// fixed interval with hysteresis thresholds.
type ThresholdSensorConfig struct {
	SensorID         string   `json:"sensor_id"`
	Chip             string   `json:"chip"`
	Pin              int      `json:"pin"`
	SampleInterval   Duration `json:"sample_interval"`
	RisingThreshold  float64  `json:"rising_threshold"`
	FallingThreshold float64  `json:"falling_threshold"`
	Cooldown         Duration `json:"cooldown"`
	DebounceWindow   Duration `json:"debounce_window"`
}

// CameraSensorConfig configures the triggered-capture monitor.
type CameraSensorConfig struct {
	SensorID       string   `json:"sensor_id"`
	Device         string   `json:"device"` // e.g., /dev/video0
	CaptureTimeout Duration `json:"capture_timeout"`
	ContentType    string   `json:"content_type,omitempty"` // default image/jpeg
}

// SensorsConfig groups the per-sensor hardware assignments. Motion and
// light are optional; not every install wires a PIR or a lux sensor.
type SensorsConfig struct {
	Door   DoorSensorConfig       `json:"door"`
	Sound  ThresholdSensorConfig  `json:"sound"`
	Motion *ThresholdSensorConfig `json:"motion,omitempty"`
	Light  *ThresholdSensorConfig `json:"light,omitempty"`
	Camera CameraSensorConfig     `json:"camera"`
}

// CoreConfig is the top-level daemon configuration.
type CoreConfig struct {
	Sensors     SensorsConfig     `json:"sensors"`
	Broker      BrokerConfig      `json:"broker"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	StateStore  StateStoreConfig  `json:"state_store"`
	Queue       QueueConfig       `json:"queue"`
	Retry       RetryConfig       `json:"retry"`
	Logging     *logger.Config    `json:"logging,omitempty"`

	// ShutdownGracePeriod bounds queue draining during shutdown.
	ShutdownGracePeriod Duration `json:"shutdown_grace_period,omitempty"`
}

// Validate enforces the configuration errors that are fatal at startup.
// Everything else degrades at runtime instead of halting the process.
func (c *CoreConfig) Validate() error {
	if c.Broker.URL == "" {
		return ErrBrokerURLRequired
	}

	if c.ObjectStore.Bucket == "" {
		return ErrBucketRequired
	}

	if c.ObjectStore.AccessKeyID == "" || c.ObjectStore.SecretAccessKey == "" {
		return ErrObjectStoreCredsRequired
	}

	if c.StateStore.Host == "" {
		return ErrStateStoreHostRequired
	}

	if c.StateStore.Database == "" {
		return ErrStateStoreDatabaseRequired
	}

	return nil
}
