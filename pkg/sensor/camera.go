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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// ErrEmptyFrame indicates the capture command produced no output.
var ErrEmptyFrame = errors.New("capture produced an empty frame")

// CommandCamera shells out to a capture tool that writes one encoded frame
// to stdout, e.g. rpicam-still on a Raspberry Pi or ffmpeg against a V4L2
// device. The command inherits the per-capture deadline via ctx.
type CommandCamera struct {
	Path string
	Args []string
}

// NewCommandCamera builds the default still-capture invocation for device.
func NewCommandCamera(device string) *CommandCamera {
	if device == "" {
		return &CommandCamera{
			Path: "rpicam-still",
			Args: []string{"-n", "--immediate", "-o", "-"},
		}
	}

	return &CommandCamera{
		Path: "ffmpeg",
		Args: []string{
			"-loglevel", "error",
			"-f", "v4l2", "-i", device,
			"-frames:v", "1",
			"-f", "image2", "-c:v", "mjpeg", "-",
		},
	}
}

// AcquireFrame runs the capture command and returns its stdout.
func (c *CommandCamera) AcquireFrame(ctx context.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("capture command %s: %w (%s)", c.Path, err, bytes.TrimSpace(stderr.Bytes()))
	}

	if stdout.Len() == 0 {
		return nil, ErrEmptyFrame
	}

	return stdout.Bytes(), nil
}
