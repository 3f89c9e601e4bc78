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

// Package lifecycle manages service startup and graceful shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/logger"
)

const defaultShutdownTimeout = 30 * time.Second

// Service is anything with a managed lifetime. Start must not block after
// the service is running; Stop must release all resources.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures a Run invocation.
type Options struct {
	ServiceName     string
	Service         Service
	ShutdownTimeout time.Duration
	Logger          logger.Logger
}

// Run starts the service and blocks until the context is canceled or a
// SIGINT/SIGTERM arrives, then stops the service within the shutdown timeout.
func Run(ctx context.Context, opts *Options) error {
	log := opts.Logger
	if log == nil {
		var err error

		log, err = logger.New(nil)
		if err != nil {
			return fmt.Errorf("failed to create lifecycle logger: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := opts.Service.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start %s: %w", opts.ServiceName, err)
	}

	log.Info().Str("service", opts.ServiceName).Msg("Service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("Context canceled, shutting down")
	}

	cancel()

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()

	if err := opts.Service.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", opts.ServiceName, err)
	}

	log.Info().Str("service", opts.ServiceName).Msg("Service stopped")

	return nil
}
