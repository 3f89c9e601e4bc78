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

// sentry is the on-device daemon: it watches the door, sound, and camera
// sensors and delivers their events to the broker, object store, and state
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hearthwatch/hearthwatch/pkg/config"
	"github.com/hearthwatch/hearthwatch/pkg/lifecycle"
	"github.com/hearthwatch/hearthwatch/pkg/models"
	"github.com/hearthwatch/hearthwatch/pkg/orchestrator"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/hearthwatch/sentry.json", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hearthwatch-sentry %s\n", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	var cfg models.CoreConfig

	cfgLoader := config.NewConfig(nil)
	if err := cfgLoader.LoadAndValidate(ctx, configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logg, err := lifecycle.CreateComponentLogger("sentry", cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	logg.Info().Str("version", version).Str("config", configPath).Msg("Starting hearthwatch sentry")

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName:     "hearthwatch-sentry",
		Service:         orchestrator.New(&cfg, logg),
		ShutdownTimeout: cfg.ShutdownGracePeriod.Std() + 5*time.Second,
		Logger:          logg,
	})
}
