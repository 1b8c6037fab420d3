// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/helixbio/pipelined/internal/config"
	"github.com/helixbio/pipelined/internal/daemon"
	"github.com/helixbio/pipelined/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to the daemon configuration file")
		metricsAddr  = flag.String("metrics", "", "Metrics listen address override")
		skipValidate = flag.Bool("skip-validation", false, "Skip component validation at startup")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pipelined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if *configPath == "" {
		logger.Error("--config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	mgr, err := daemon.New(cfg, *configPath, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*skipValidate {
		logger.Info("Validating daemon components")
		if err := mgr.Validate(ctx); err != nil {
			logger.Error("Daemon validation failed", log.Error(err))
			os.Exit(1)
		}
	}

	// SIGHUP reloads the queue caps; SIGINT/SIGTERM shut down gracefully.
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			logger.Debug("SIGHUP received")
			mgr.Reload()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mgr.Run(ctx)
	}()

	exitCode := 0
	errMsg := ""
	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", log.String("signal", sig.String()))
		errMsg = fmt.Sprintf("received signal %v", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("Daemon failed", log.Error(err))
			errMsg = fmt.Sprintf("runtime error: %v", err)
			exitCode = 2
		}
	}

	// Always clean up pipelines and notify administrators on the way out.
	mgr.Finalize(context.Background(), errMsg)
	logger.Info("pipelined exited")
	os.Exit(exitCode)
}
