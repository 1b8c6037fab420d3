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

// Package daemon composes and supervises the scheduling engine: the
// database gateway, the pipeline queue, the platform factory, the report
// source, and the three worker loops.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixbio/pipelined/internal/config"
	"github.com/helixbio/pipelined/internal/daemon/worker"
	"github.com/helixbio/pipelined/internal/db"
	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/mail"
	"github.com/helixbio/pipelined/internal/metrics"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform"
	"github.com/helixbio/pipelined/internal/platform/gce"
	"github.com/helixbio/pipelined/internal/queue"
	"github.com/helixbio/pipelined/internal/report"
)

// orphanNote is recorded on pipelines repaired by startup reconciliation.
const orphanNote = "orphaned pipeline updated upon daemon start"

// cleanupPoll is how often shutdown re-checks queue drain progress.
const cleanupPoll = 5 * time.Second

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Manager is the daemon's composition root. It owns every component's
// lifetime, runs the supervisory loop, applies config reloads, and drives
// graceful shutdown.
type Manager struct {
	cfg        *config.Config
	configPath string
	opts       Options
	logger     *slog.Logger

	gateway *db.Gateway
	queue   *queue.PipelineQueue
	factory platform.Factory
	source  report.Source
	mailer  *mail.Mailer
	metrics *metrics.Metrics

	launchWorker *worker.Worker
	runWorker    *worker.Worker
	reportWorker *worker.Worker

	mu      sync.Mutex
	stopped bool
	started bool
	stopCh  chan struct{}
}

// New builds the daemon from a validated configuration. The configPath is
// re-read on reload.
func New(cfg *config.Config, configPath string, opts Options) (*Manager, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")

	logger.Info("connecting to database", log.String("host", cfg.DB.Host))
	gateway, err := db.Open(cfg.DB, log.WithComponent(logger, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create database gateway: %w", err)
	}

	q, err := queue.New(cfg.Queue.MaxCPUs, cfg.Queue.MaxLoading)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline queue: %w", err)
	}

	factory := gce.NewFactory(gce.Config{
		Project:        cfg.Platform.Project,
		Zone:           cfg.Platform.Zone,
		MachineType:    cfg.Platform.MachineType,
		DiskImage:      cfg.Platform.DiskImage,
		BootDiskSizeGB: cfg.Platform.BootDiskSizeGB,
		ServiceAccount: cfg.Platform.ServiceAccount,
		WorkDir:        cfg.Platform.WorkDir,
		EngineURL:      cfg.Platform.EngineURL,
		EngineCommit:   cfg.Platform.EngineCommit,
	}, log.WithComponent(logger, "platform"))

	source := report.NewRedisSource(cfg.ReportQueue, log.WithComponent(logger, "report-queue"))
	mailer := mail.New(cfg.Email, log.WithComponent(logger, "mailer"))
	m := metrics.New(q)

	// The report worker shares one long-lived driver for file existence
	// checks; it never launches an instance of its own.
	reportDriver, err := factory.Driver("report-platform")
	if err != nil {
		return nil, fmt.Errorf("failed to create report platform: %w", err)
	}

	mgr := &Manager{
		cfg:        cfg,
		configPath: configPath,
		opts:       opts,
		logger:     logger,
		gateway:    gateway,
		queue:      q,
		factory:    factory,
		source:     source,
		mailer:     mailer,
		metrics:    m,
		stopCh:     make(chan struct{}),
	}

	interval := cfg.WorkerSleep()
	launch := worker.NewLaunch(gateway, q, factory, cfg.Platform.FinalOutputDir, m, log.WithComponent(logger, "launch-worker"))
	run := worker.NewRun(gateway, q, m, log.WithComponent(logger, "run-worker"))
	rep := worker.NewReport(gateway, q, source, reportDriver, m, log.WithComponent(logger, "report-worker"))

	mgr.launchWorker = worker.New("launch", interval, launch.Tick, logger)
	mgr.runWorker = worker.New("run", interval, run.Tick, logger)
	mgr.reportWorker = worker.New("report", interval, rep.Tick, logger)

	return mgr, nil
}

// Validate checks the components that support validation without starting
// the daemon.
func (m *Manager) Validate(ctx context.Context) error {
	m.logger.Info("validating report queue")
	if err := m.source.Validate(ctx); err != nil {
		return fmt.Errorf("report queue validation failed: %w", err)
	}

	m.logger.Info("validating platform factory")
	if err := m.factory.Validate(ctx); err != nil {
		return fmt.Errorf("platform factory validation failed: %w", err)
	}
	return nil
}

// Run starts the workers and blocks in the supervisory loop until stopped
// or until a worker dies. The returned error is a startup failure or the
// worker's fatal error, or nil on a clean stop.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.gateway.Sync(ctx); err != nil {
		return fmt.Errorf("failed to synchronize status tables: %w", err)
	}

	if err := m.reconcileOrphans(ctx); err != nil {
		return fmt.Errorf("failed to reconcile orphaned pipelines: %w", err)
	}

	stopMetrics, err := m.serveMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	stopWatch := m.watchConfig(ctx)
	defer stopWatch()

	m.logger.Info("starting workers",
		log.String("version", m.opts.Version),
		log.Duration("worker_sleep", m.cfg.WorkerSleep().Milliseconds()))
	m.launchWorker.Start(ctx)
	m.runWorker.Start(ctx)
	m.reportWorker.Start(ctx)

	ticker := time.NewTicker(m.cfg.DaemonSleep())
	defer ticker.Stop()

	for {
		m.logger.Info("queue status\n" + m.queue.String())

		for _, w := range []*worker.Worker{m.launchWorker, m.runWorker, m.reportWorker} {
			if err := w.Check(); err != nil {
				m.metrics.IncWorkerError(w.Name())
				return fmt.Errorf("%s worker failed: %w", w.Name(), err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// reconcileOrphans repairs state left over from a prior crash: every
// pipeline that is neither waiting nor terminal is marked failed, since no
// live runner exists for it.
func (m *Manager) reconcileOrphans(ctx context.Context) error {
	m.logger.Info("reconciling orphaned pipelines")

	return m.gateway.WithSession(ctx, func(s db.Session) error {
		all, err := s.AllPipelines()
		if err != nil {
			return err
		}
		for _, a := range all {
			status := m.gateway.StatusOf(a)
			if status == pipeline.StatusIdle || status.Terminal() {
				continue
			}
			m.logger.Warn("orphaned pipeline updated",
				log.Int64(log.PipelineIDKey, a.AnalysisID),
				log.String(log.StatusKey, string(status)))
			if err := s.UpdateStatus(a.AnalysisID, pipeline.StatusFailed); err != nil {
				return err
			}
			if err := s.UpdateError(a.AnalysisID, pipeline.ErrOther, orphanNote); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reload re-reads the configuration file and applies the queue caps to the
// live queue. Other fields are ignored until restart. Reload never fails
// the daemon; a bad config is logged and skipped.
func (m *Manager) Reload() {
	cfg, err := config.Load(m.configPath)
	if err != nil {
		m.logger.Error("unable to refresh queue caps from config file", log.Error(err))
		return
	}

	if cfg.Queue.MaxCPUs != m.queue.MaxCPUs() {
		m.logger.Info("updating queue cpu limit",
			log.Int("from", m.queue.MaxCPUs()), log.Int("to", cfg.Queue.MaxCPUs))
		m.queue.SetMaxCPUs(cfg.Queue.MaxCPUs)
	}
	if cfg.Queue.MaxLoading != m.queue.MaxLoading() {
		m.logger.Info("updating queue loading limit",
			log.Int("from", m.queue.MaxLoading()), log.Int("to", cfg.Queue.MaxLoading))
		m.queue.SetMaxLoading(cfg.Queue.MaxLoading)
	}
}

// Stop requests the supervisory loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

// Finalize stops the daemon, drains the queue, and notifies administrators.
// It is the single exit path: the failure email is attempted regardless of
// how the daemon came down.
func (m *Manager) Finalize(ctx context.Context, errMsg string) {
	m.Stop()

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if started {
		m.logger.Info("cleaning up pipelines")
		if err := m.cleanUp(); err != nil {
			m.logger.Error("unable to complete daemon clean-up", log.Error(err))
		}
	}

	m.logger.Info("notifying administrators of daemon shutdown")
	m.reportFailure(ctx, errMsg)

	if err := m.source.Close(); err != nil {
		m.logger.Error("failed to close report source", log.Error(err))
	}
	if err := m.gateway.Close(); err != nil {
		m.logger.Error("failed to close database gateway", log.Error(err))
	}
}

// cleanUp stops launches, cancels every active runner, and waits for the
// run worker to drain the queue. Stragglers get their platforms destroyed
// directly as a last resort.
func (m *Manager) cleanUp() error {
	m.logger.Info("stopping new pipelines from launching")
	m.launchWorker.Stop()

	m.logger.Info("cancelling all running pipelines")
	for _, r := range m.queue.Snapshot() {
		r.Cancel()
	}

	// While the run worker lives, finished runners are retired normally and
	// their outcomes recorded.
	m.logger.Info("waiting for run worker to clear the queue")
	for !m.runWorker.Stopped() && !m.queue.IsEmpty() {
		time.Sleep(cleanupPoll)
	}

	if m.queue.IsEmpty() {
		m.logger.Info("cleared all pipelines from queue")
	} else {
		m.logger.Warn("run worker unable to clear queue, destroying stragglers")
		for _, r := range m.queue.Snapshot() {
			m.logger.Info("destroying pipeline platform", log.Int64(log.PipelineIDKey, r.ID()))
			if err := r.Platform().Finalize(); err != nil {
				m.logger.Error("unable to destroy pipeline platform",
					log.Int64(log.PipelineIDKey, r.ID()), log.Error(err))
			}
		}
	}

	m.reportWorker.Stop()
	m.runWorker.Stop()
	<-m.runWorker.Done()
	<-m.reportWorker.Done()
	return nil
}

// reportFailure emails the configured recipients. Mail errors are logged
// and swallowed so they never block the exit path.
func (m *Manager) reportFailure(ctx context.Context, errMsg string) {
	body := "pipelined daemon has stopped!"
	if errMsg != "" {
		body += "\n" + errMsg
	}
	if err := m.mailer.Send(ctx, m.cfg.EmailRecipients, "FAILURE ALERT", body); err != nil {
		m.logger.Error("failed to send failure email", log.Error(err))
	}
}
