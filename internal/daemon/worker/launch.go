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

package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/helixbio/pipelined/internal/db"
	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/metrics"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform"
	"github.com/helixbio/pipelined/internal/queue"
	"github.com/helixbio/pipelined/internal/runner"
)

// Store is the database surface the worker loops use: scoped sessions plus
// the status and error-type caches. Satisfied by *db.Gateway.
type Store interface {
	WithSession(ctx context.Context, fn func(db.Session) error) error
	StatusOf(a *db.Analysis) pipeline.Status
	ErrTypeOf(a *db.Analysis) (pipeline.ErrType, bool)
}

// Launch discovers IDLE pipelines and starts runners for the ones the queue
// can admit. Pipelines skipped for lack of resources are retested on the
// next tick; there is no retry limit.
type Launch struct {
	gateway Store
	queue   *queue.PipelineQueue
	factory platform.Factory

	// outputBase is the storage directory pipeline outputs are delivered
	// under, one subdirectory per pipeline id.
	outputBase string

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewLaunch creates the launch task.
func NewLaunch(gateway Store, q *queue.PipelineQueue, factory platform.Factory, outputBase string, m *metrics.Metrics, logger *slog.Logger) *Launch {
	return &Launch{
		gateway:    gateway,
		queue:      q,
		factory:    factory,
		outputBase: outputBase,
		metrics:    m,
		logger:     logger,
	}
}

// Tick runs one launch pass.
func (l *Launch) Tick(ctx context.Context) error {
	var idle []*db.Analysis
	err := l.gateway.WithSession(ctx, func(s db.Session) error {
		var serr error
		idle, serr = s.PipelinesByStatus(pipeline.StatusIdle)
		return serr
	})
	if err != nil {
		return err
	}

	for _, a := range idle {
		if ctx.Err() != nil {
			return nil
		}
		if !l.canLoad(a) {
			continue
		}

		if err := l.launchPipeline(ctx, a); err != nil {
			l.logger.Error("unable to launch pipeline",
				log.Int64(log.PipelineIDKey, a.AnalysisID), log.Error(err))
			l.markFailed(ctx, a.AnalysisID, err)
			// An init failure means runners can no longer be constructed
			// from database records; abort so the supervisor notices.
			return fmt.Errorf("failed to launch pipeline %d: %w", a.AnalysisID, err)
		}
	}
	return nil
}

// canLoad tests admission without committing anything.
func (l *Launch) canLoad(a *db.Analysis) bool {
	if !l.queue.CanAdmit(a.Type.CPUs) {
		l.logger.Debug("pipeline deferred by resource limit",
			log.Int64(log.PipelineIDKey, a.AnalysisID))
		return false
	}
	if l.queue.Contains(a.AnalysisID) {
		l.logger.Debug("pipeline already in queue",
			log.Int64(log.PipelineIDKey, a.AnalysisID))
		return false
	}
	return true
}

// launchPipeline builds a runner for one pipeline, marks the record READY,
// and admits the runner into the queue. All database mutations commit in
// one transaction.
func (l *Launch) launchPipeline(ctx context.Context, a *db.Analysis) error {
	l.logger.Info("preparing to launch pipeline",
		log.Int64(log.PipelineIDKey, a.AnalysisID), log.String("name", a.Name))

	name := strconv.FormatInt(a.AnalysisID, 10)
	driver, err := l.factory.Driver(name)
	if err != nil {
		return err
	}
	// path.Join would collapse the double slash in storage URLs.
	outputDir := strings.TrimRight(l.outputBase, "/") + "/" + name
	driver.SetFinalOutputDir(outputDir)

	var run *runner.Runner
	err = l.gateway.WithSession(ctx, func(s db.Session) error {
		blobs, berr := s.ConfigBlobs(a.AnalysisID)
		if berr != nil {
			return berr
		}

		run = runner.New(runner.Config{
			ID:             a.AnalysisID,
			Name:           a.Name,
			Platform:       driver,
			Blobs:          blobs,
			CPUs:           a.Type.CPUs,
			Mem:            a.Type.Mem,
			DiskSpace:      a.Type.DiskSpace,
			MaxRunTime:     a.Type.MaxRunTime,
			FinalOutputDir: outputDir,
			Logger:         l.logger,
		})

		if uerr := s.UpdateStatus(a.AnalysisID, pipeline.StatusReady); uerr != nil {
			return uerr
		}
		return s.SetRunStart(a.AnalysisID, sql.NullTime{Time: time.Now(), Valid: true})
	})
	if err != nil {
		return err
	}

	run.Start(ctx)
	if err := l.queue.Add(run); err != nil {
		return err
	}

	l.metrics.IncLaunched()
	return nil
}

// markFailed records an INIT failure for a pipeline in its own session; the
// launch transaction has already rolled back.
func (l *Launch) markFailed(ctx context.Context, id int64, cause error) {
	err := l.gateway.WithSession(ctx, func(s db.Session) error {
		if uerr := s.UpdateStatus(id, pipeline.StatusFailed); uerr != nil {
			return uerr
		}
		return s.UpdateError(id, pipeline.ErrInit, cause.Error())
	})
	if err != nil {
		l.logger.Error("unable to record pipeline init failure",
			log.Int64(log.PipelineIDKey, id), log.Error(err))
	}
}
