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
	"log/slog"

	"github.com/helixbio/pipelined/internal/db"
	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/metrics"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform"
	"github.com/helixbio/pipelined/internal/queue"
	"github.com/helixbio/pipelined/internal/report"
)

// Report drains the completion report bus and writes the authoritative
// outcomes to the database. The bus is at-least-once: duplicates are
// detected on the pipeline's cost column and discarded.
type Report struct {
	gateway Store
	queue   *queue.PipelineQueue
	source  report.Source

	// platform verifies declared output files and fetches QC reports.
	platform platform.Driver

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReport creates the report task.
func NewReport(gateway Store, q *queue.PipelineQueue, source report.Source, driver platform.Driver, m *metrics.Metrics, logger *slog.Logger) *Report {
	return &Report{
		gateway:  gateway,
		queue:    q,
		source:   source,
		platform: driver,
		metrics:  m,
		logger:   logger,
	}
}

// Tick pulls and applies at most one report.
func (w *Report) Tick(ctx context.Context) error {
	msg, err := w.source.Pull(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	rep, perr := pipeline.ParseReport(msg.AckID, msg.Data)
	if perr != nil {
		// Nothing further is possible with an unparseable report.
		w.logger.Warn("discarding invalid pipeline report", log.Error(perr))
		w.metrics.IncReportDiscarded()
		return w.source.Ack(ctx, msg.AckID)
	}

	logger := log.WithPipeline(w.logger, rep.PipelineID)
	logger.Debug("received pipeline report")

	// The run worker must retire the runner and commit its placeholder
	// before the report can be applied; leave the message unacked so the
	// bus redelivers it.
	if w.queue.Contains(rep.PipelineID) {
		logger.Debug("report deferred, pipeline still in queue")
		return nil
	}

	discard := false
	err = w.gateway.WithSession(ctx, func(s db.Session) error {
		exists, serr := s.PipelineExists(rep.PipelineID)
		if serr != nil {
			return serr
		}
		if !exists {
			logger.Debug("report discarded, pipeline not in database")
			discard = true
			return nil
		}

		a, serr := s.PipelineByID(rep.PipelineID)
		if serr != nil {
			return serr
		}
		if a.Cost.Valid {
			logger.Debug("report discarded, pipeline already reported")
			discard = true
			return nil
		}

		w.checkOutputFiles(ctx, rep, logger)
		return w.updateDatabase(ctx, s, a, rep, logger)
	})
	if err != nil {
		return err
	}

	if discard {
		w.metrics.IncReportDiscarded()
	} else {
		w.metrics.IncReportProcessed()
	}
	return w.source.Ack(ctx, msg.AckID)
}

// checkOutputFiles verifies each declared output file on the platform and
// downgrades the report to a failure when any are missing.
func (w *Report) checkOutputFiles(ctx context.Context, rep *pipeline.Report, logger *slog.Logger) {
	missing := false
	missingMsg := "one or more output files declared in the report do not exist; " +
		"the following could not be located:"

	for _, f := range rep.Files {
		exists, err := w.platform.PathExists(ctx, f.Path)
		if err != nil {
			logger.Warn("unable to verify output file", log.String("path", f.Path), log.Error(err))
		}
		if exists {
			f.MarkFound()
			continue
		}
		logger.Debug("missing output file", log.String("path", f.Path))
		missing = true
		missingMsg += "\n" + f.String()
	}

	if missing {
		rep.Success = false
		rep.AppendError(missingMsg)
	}
}

// updateDatabase records the report: cost, engine commit, verified output
// files, QC statistics, and the final status/error classification.
func (w *Report) updateDatabase(ctx context.Context, s db.Session, a *db.Analysis, rep *pipeline.Report, logger *slog.Logger) error {
	id := a.AnalysisID

	if err := s.SetCost(id, rep.Cost); err != nil {
		return err
	}
	if rep.GitCommit != "" {
		if err := s.SetGitCommit(id, rep.GitCommit); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for _, f := range rep.Files {
		if !f.Found() {
			continue
		}
		if err := s.RegisterOutputFile(id, f); err != nil {
			return err
		}
		if f.FileType == pipeline.FileTypeQCReport {
			w.registerQCStats(ctx, s, id, f, seen, logger)
		}
	}

	switch {
	case rep.Success:
		logger.Debug("recording successful pipeline")
		if err := s.UpdateStatus(id, pipeline.StatusSuccess); err != nil {
			return err
		}
		return s.UpdateError(id, pipeline.ErrNone, "")

	case !a.ErrorID.Valid:
		logger.Debug("recording failed pipeline, no prior error in database")
		if err := s.UpdateStatus(id, pipeline.StatusFailed); err != nil {
			return err
		}
		return s.UpdateError(id, pipeline.ErrRun, rep.ErrorMsg)

	default:
		errType, _ := w.gateway.ErrTypeOf(a)
		if errType == pipeline.ErrReport || errType == pipeline.ErrRun {
			logger.Debug("overwriting placeholder error in database")
			if err := s.UpdateStatus(id, pipeline.StatusFailed); err != nil {
				return err
			}
			return s.UpdateError(id, pipeline.ErrRun, rep.ErrorMsg)
		}
		// A harder error (load, cancel, init) is already recorded; the
		// report adds nothing.
		return nil
	}
}

// registerQCStats fetches a QC report file from the platform and inserts
// its measurements, deduplicated within this report. QC failures never fail
// the report as a whole.
func (w *Report) registerQCStats(ctx context.Context, s db.Session, id int64, f *pipeline.OutputFile, seen map[string]bool, logger *slog.Logger) {
	data, err := w.platform.CatFile(ctx, f.Path)
	if err != nil {
		logger.Warn("unable to fetch qc report", log.String("path", f.Path), log.Error(err))
		return
	}

	stats, err := pipeline.ParseQCReport(data)
	if err != nil {
		logger.Warn("unable to parse qc report", log.String("path", f.Path), log.Error(err))
		return
	}

	for _, stat := range stats {
		if seen[stat.Key()] {
			continue
		}
		if err := s.RegisterQCStat(id, stat); err != nil {
			logger.Warn("unable to record qc stat", log.Error(err))
			continue
		}
		seen[stat.Key()] = true
	}
}
