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
	"time"

	"github.com/helixbio/pipelined/internal/db"
	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/metrics"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/queue"
	"github.com/helixbio/pipelined/internal/runner"
)

// Run reconciles every active runner with its database record: it applies
// operator cancels, syncs status, enforces the runtime cap, and retires
// finished runners from the queue.
type Run struct {
	gateway Store
	queue   *queue.PipelineQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRun creates the run task.
func NewRun(gateway Store, q *queue.PipelineQueue, m *metrics.Metrics, logger *slog.Logger) *Run {
	return &Run{gateway: gateway, queue: q, metrics: m, logger: logger}
}

// Tick runs one reconciliation pass. Each pipeline commits in its own
// transaction.
func (w *Run) Tick(ctx context.Context) error {
	for _, r := range w.queue.Snapshot() {
		finished := false
		err := w.gateway.WithSession(ctx, func(s db.Session) error {
			a, err := s.PipelineByID(r.ID())
			if err != nil {
				return err
			}

			curr := r.Status()
			switch {
			case curr.Active():
				return w.reconcileActive(s, a, r, curr)
			case curr == pipeline.StatusFinished:
				finished = true
				return w.recordFinished(s, a, r)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Retire only after the provisional result committed; the report
		// worker defers any report whose pipeline is still in the queue.
		if finished {
			w.logger.Debug("removing pipeline from queue",
				log.Int64(log.PipelineIDKey, r.ID()))
			w.queue.Remove(r.ID())
			w.metrics.IncFinished()
		}
	}
	return nil
}

// reconcileActive handles a runner that is still provisioning or executing.
func (w *Run) reconcileActive(s db.Session, a *db.Analysis, r *runner.Runner, curr pipeline.Status) error {
	// An operator cancel lands in the database out of band; pick it up.
	if w.gateway.StatusOf(a) == pipeline.StatusCancelling {
		w.logger.Warn("pipeline cancelled from the database",
			log.Int64(log.PipelineIDKey, r.ID()))
		r.Cancel()
		return nil
	}

	if w.gateway.StatusOf(a) != curr {
		if err := s.UpdateStatus(a.AnalysisID, curr); err != nil {
			return err
		}
	}

	if start := r.StartTime(); !start.IsZero() {
		if elapsed := time.Since(start).Hours(); elapsed > a.Type.MaxRunTime {
			w.logger.Warn("pipeline exceeded maximum runtime",
				log.Int64(log.PipelineIDKey, r.ID()),
				log.Float64("max_run_time_hours", a.Type.MaxRunTime))
			r.Cancel()
		}
	}
	return nil
}

// recordFinished writes the provisional outcome for a finished runner. A
// runner that believes it succeeded is recorded FAILED with a REPORT
// placeholder until the authoritative completion report arrives.
func (w *Run) recordFinished(s db.Session, a *db.Analysis, r *runner.Runner) error {
	w.logger.Debug("pipeline finished", log.Int64(log.PipelineIDKey, r.ID()))

	runTime := r.EndTime().Sub(r.StartTime()).Hours()
	if err := s.SetRunTime(a.AnalysisID, runTime); err != nil {
		return err
	}

	if err := s.UpdateStatus(a.AnalysisID, pipeline.StatusFailed); err != nil {
		return err
	}

	switch errType := r.ErrType(); errType {
	case pipeline.ErrNone:
		w.logger.Debug("pipeline succeeded, awaiting completion report",
			log.Int64(log.PipelineIDKey, r.ID()))
		return s.UpdateError(a.AnalysisID, pipeline.ErrReport, "")
	case pipeline.ErrCancel:
		return s.UpdateError(a.AnalysisID, pipeline.ErrCancel, "")
	default:
		return s.UpdateError(a.AnalysisID, errType, r.ErrMsg())
	}
}
