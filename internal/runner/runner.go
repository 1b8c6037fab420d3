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

// Package runner drives one pipeline through its lifecycle on its platform
// driver: provision, execute, tear down.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform"
)

// cancelLaunchTimeout bounds how long CancelLaunch waits for a platform
// handle to appear before force-stopping it.
const cancelLaunchTimeout = 500 * time.Second

// Config describes the pipeline a Runner will drive.
type Config struct {
	ID   int64
	Name string

	Platform platform.Driver
	Blobs    platform.ConfigBlobs

	// Resource demand committed against the queue caps.
	CPUs      int
	Mem       int
	DiskSpace int

	// MaxRunTime is the runtime cap in hours, enforced by the run worker.
	MaxRunTime float64

	// FinalOutputDir is where the pipeline delivers its outputs; it is
	// referenced in runtime error messages.
	FinalOutputDir string

	Logger *slog.Logger
}

// Runner executes one pipeline as an independent goroutine. Its body is a
// linear state progression (LOADING, RUNNING, DESTROYING, FINISHED) with a
// single recovery path; Cancel is the external interrupt.
type Runner struct {
	id             int64
	name           string
	platform       platform.Driver
	blobs          platform.ConfigBlobs
	cpus           int
	mem            int
	diskSpace      int
	maxRunTime     float64
	finalOutputDir string
	logger         *slog.Logger

	createTime time.Time

	mu        sync.Mutex
	status    pipeline.Status
	errType   pipeline.ErrType
	errMsg    string
	startTime time.Time
	endTime   time.Time

	done chan struct{}
}

// New creates a Runner in the READY state. Start launches its body.
func New(cfg Config) *Runner {
	return &Runner{
		id:             cfg.ID,
		name:           cfg.Name,
		platform:       cfg.Platform,
		blobs:          cfg.Blobs,
		cpus:           cfg.CPUs,
		mem:            cfg.Mem,
		diskSpace:      cfg.DiskSpace,
		maxRunTime:     cfg.MaxRunTime,
		finalOutputDir: cfg.FinalOutputDir,
		logger:         log.WithPipeline(cfg.Logger, cfg.ID),
		createTime:     time.Now(),
		status:         pipeline.StatusReady,
		errType:        pipeline.ErrNone,
		done:           make(chan struct{}),
	}
}

// Start launches the runner body in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

// run is the single-shot execution body.
func (r *Runner) run(ctx context.Context) {
	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()

	err := r.execute(ctx)

	if err != nil {
		r.logger.Error("pipeline failed", log.Error(err))
		r.recordFailure(err)
	} else {
		r.logger.Info("pipeline completed successfully")
	}

	r.mu.Lock()
	r.endTime = time.Now()
	r.mu.Unlock()

	r.finalize()
	close(r.done)
}

// execute provisions the platform and runs the engine on it.
func (r *Runner) execute(ctx context.Context) error {
	r.setStatus(pipeline.StatusLoading)
	if err := r.platform.Launch(ctx, r.blobs); err != nil {
		return err
	}

	// A cancel that landed during the launch leaves nothing to run.
	if r.Status() == pipeline.StatusCancelling {
		return fmt.Errorf("pipeline cancelled during launch")
	}

	r.setStatus(pipeline.StatusRunning)
	if _, _, err := r.platform.RunEngine(ctx); err != nil {
		return err
	}
	return nil
}

// recordFailure classifies the error by the state the runner was in when it
// failed. A cancelled runner keeps the CANCEL classification set by Cancel.
func (r *Runner) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case pipeline.StatusLoading:
		r.errType = pipeline.ErrLoad
		r.errMsg = fmt.Sprintf("check daemon run log\nreceived the following error: %v", err)
	case pipeline.StatusRunning:
		r.errType = pipeline.ErrRun
		r.errMsg = fmt.Sprintf("check engine log in %s\nreceived the following error: %v", r.finalOutputDir, err)
	}
}

// Cancel halts the pipeline. Safe to call at any time and from any
// goroutine; cancelling a runner that is already finishing is a no-op.
func (r *Runner) Cancel() {
	r.mu.Lock()
	curr := r.status
	switch curr {
	case pipeline.StatusDestroying, pipeline.StatusFinished, pipeline.StatusCancelling:
		r.mu.Unlock()
		return
	}
	r.status = pipeline.StatusCancelling
	r.errType = pipeline.ErrCancel
	r.errMsg = ""
	r.mu.Unlock()

	r.logger.Warn("pipeline cancelled", log.String(log.StatusKey, string(curr)))

	switch curr {
	case pipeline.StatusRunning:
		if err := r.platform.CancelEngine(); err != nil {
			r.logger.Error("failed to signal engine stop", log.Error(err))
		}
	case pipeline.StatusLoading:
		if err := r.platform.CancelLaunch(cancelLaunchTimeout); err != nil {
			r.logger.Error("failed to interrupt launch", log.Error(err))
		}
	}
}

// finalize tears the platform down and marks the runner FINISHED. Idempotent:
// a runner already destroying or finished is left alone, so teardown happens
// exactly once.
func (r *Runner) finalize() {
	r.mu.Lock()
	if r.status == pipeline.StatusDestroying || r.status == pipeline.StatusFinished {
		r.mu.Unlock()
		return
	}
	r.status = pipeline.StatusDestroying
	r.mu.Unlock()

	r.logger.Info("finalizing pipeline runner")
	if err := r.platform.Finalize(); err != nil {
		r.logger.Error("error finalizing pipeline", log.Error(err))
	}

	r.setStatus(pipeline.StatusFinished)
}

// Status returns the runner's current lifecycle state.
func (r *Runner) Status() pipeline.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) setStatus(s pipeline.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// ErrType returns the error classification recorded for the runner.
func (r *Runner) ErrType() pipeline.ErrType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errType
}

// ErrMsg returns the captured failure message, if any.
func (r *Runner) ErrMsg() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// ID returns the pipeline's database id.
func (r *Runner) ID() int64 { return r.id }

// Name returns the pipeline's human-readable name.
func (r *Runner) Name() string { return r.name }

// CPUs returns the CPU demand committed against the queue.
func (r *Runner) CPUs() int { return r.cpus }

// Mem returns the memory demand in GB.
func (r *Runner) Mem() int { return r.mem }

// DiskSpace returns the disk demand in GB.
func (r *Runner) DiskSpace() int { return r.diskSpace }

// MaxRunTime returns the runtime cap in hours.
func (r *Runner) MaxRunTime() float64 { return r.maxRunTime }

// Platform exposes the driver for the shutdown straggler pass.
func (r *Runner) Platform() platform.Driver { return r.platform }

// CreateTime returns when the runner was constructed.
func (r *Runner) CreateTime() time.Time { return r.createTime }

// StartTime returns when the runner body began, or the zero time.
func (r *Runner) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime
}

// EndTime returns when the runner body completed, or the zero time.
func (r *Runner) EndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTime
}

// Done returns a channel closed once the runner body, including platform
// teardown, has completed.
func (r *Runner) Done() <-chan struct{} { return r.done }
