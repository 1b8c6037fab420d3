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

// Package worker implements the daemon's periodic loops: launch, run, and
// report. Each loop runs one task per tick; the first task error stops the
// loop and is surfaced to the supervisor through Check.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helixbio/pipelined/internal/log"
)

// Task is the work a worker performs each tick.
type Task func(ctx context.Context) error

// Worker runs a Task on a fixed interval until stopped or until the task
// fails.
type Worker struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger

	mu      sync.Mutex
	stopped bool
	err     error
	cancel  context.CancelFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a worker that runs task every interval once started.
func New(name string, interval time.Duration, task Task, logger *slog.Logger) *Worker {
	return &Worker{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With(slog.String(log.WorkerKey, name)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the worker loop. The first tick runs immediately.
func (w *Worker) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(wctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Debug("worker started")

	for {
		if w.Stopped() {
			w.logger.Debug("worker stopped")
			return
		}

		if err := w.task(ctx); err != nil {
			w.logger.Error("worker stopped working", log.Error(err))
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.Stop()
			return
		}

		select {
		case <-w.stopCh:
			w.logger.Debug("worker stopped")
			return
		case <-ctx.Done():
			w.logger.Debug("worker context cancelled")
			return
		case <-time.After(w.interval):
		}
	}
}

// Stop requests the worker to exit. Safe to call multiple times; the
// in-flight task sees its context cancelled.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	if w.cancel != nil {
		w.cancel()
	}
}

// Stopped reports whether the worker has been asked to stop or has stopped
// itself after a task failure.
func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Check surfaces the error that stopped the worker, if any. The supervisor
// calls this every cycle and unwinds into shutdown on a non-nil result.
func (w *Worker) Check() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return w.err
	}
	return nil
}

// Done returns a channel closed when the worker loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}
