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
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestWorkerRunsTask(t *testing.T) {
	var ticks atomic.Int64
	w := New("test", time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, discardLogger())

	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never exited after Stop")
	}
}

func TestWorkerStopsOnTaskError(t *testing.T) {
	taskErr := fmt.Errorf("boom")
	w := New("test", time.Millisecond, func(ctx context.Context) error {
		return taskErr
	}, discardLogger())

	w.Start(context.Background())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never stopped after task error")
	}

	if !w.Stopped() {
		t.Error("worker should report stopped")
	}
	if err := w.Check(); err == nil {
		t.Error("Check should surface the task error")
	}
}

func TestWorkerCheckNilWhileHealthy(t *testing.T) {
	w := New("test", time.Hour, func(ctx context.Context) error {
		return nil
	}, discardLogger())

	w.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	if err := w.Check(); err != nil {
		t.Errorf("unexpected check error: %v", err)
	}

	w.Stop()
	<-w.Done()

	// A stop requested from outside is not a failure.
	if err := w.Check(); err != nil {
		t.Errorf("unexpected check error after clean stop: %v", err)
	}
}

func TestWorkerStopIdempotent(t *testing.T) {
	w := New("test", time.Hour, func(ctx context.Context) error {
		return nil
	}, discardLogger())

	w.Start(context.Background())
	w.Stop()
	w.Stop()
	<-w.Done()
}

func TestWorkerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New("test", time.Hour, func(ctx context.Context) error {
		return nil
	}, discardLogger())

	w.Start(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never exited after context cancellation")
	}
}
