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
	"testing"

	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform/platformtest"
	"github.com/helixbio/pipelined/internal/queue"
)

func newLaunchFixture(t *testing.T, maxCPUs, maxLoading int) (*fakeStore, *queue.PipelineQueue, *platformtest.Factory, *Launch) {
	t.Helper()
	st := newFakeStore()
	q, err := queue.New(maxCPUs, maxLoading)
	if err != nil {
		t.Fatal(err)
	}
	factory := platformtest.NewFactory()
	l := NewLaunch(st, q, factory, "gs://outputs", nil, discardLogger())
	return st, q, factory, l
}

func TestLaunchAdmitsIdlePipeline(t *testing.T) {
	st, q, factory, l := newLaunchFixture(t, 4, 2)
	factory.Prepare = func(d *platformtest.Driver) { d.BlockRun() }
	st.addPipeline(1, pipeline.StatusIdle, 2, 10)

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !q.Contains(1) {
		t.Error("pipeline should be in the queue")
	}
	if got := st.status(1); got != pipeline.StatusReady {
		t.Errorf("database row should be READY, got %s", got)
	}
	if !st.rows[1].RunStart.Valid {
		t.Error("run_start should be recorded")
	}

	d, _ := factory.Get("1")
	if d.FinalOutputDir() != "gs://outputs/1" {
		t.Errorf("unexpected final output dir: %s", d.FinalOutputDir())
	}
	d.ReleaseRun()
}

func TestLaunchAdmissionThrottle(t *testing.T) {
	st, q, factory, l := newLaunchFixture(t, 4, 4)
	factory.Prepare = func(d *platformtest.Driver) { d.BlockRun() }
	st.addPipeline(1, pipeline.StatusIdle, 3, 10)
	st.addPipeline(2, pipeline.StatusIdle, 3, 10)

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only one of the two 3-cpu pipelines fits under the 4-cpu cap.
	admitted := 0
	for _, id := range []int64{1, 2} {
		if q.Contains(id) {
			admitted++
		} else if got := st.status(id); got != pipeline.StatusIdle {
			t.Errorf("skipped pipeline %d should stay IDLE, got %s", id, got)
		}
	}
	if admitted != 1 {
		t.Errorf("expected exactly one admission, got %d", admitted)
	}
}

func TestLaunchLoadingSlotThrottle(t *testing.T) {
	st, q, factory, l := newLaunchFixture(t, 100, 1)
	factory.Prepare = func(d *platformtest.Driver) { d.BlockLaunch() }
	st.addPipeline(1, pipeline.StatusIdle, 1, 10)
	st.addPipeline(2, pipeline.StatusIdle, 1, 10)

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The first pipeline holds the only provisioning slot; the second is
	// admissible by CPU but must wait.
	if !q.Contains(1) {
		t.Fatal("first pipeline should be admitted")
	}
	if q.Contains(2) {
		t.Error("second pipeline must wait for a provisioning slot")
	}
}

func TestLaunchSkipsPipelineAlreadyInQueue(t *testing.T) {
	st, q, factory, l := newLaunchFixture(t, 8, 4)
	factory.Prepare = func(d *platformtest.Driver) { d.BlockRun() }
	st.addPipeline(1, pipeline.StatusIdle, 1, 10)

	if err := l.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The row is READY now; force it back to IDLE to simulate a stale read.
	st.rows[1].StatusID = st.statusIDs[pipeline.StatusIdle]

	if err := l.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := q.Usage().Pipelines; got != 1 {
		t.Errorf("expected a single queue entry, got %d", got)
	}
}

func TestLaunchInitFailure(t *testing.T) {
	st, q, _, l := newLaunchFixture(t, 4, 2)
	st.addPipeline(1, pipeline.StatusIdle, 2, 10)
	st.blobErr = fmt.Errorf("corrupt config blob")

	err := l.Tick(context.Background())
	if err == nil {
		t.Fatal("expected launch failure to abort the worker")
	}

	if got := st.status(1); got != pipeline.StatusFailed {
		t.Errorf("row should be FAILED, got %s", got)
	}
	if got := st.errType(1); got != pipeline.ErrInit {
		t.Errorf("error type should be INIT, got %s", got)
	}
	if q.Contains(1) {
		t.Error("failed pipeline must not be left in the queue")
	}
}
