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

// Package queue provides the process-wide registry of active pipeline
// runners with multi-dimensional admission control.
package queue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/runner"
)

// DuplicateKeyError is returned by Add when a runner with the same id is
// already present in the queue.
type DuplicateKeyError struct {
	ID int64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate pipeline with id %d in queue", e.ID)
}

// ResourceError is returned by Add when inserting a runner would exceed a
// configured cap. Callers are expected to test CanAdmit first; this error
// only fires on misuse.
type ResourceError struct {
	Dimension string
	Max       int
	ID        int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("queue %s limit (%d) exceeded adding pipeline %d", e.Dimension, e.Max, e.ID)
}

// Usage is a point-in-time snapshot of queue resource consumption.
type Usage struct {
	CPUs       int
	MaxCPUs    int
	Loading    int
	MaxLoading int
	Pipelines  int
}

// PipelineQueue is the shared registry of active runners. All operations are
// serialized under a single mutex so admission, insertion, removal, and
// usage reads appear atomic to the worker loops.
type PipelineQueue struct {
	mu sync.Mutex

	maxCPUs    int
	maxLoading int
	currCPUs   int

	// runners preserves insertion order alongside the id index.
	runners map[int64]*runner.Runner
	order   []int64
}

// New creates a PipelineQueue with the given resource caps.
func New(maxCPUs, maxLoading int) (*PipelineQueue, error) {
	if maxCPUs <= 0 {
		return nil, fmt.Errorf("queue max cpus must be a positive integer, got %d", maxCPUs)
	}
	if maxLoading <= 0 {
		return nil, fmt.Errorf("queue max loading must be a positive integer, got %d", maxLoading)
	}
	return &PipelineQueue{
		maxCPUs:    maxCPUs,
		maxLoading: maxLoading,
		runners:    make(map[int64]*runner.Runner),
	}, nil
}

// numLoading counts runners currently occupying a provisioning slot.
// Callers must hold q.mu.
func (q *PipelineQueue) numLoading() int {
	n := 0
	for _, r := range q.runners {
		if s := r.Status(); s == pipeline.StatusReady || s == pipeline.StatusLoading {
			n++
		}
	}
	return n
}

// CanAdmit reports whether a runner demanding reqCPUs can be added without
// violating the CPU cap or the provisioning-slot cap. Parallel VM
// provisioning saturates cloud quotas long before aggregate CPU does, hence
// the separate loading dimension.
func (q *PipelineQueue) CanAdmit(reqCPUs int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cpuOverload := q.currCPUs+reqCPUs > q.maxCPUs
	loadingOverload := q.numLoading()+1 > q.maxLoading
	return !cpuOverload && !loadingOverload
}

// Add inserts a runner into the queue and commits its resource demand.
// Returns DuplicateKeyError if the id is already present and ResourceError
// if the post-insert totals violate a cap.
func (q *PipelineQueue) Add(r *runner.Runner) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := r.ID()
	if _, ok := q.runners[id]; ok {
		return &DuplicateKeyError{ID: id}
	}

	q.runners[id] = r
	q.order = append(q.order, id)
	q.currCPUs += r.CPUs()

	if q.currCPUs > q.maxCPUs {
		return &ResourceError{Dimension: "cpu", Max: q.maxCPUs, ID: id}
	}
	if q.numLoading() > q.maxLoading {
		return &ResourceError{Dimension: "loading", Max: q.maxLoading, ID: id}
	}
	return nil
}

// Remove deletes a runner from the queue and releases its resource demand.
// Removing an id that is not present is a no-op; retirement by the run
// worker and the shutdown straggler pass may race.
func (q *PipelineQueue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.runners[id]
	if !ok {
		return false
	}

	delete(q.runners, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.currCPUs -= r.CPUs()
	return true
}

// Get returns the runner with the given id, if present.
func (q *PipelineQueue) Get(id int64) (*runner.Runner, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.runners[id]
	return r, ok
}

// Contains reports whether a runner with the given id is in the queue.
func (q *PipelineQueue) Contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runners[id]
	return ok
}

// Snapshot returns the current runners in insertion order.
func (q *PipelineQueue) Snapshot() []*runner.Runner {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*runner.Runner, 0, len(q.order))
	for _, id := range q.order {
		result = append(result, q.runners[id])
	}
	return result
}

// IsEmpty reports whether the queue holds no runners.
func (q *PipelineQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runners) == 0
}

// SetMaxCPUs applies a new CPU cap. Existing runners are never evicted even
// if the new cap is exceeded; the violation self-resolves as runners finish.
func (q *PipelineQueue) SetMaxCPUs(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxCPUs = n
}

// SetMaxLoading applies a new provisioning-slot cap.
func (q *PipelineQueue) SetMaxLoading(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxLoading = n
}

// MaxCPUs returns the current CPU cap.
func (q *PipelineQueue) MaxCPUs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxCPUs
}

// MaxLoading returns the current provisioning-slot cap.
func (q *PipelineQueue) MaxLoading() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxLoading
}

// Usage returns a snapshot of current resource consumption.
func (q *PipelineQueue) Usage() Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Usage{
		CPUs:       q.currCPUs,
		MaxCPUs:    q.maxCPUs,
		Loading:    q.numLoading(),
		MaxLoading: q.maxLoading,
		Pipelines:  len(q.runners),
	}
}

// String renders a human-readable dump of queue usage and per-runner state
// for the supervisor log.
func (q *PipelineQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var b strings.Builder
	border := strings.Repeat("*", 32)
	fmt.Fprintf(&b, "%s\n", border)
	fmt.Fprintf(&b, "curr usage: %d cpus, %d loading pipelines\n", q.currCPUs, q.numLoading())
	fmt.Fprintf(&b, "max usage: %d cpus, %d loading pipelines\n", q.maxCPUs, q.maxLoading)
	fmt.Fprintf(&b, "%s\n", border)
	fmt.Fprintf(&b, "pipeline\tstatus\truntime\n")
	now := time.Now()
	for _, id := range q.order {
		r := q.runners[id]
		runtime := 0.0
		if start := r.StartTime(); !start.IsZero() {
			runtime = hoursBetween(start, now)
		}
		fmt.Fprintf(&b, "%d\t%s\t%f\n", id, r.Status(), runtime)
	}
	fmt.Fprintf(&b, "%s\n", border)
	return b.String()
}

// hoursBetween returns the fractional hours elapsed between two instants.
func hoursBetween(start, end time.Time) float64 {
	return end.Sub(start).Hours()
}
