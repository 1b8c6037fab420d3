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

package queue

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/helixbio/pipelined/internal/platform/platformtest"
	"github.com/helixbio/pipelined/internal/runner"
)

func newTestRunner(t *testing.T, id int64, cpus int) *runner.Runner {
	t.Helper()
	return runner.New(runner.Config{
		ID:       id,
		Name:     "test",
		Platform: platformtest.NewDriver("test"),
		CPUs:     cpus,
		Logger:   slog.New(slog.DiscardHandler),
	})
}

func TestNewRejectsBadCaps(t *testing.T) {
	if _, err := New(0, 1); err == nil {
		t.Error("expected error for zero cpu cap")
	}
	if _, err := New(4, 0); err == nil {
		t.Error("expected error for zero loading cap")
	}
	if _, err := New(-1, 2); err == nil {
		t.Error("expected error for negative cpu cap")
	}
}

func TestCanAdmitCPUBoundary(t *testing.T) {
	q, err := New(4, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Add(newTestRunner(t, 1, 2)); err != nil {
		t.Fatal(err)
	}

	// Exactly at the cap is admissible; one over is not.
	if !q.CanAdmit(2) {
		t.Error("expected admission exactly at the cpu cap")
	}
	if q.CanAdmit(3) {
		t.Error("expected rejection above the cpu cap")
	}
}

func TestCanAdmitLoadingSlots(t *testing.T) {
	q, err := New(100, 1)
	if err != nil {
		t.Fatal(err)
	}

	// A fresh runner is READY, which occupies a provisioning slot.
	if err := q.Add(newTestRunner(t, 1, 1)); err != nil {
		t.Fatal(err)
	}

	if q.CanAdmit(1) {
		t.Error("expected rejection while all loading slots are occupied")
	}
}

func TestAddDuplicate(t *testing.T) {
	q, _ := New(4, 4)
	if err := q.Add(newTestRunner(t, 1, 1)); err != nil {
		t.Fatal(err)
	}

	err := q.Add(newTestRunner(t, 1, 1))
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
}

func TestAddOverCap(t *testing.T) {
	q, _ := New(2, 4)

	// Add without CanAdmit: the internal post-check must catch the misuse.
	err := q.Add(newTestRunner(t, 1, 3))
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	q, _ := New(4, 4)
	if err := q.Add(newTestRunner(t, 1, 3)); err != nil {
		t.Fatal(err)
	}

	if !q.Remove(1) {
		t.Error("expected removal of present runner")
	}
	if q.Contains(1) {
		t.Error("runner still present after removal")
	}
	if got := q.Usage().CPUs; got != 0 {
		t.Errorf("expected 0 cpus in use after removal, got %d", got)
	}

	// Removing an absent id is a no-op.
	if q.Remove(1) {
		t.Error("expected removal of absent runner to report false")
	}
}

func TestSnapshotInsertionOrder(t *testing.T) {
	q, _ := New(10, 10)
	for _, id := range []int64{3, 1, 2} {
		if err := q.Add(newTestRunner(t, id, 1)); err != nil {
			t.Fatal(err)
		}
	}

	var got []int64
	for _, r := range q.Snapshot() {
		got = append(got, r.ID())
	}
	want := []int64{3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot order %v, want %v", got, want)
		}
	}
}

func TestSetCapsDoesNotEvict(t *testing.T) {
	q, _ := New(8, 4)
	if err := q.Add(newTestRunner(t, 1, 6)); err != nil {
		t.Fatal(err)
	}

	q.SetMaxCPUs(2)
	if !q.Contains(1) {
		t.Error("lowering the cap must not evict existing runners")
	}
	if q.CanAdmit(1) {
		t.Error("expected no admissions while over the lowered cap")
	}
}

func TestIsEmpty(t *testing.T) {
	q, _ := New(4, 4)
	if !q.IsEmpty() {
		t.Error("new queue should be empty")
	}
	if err := q.Add(newTestRunner(t, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if q.IsEmpty() {
		t.Error("queue with a runner should not be empty")
	}
}

func TestStringDump(t *testing.T) {
	q, _ := New(4, 2)
	if err := q.Add(newTestRunner(t, 7, 2)); err != nil {
		t.Fatal(err)
	}

	dump := q.String()
	if !strings.Contains(dump, "curr usage: 2 cpus") {
		t.Errorf("dump missing usage line:\n%s", dump)
	}
	if !strings.Contains(dump, "7\tREADY") {
		t.Errorf("dump missing runner line:\n%s", dump)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	q, _ := New(1000, 1000)

	var wg sync.WaitGroup
	for i := int64(1); i <= 100; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := q.Add(newTestRunner(t, id, 1)); err != nil {
				t.Errorf("add %d: %v", id, err)
				return
			}
			q.CanAdmit(1)
			q.Remove(id)
		}(i)
	}
	wg.Wait()

	if !q.IsEmpty() {
		t.Error("queue should be empty after all removals")
	}
	if got := q.Usage().CPUs; got != 0 {
		t.Errorf("expected 0 cpus committed, got %d", got)
	}
}
