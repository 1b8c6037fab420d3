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
	"sort"
	"sync"

	"github.com/helixbio/pipelined/internal/db"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform"
	"github.com/helixbio/pipelined/internal/report"
)

// fakeStore is an in-memory Store with fixed status and error-type ids.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]*db.Analysis
	blobs   map[int64]platform.ConfigBlobs
	blobErr error

	outputs map[int64][]*pipeline.OutputFile
	qcStats map[int64][]pipeline.QCStat

	statusIDs map[pipeline.Status]int64
	errorIDs  map[pipeline.ErrType]int64
}

func newFakeStore() *fakeStore {
	st := &fakeStore{
		rows:      make(map[int64]*db.Analysis),
		blobs:     make(map[int64]platform.ConfigBlobs),
		outputs:   make(map[int64][]*pipeline.OutputFile),
		qcStats:   make(map[int64][]pipeline.QCStat),
		statusIDs: make(map[pipeline.Status]int64),
		errorIDs:  make(map[pipeline.ErrType]int64),
	}
	for i, s := range pipeline.Statuses {
		st.statusIDs[s] = int64(i + 1)
	}
	for i, e := range pipeline.ErrTypes {
		st.errorIDs[e] = int64(i + 1)
	}
	return st
}

// addPipeline seeds one pipeline row.
func (st *fakeStore) addPipeline(id int64, status pipeline.Status, cpus int, maxRunTime float64) *db.Analysis {
	a := &db.Analysis{
		AnalysisID: id,
		Name:       fmt.Sprintf("pipeline-%d", id),
		StatusID:   st.statusIDs[status],
		Type: db.AnalysisType{
			AnalysisTypeID: id,
			CPUs:           cpus,
			Mem:            4,
			DiskSpace:      50,
			MaxRunTime:     maxRunTime,
		},
	}
	st.mu.Lock()
	st.rows[id] = a
	st.blobs[id] = platform.ConfigBlobs{Graph: []byte("graph")}
	st.mu.Unlock()
	return a
}

func (st *fakeStore) WithSession(ctx context.Context, fn func(db.Session) error) error {
	return fn(&fakeSession{st: st})
}

func (st *fakeStore) StatusOf(a *db.Analysis) pipeline.Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	for s, id := range st.statusIDs {
		if id == a.StatusID {
			return s
		}
	}
	return ""
}

func (st *fakeStore) ErrTypeOf(a *db.Analysis) (pipeline.ErrType, bool) {
	if !a.ErrorID.Valid {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for e, id := range st.errorIDs {
		if id == a.ErrorID.Int64 {
			return e, true
		}
	}
	return "", false
}

// status is a test helper reading a row's status.
func (st *fakeStore) status(id int64) pipeline.Status {
	st.mu.Lock()
	a := st.rows[id]
	st.mu.Unlock()
	return st.StatusOf(a)
}

// errType is a test helper reading a row's error classification.
func (st *fakeStore) errType(id int64) pipeline.ErrType {
	st.mu.Lock()
	a := st.rows[id]
	st.mu.Unlock()
	e, _ := st.ErrTypeOf(a)
	return e
}

// fakeSession operates directly on the store; there is no rollback.
type fakeSession struct {
	st *fakeStore
}

var _ db.Session = (*fakeSession)(nil)

func (s *fakeSession) PipelineByID(id int64) (*db.Analysis, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", db.ErrNotFound, id)
	}
	return a, nil
}

func (s *fakeSession) PipelinesByStatus(status pipeline.Status) ([]*db.Analysis, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var result []*db.Analysis
	for _, a := range s.st.rows {
		if a.StatusID == s.st.statusIDs[status] {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AnalysisID < result[j].AnalysisID })
	return result, nil
}

func (s *fakeSession) AllPipelines() ([]*db.Analysis, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var result []*db.Analysis
	for _, a := range s.st.rows {
		result = append(result, a)
	}
	return result, nil
}

func (s *fakeSession) PipelineExists(id int64) (bool, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	_, ok := s.st.rows[id]
	return ok, nil
}

func (s *fakeSession) UpdateStatus(id int64, status pipeline.Status) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.rows[id]
	if !ok {
		return fmt.Errorf("%w: %d", db.ErrNotFound, id)
	}
	a.StatusID = s.st.statusIDs[status]
	return nil
}

func (s *fakeSession) UpdateError(id int64, errType pipeline.ErrType, extraMsg string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.rows[id]
	if !ok {
		return fmt.Errorf("%w: %d", db.ErrNotFound, id)
	}
	a.ErrorID = sql.NullInt64{Int64: s.st.errorIDs[errType], Valid: true}
	msg := errType.Message()
	if extraMsg != "" {
		msg += "\n" + extraMsg
	}
	a.ErrorMsg = sql.NullString{String: msg, Valid: true}
	return nil
}

func (s *fakeSession) SetRunStart(id int64, t sql.NullTime) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.rows[id].RunStart = t
	return nil
}

func (s *fakeSession) SetRunTime(id int64, hours float64) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.rows[id].RunTime = sql.NullFloat64{Float64: hours, Valid: true}
	return nil
}

func (s *fakeSession) SetCost(id int64, cost float64) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.rows[id].Cost = sql.NullFloat64{Float64: cost, Valid: true}
	return nil
}

func (s *fakeSession) SetGitCommit(id int64, commit string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.rows[id].GitCommit = sql.NullString{String: commit, Valid: true}
	return nil
}

func (s *fakeSession) RegisterOutputFile(id int64, f *pipeline.OutputFile) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.outputs[id] = append(s.st.outputs[id], f)
	return nil
}

func (s *fakeSession) RegisterQCStat(id int64, stat pipeline.QCStat) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.qcStats[id] = append(s.st.qcStats[id], stat)
	return nil
}

func (s *fakeSession) ConfigBlobs(id int64) (platform.ConfigBlobs, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.st.blobErr != nil {
		return platform.ConfigBlobs{}, s.st.blobErr
	}
	blobs, ok := s.st.blobs[id]
	if !ok {
		return platform.ConfigBlobs{}, fmt.Errorf("%w: %d", db.ErrNotFound, id)
	}
	return blobs, nil
}

// fakeSource is an in-memory report.Source with at-least-once semantics: a
// pulled message stays queued until acknowledged.
type fakeSource struct {
	mu    sync.Mutex
	queue []*report.Message
	acked []string
}

var _ report.Source = (*fakeSource)(nil)

func (f *fakeSource) push(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, &report.Message{AckID: id, Data: data})
}

func (f *fakeSource) Pull(ctx context.Context) (*report.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	return f.queue[0], nil
}

func (f *fakeSource) Ack(ctx context.Context, ackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.queue {
		if m.AckID == ackID {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			break
		}
	}
	f.acked = append(f.acked, ackID)
	return nil
}

func (f *fakeSource) Validate(ctx context.Context) error { return nil }

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeSource) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
