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

package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/helixbio/pipelined/internal/pipeline"
)

func newMockGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	g := NewWithConn(sqlx.NewDb(conn, "sqlmock"), slog.New(slog.DiscardHandler))
	return g, mock
}

// expectSync registers the expectations for a full Sync where every status
// and error type is missing and gets inserted.
func expectSync(mock sqlmock.Sqlmock) {
	for i, status := range pipeline.Statuses {
		mock.ExpectQuery(`SELECT status_id FROM analysis_status`).
			WithArgs(status.Description()).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO analysis_status`).
			WithArgs(status.Description()).
			WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
	}
	for i, errType := range pipeline.ErrTypes {
		mock.ExpectQuery(`SELECT error_id FROM analysis_error`).
			WithArgs(errType.Description()).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO analysis_error`).
			WithArgs(errType.Description(), errType.Message()).
			WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
	}
}

func TestSyncInsertsMissingRows(t *testing.T) {
	g, mock := newMockGateway(t)
	expectSync(mock)

	if err := g.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	// The caches now map both directions.
	a := &Analysis{StatusID: 1}
	if got := g.StatusOf(a); got != pipeline.StatusIdle {
		t.Errorf("expected IDLE for id 1, got %s", got)
	}
	a.ErrorID = sql.NullInt64{Int64: 5, Valid: true}
	if got, ok := g.ErrTypeOf(a); !ok || got != pipeline.ErrReport {
		t.Errorf("expected REPORT for id 5, got %s (%t)", got, ok)
	}
}

func TestSyncKeepsExistingRows(t *testing.T) {
	g, mock := newMockGateway(t)

	for i, status := range pipeline.Statuses {
		mock.ExpectQuery(`SELECT status_id FROM analysis_status`).
			WithArgs(status.Description()).
			WillReturnRows(sqlmock.NewRows([]string{"status_id"}).AddRow(i + 10))
	}
	for i, errType := range pipeline.ErrTypes {
		mock.ExpectQuery(`SELECT error_id FROM analysis_error`).
			WithArgs(errType.Description()).
			WillReturnRows(sqlmock.NewRows([]string{"error_id"}).AddRow(i + 20))
	}

	if err := g.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.StatusOf(&Analysis{StatusID: 10}); got != pipeline.StatusIdle {
		t.Errorf("expected IDLE for existing id 10, got %s", got)
	}
}

func TestWithSessionCommitsOnSuccess(t *testing.T) {
	g, mock := newMockGateway(t)
	expectSync(mock)
	if err := g.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analysis SET status_id`).
		WithArgs(int64(9), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := g.WithSession(context.Background(), func(s Session) error {
		return s.UpdateStatus(7, pipeline.StatusFailed)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithSessionRollsBackOnError(t *testing.T) {
	g, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := fmt.Errorf("boom")
	err := g.WithSession(context.Background(), func(s Session) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPipelineByIDNotFound(t *testing.T) {
	g, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM analysis a`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"analysis_id"}))
	mock.ExpectRollback()

	err := g.WithSession(context.Background(), func(s Session) error {
		_, err := s.PipelineByID(99)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPipelinesByStatus(t *testing.T) {
	g, mock := newMockGateway(t)
	expectSync(mock)
	if err := g.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	columns := []string{
		"analysis_id", "name", "status_id", "error_id", "error_msg",
		"run_start", "run_time", "cost", "git_commit",
		"type.analysis_type_id", "type.cpus", "type.mem",
		"type.disk_space", "type.max_run_time",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM analysis a`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(5, "wgs-batch", 1, nil, nil, nil, nil, nil, nil, 2, 4, 16, 100, 12.5).
			AddRow(6, "rna-seq", 1, nil, nil, nil, nil, nil, nil, 3, 8, 32, 200, 24.0))
	mock.ExpectCommit()

	var rows []*Analysis
	err := g.WithSession(context.Background(), func(s Session) error {
		var serr error
		rows, serr = s.PipelinesByStatus(pipeline.StatusIdle)
		return serr
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].AnalysisID != 5 || rows[0].Type.CPUs != 4 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[1].Type.MaxRunTime != 24.0 {
		t.Errorf("unexpected second row max run time: %f", rows[1].Type.MaxRunTime)
	}
}

func TestUpdateErrorComposesMessage(t *testing.T) {
	g, mock := newMockGateway(t)
	expectSync(mock)
	if err := g.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	wantMsg := pipeline.ErrLoad.Message() + "\ninstance quota exceeded"
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE analysis SET error_id`).
		WithArgs(int64(3), wantMsg, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := g.WithSession(context.Background(), func(s Session) error {
		return s.UpdateError(7, pipeline.ErrLoad, "instance quota exceeded")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestConfigBlobsDecode(t *testing.T) {
	g, mock := newMockGateway(t)

	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT t.graph_config`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"graph_config", "resource_kit", "platform_config", "startup_script", "sample_sheet",
		}).AddRow(enc("graph"), enc("kit"), enc("plat"), nil, enc("sheet")))
	mock.ExpectCommit()

	err := g.WithSession(context.Background(), func(s Session) error {
		blobs, berr := s.ConfigBlobs(7)
		if berr != nil {
			return berr
		}
		if string(blobs.Graph) != "graph" || string(blobs.SampleSheet) != "sheet" {
			t.Errorf("unexpected blobs: %+v", blobs)
		}
		if blobs.StartupScript != nil {
			t.Error("absent startup script should decode to nil")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
