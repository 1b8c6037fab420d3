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

// Package db provides transactional access to pipeline records. Each unit
// of work runs inside a session that commits on success and rolls back on
// any error.
package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/helixbio/pipelined/internal/config"
	"github.com/helixbio/pipelined/internal/pipeline"
	"github.com/helixbio/pipelined/internal/platform"
)

// ErrNotFound is returned when a pipeline id does not exist.
var ErrNotFound = errors.New("pipeline not found")

const selectAnalysis = `
SELECT a.analysis_id, a.name, a.status_id, a.error_id, a.error_msg,
       a.run_start, a.run_time, a.cost, a.git_commit,
       t.analysis_type_id AS "type.analysis_type_id",
       t.cpus AS "type.cpus", t.mem AS "type.mem",
       t.disk_space AS "type.disk_space", t.max_run_time AS "type.max_run_time"
  FROM analysis a
  JOIN analysis_type t ON t.analysis_type_id = a.analysis_type_id`

// Gateway owns the database connection pool and the status / error-type id
// caches synchronized at startup.
type Gateway struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu         sync.RWMutex
	statusIDs  map[pipeline.Status]int64
	statusByID map[int64]pipeline.Status
	errorIDs   map[pipeline.ErrType]int64
	errorByID  map[int64]pipeline.ErrType
}

// Open connects to the database. Call Sync before using the gateway.
func Open(cfg config.DBConfig, logger *slog.Logger) (*Gateway, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Host
	mc.DBName = cfg.Database
	mc.ParseTime = true
	if len(cfg.Params) > 0 {
		mc.Params = cfg.Params
	}

	conn, err := sqlx.Connect("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return NewWithConn(conn, logger), nil
}

// NewWithConn wraps an existing connection pool. Primarily for tests that
// substitute a mock driver.
func NewWithConn(conn *sqlx.DB, logger *slog.Logger) *Gateway {
	return &Gateway{
		db:         conn,
		logger:     logger,
		statusIDs:  make(map[pipeline.Status]int64),
		statusByID: make(map[int64]pipeline.Status),
		errorIDs:   make(map[pipeline.ErrType]int64),
		errorByID:  make(map[int64]pipeline.ErrType),
	}
}

// Close releases the connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Sync ensures every known status and error type has a row in the database
// and caches its id.
func (g *Gateway) Sync(ctx context.Context) error {
	if err := g.syncStatuses(ctx); err != nil {
		return err
	}
	return g.syncErrorTypes(ctx)
}

func (g *Gateway) syncStatuses(ctx context.Context) error {
	for _, status := range pipeline.Statuses {
		desc := status.Description()

		var id int64
		err := g.db.GetContext(ctx, &id,
			`SELECT status_id FROM analysis_status WHERE description = ?`, desc)
		if errors.Is(err, sql.ErrNoRows) {
			res, ierr := g.db.ExecContext(ctx,
				`INSERT INTO analysis_status (description) VALUES (?)`, desc)
			if ierr != nil {
				return fmt.Errorf("failed to insert status %q: %w", desc, ierr)
			}
			id, ierr = res.LastInsertId()
			if ierr != nil {
				return ierr
			}
		} else if err != nil {
			return fmt.Errorf("failed to load status %q: %w", desc, err)
		}

		g.mu.Lock()
		g.statusIDs[status] = id
		g.statusByID[id] = status
		g.mu.Unlock()
	}
	return nil
}

func (g *Gateway) syncErrorTypes(ctx context.Context) error {
	for _, errType := range pipeline.ErrTypes {
		desc := errType.Description()

		var id int64
		err := g.db.GetContext(ctx, &id,
			`SELECT error_id FROM analysis_error WHERE error_type = ?`, desc)
		if errors.Is(err, sql.ErrNoRows) {
			res, ierr := g.db.ExecContext(ctx,
				`INSERT INTO analysis_error (error_type, description) VALUES (?, ?)`,
				desc, errType.Message())
			if ierr != nil {
				return fmt.Errorf("failed to insert error type %q: %w", desc, ierr)
			}
			id, ierr = res.LastInsertId()
			if ierr != nil {
				return ierr
			}
		} else if err != nil {
			return fmt.Errorf("failed to load error type %q: %w", desc, err)
		}

		g.mu.Lock()
		g.errorIDs[errType] = id
		g.errorByID[id] = errType
		g.mu.Unlock()
	}
	return nil
}

// StatusOf maps a record's status id back to its Status.
func (g *Gateway) StatusOf(a *Analysis) pipeline.Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statusByID[a.StatusID]
}

// ErrTypeOf maps a record's error id back to its ErrType. Records with no
// recorded error map to the empty ErrType.
func (g *Gateway) ErrTypeOf(a *Analysis) (pipeline.ErrType, bool) {
	if !a.ErrorID.Valid {
		return "", false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.errorByID[a.ErrorID.Int64], true
}

// Session is one transactional unit of work over pipeline records. The
// transaction commits or rolls back when the WithSession callback returns.
type Session interface {
	PipelineByID(id int64) (*Analysis, error)
	PipelinesByStatus(status pipeline.Status) ([]*Analysis, error)
	AllPipelines() ([]*Analysis, error)
	PipelineExists(id int64) (bool, error)
	UpdateStatus(id int64, status pipeline.Status) error
	UpdateError(id int64, errType pipeline.ErrType, extraMsg string) error
	SetRunStart(id int64, t sql.NullTime) error
	SetRunTime(id int64, hours float64) error
	SetCost(id int64, cost float64) error
	SetGitCommit(id int64, commit string) error
	RegisterOutputFile(id int64, f *pipeline.OutputFile) error
	RegisterQCStat(id int64, stat pipeline.QCStat) error
	ConfigBlobs(id int64) (platform.ConfigBlobs, error)
}

// session is the sqlx-backed Session.
type session struct {
	tx  *sqlx.Tx
	g   *Gateway
	ctx context.Context
}

var _ Session = (*session)(nil)

// WithSession runs fn inside a transaction that commits when fn returns nil
// and rolls back when it returns an error.
func (g *Gateway) WithSession(ctx context.Context, fn func(Session) error) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	s := &session{tx: tx, g: g, ctx: ctx}
	if err := fn(s); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			g.logger.Error("transaction rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PipelineByID fetches one pipeline record. Returns ErrNotFound when the id
// does not exist.
func (s *session) PipelineByID(id int64) (*Analysis, error) {
	var a Analysis
	err := s.tx.GetContext(s.ctx, &a, selectAnalysis+` WHERE a.analysis_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pipeline %d: %w", id, err)
	}
	return &a, nil
}

// PipelinesByStatus fetches every pipeline currently in the given status,
// in id order.
func (s *session) PipelinesByStatus(status pipeline.Status) ([]*Analysis, error) {
	s.g.mu.RLock()
	statusID, ok := s.g.statusIDs[status]
	s.g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no status with name %s is defined in the database", status)
	}

	var rows []*Analysis
	err := s.tx.SelectContext(s.ctx, &rows,
		selectAnalysis+` WHERE a.status_id = ? ORDER BY a.analysis_id`, statusID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s pipelines: %w", status, err)
	}
	return rows, nil
}

// AllPipelines fetches every pipeline record.
func (s *session) AllPipelines() ([]*Analysis, error) {
	var rows []*Analysis
	if err := s.tx.SelectContext(s.ctx, &rows, selectAnalysis+` ORDER BY a.analysis_id`); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return rows, nil
}

// PipelineExists reports whether a pipeline with the given id exists.
func (s *session) PipelineExists(id int64) (bool, error) {
	var n int
	err := s.tx.GetContext(s.ctx, &n,
		`SELECT COUNT(*) FROM analysis WHERE analysis_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check pipeline %d: %w", id, err)
	}
	return n > 0, nil
}

// UpdateStatus sets a pipeline's status.
func (s *session) UpdateStatus(id int64, status pipeline.Status) error {
	s.g.mu.RLock()
	statusID, ok := s.g.statusIDs[status]
	s.g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no status with name %s is defined in the database", status)
	}

	_, err := s.tx.ExecContext(s.ctx,
		`UPDATE analysis SET status_id = ? WHERE analysis_id = ?`, statusID, id)
	if err != nil {
		return fmt.Errorf("failed to update status of pipeline %d: %w", id, err)
	}
	return nil
}

// UpdateError sets a pipeline's error classification and message. The
// recorded message is the error type's canned message, with extraMsg
// appended when present.
func (s *session) UpdateError(id int64, errType pipeline.ErrType, extraMsg string) error {
	s.g.mu.RLock()
	errorID, ok := s.g.errorIDs[errType]
	s.g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no error type with name %s is defined in the database", errType)
	}

	msg := errType.Message()
	if extraMsg != "" {
		msg += "\n" + extraMsg
	}

	_, err := s.tx.ExecContext(s.ctx,
		`UPDATE analysis SET error_id = ?, error_msg = ? WHERE analysis_id = ?`,
		errorID, msg, id)
	if err != nil {
		return fmt.Errorf("failed to update error of pipeline %d: %w", id, err)
	}
	return nil
}

// SetRunStart records when the pipeline was launched.
func (s *session) SetRunStart(id int64, t sql.NullTime) error {
	_, err := s.tx.ExecContext(s.ctx,
		`UPDATE analysis SET run_start = ? WHERE analysis_id = ?`, t, id)
	if err != nil {
		return fmt.Errorf("failed to set run start of pipeline %d: %w", id, err)
	}
	return nil
}

// SetRunTime records the pipeline's total runtime in hours.
func (s *session) SetRunTime(id int64, hours float64) error {
	_, err := s.tx.ExecContext(s.ctx,
		`UPDATE analysis SET run_time = ? WHERE analysis_id = ?`, hours, id)
	if err != nil {
		return fmt.Errorf("failed to set run time of pipeline %d: %w", id, err)
	}
	return nil
}

// SetCost records the pipeline's total cost. A non-null cost marks the
// pipeline as reported; duplicate report deliveries are discarded on it.
func (s *session) SetCost(id int64, cost float64) error {
	_, err := s.tx.ExecContext(s.ctx,
		`UPDATE analysis SET cost = ? WHERE analysis_id = ?`, cost, id)
	if err != nil {
		return fmt.Errorf("failed to set cost of pipeline %d: %w", id, err)
	}
	return nil
}

// SetGitCommit records the execution engine commit the pipeline ran on.
func (s *session) SetGitCommit(id int64, commit string) error {
	_, err := s.tx.ExecContext(s.ctx,
		`UPDATE analysis SET git_commit = ? WHERE analysis_id = ?`, commit, id)
	if err != nil {
		return fmt.Errorf("failed to set git commit of pipeline %d: %w", id, err)
	}
	return nil
}

// RegisterOutputFile inserts one verified output file for a pipeline.
func (s *session) RegisterOutputFile(id int64, f *pipeline.OutputFile) error {
	_, err := s.tx.ExecContext(s.ctx,
		`INSERT INTO analysis_output (analysis_id, node_id, output_key, path) VALUES (?, ?, ?, ?)`,
		id, f.NodeID, f.FileType, f.Path)
	if err != nil {
		return fmt.Errorf("failed to register output file for pipeline %d: %w", id, err)
	}
	return nil
}

// RegisterQCStat inserts one normalized QC measurement for a pipeline.
func (s *session) RegisterQCStat(id int64, stat pipeline.QCStat) error {
	_, err := s.tx.ExecContext(s.ctx,
		`INSERT INTO analysis_qc_stat (analysis_id, sample, metric, value, task_id, source_file, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, stat.Sample, stat.Metric, stat.Value, stat.TaskID, stat.SourceFile, stat.Notes)
	if err != nil {
		return fmt.Errorf("failed to register qc stat for pipeline %d: %w", id, err)
	}
	return nil
}

// ConfigBlobs fetches and decodes the pipeline's configuration documents.
// All blobs are stored base64-encoded; the startup script may be absent.
func (s *session) ConfigBlobs(id int64) (platform.ConfigBlobs, error) {
	var row struct {
		Graph         string         `db:"graph_config"`
		ResourceKit   string         `db:"resource_kit"`
		Platform      string         `db:"platform_config"`
		StartupScript sql.NullString `db:"startup_script"`
		SampleSheet   sql.NullString `db:"sample_sheet"`
	}
	err := s.tx.GetContext(s.ctx, &row, `
SELECT t.graph_config, t.resource_kit, t.platform_config, t.startup_script, a.sample_sheet
  FROM analysis a
  JOIN analysis_type t ON t.analysis_type_id = a.analysis_type_id
 WHERE a.analysis_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return platform.ConfigBlobs{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return platform.ConfigBlobs{}, fmt.Errorf("failed to fetch config blobs for pipeline %d: %w", id, err)
	}

	var blobs platform.ConfigBlobs
	if blobs.Graph, err = decodeBlob(row.Graph); err != nil {
		return blobs, fmt.Errorf("graph config for pipeline %d: %w", id, err)
	}
	if blobs.ResourceKit, err = decodeBlob(row.ResourceKit); err != nil {
		return blobs, fmt.Errorf("resource kit for pipeline %d: %w", id, err)
	}
	if blobs.Platform, err = decodeBlob(row.Platform); err != nil {
		return blobs, fmt.Errorf("platform config for pipeline %d: %w", id, err)
	}
	if row.SampleSheet.Valid {
		if blobs.SampleSheet, err = decodeBlob(row.SampleSheet.String); err != nil {
			return blobs, fmt.Errorf("sample sheet for pipeline %d: %w", id, err)
		}
	}
	if row.StartupScript.Valid {
		if blobs.StartupScript, err = decodeBlob(row.StartupScript.String); err != nil {
			return blobs, fmt.Errorf("startup script for pipeline %d: %w", id, err)
		}
	}
	return blobs, nil
}

func decodeBlob(data string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 config blob: %w", err)
	}
	return decoded, nil
}
