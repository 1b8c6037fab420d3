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

import "database/sql"

// AnalysisType carries the immutable inputs of a pipeline: its resource
// demand and runtime cap.
type AnalysisType struct {
	AnalysisTypeID int64   `db:"analysis_type_id"`
	CPUs           int     `db:"cpus"`
	Mem            int     `db:"mem"`
	DiskSpace      int     `db:"disk_space"`
	MaxRunTime     float64 `db:"max_run_time"`
}

// Analysis is one pipeline record. Config blobs are fetched separately via
// Session.ConfigBlobs; they are large and only needed at launch.
type Analysis struct {
	AnalysisID int64           `db:"analysis_id"`
	Name       string          `db:"name"`
	StatusID   int64           `db:"status_id"`
	ErrorID    sql.NullInt64   `db:"error_id"`
	ErrorMsg   sql.NullString  `db:"error_msg"`
	RunStart   sql.NullTime    `db:"run_start"`
	RunTime    sql.NullFloat64 `db:"run_time"`
	Cost       sql.NullFloat64 `db:"cost"`
	GitCommit  sql.NullString  `db:"git_commit"`

	Type AnalysisType `db:"type"`
}
