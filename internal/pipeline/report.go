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

package pipeline

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// FileTypeQCReport marks output files carrying quality-control statistics.
// The report worker fetches and parses these into per-sample stat rows.
const FileTypeQCReport = "qc_report"

// OutputFile describes one output file declared by a completion report.
type OutputFile struct {
	Path     string
	FileType string
	NodeID   string

	found bool
}

// Found reports whether the file was verified to exist on the platform.
func (f *OutputFile) Found() bool {
	return f.found
}

// MarkFound records that the file was verified to exist on the platform.
func (f *OutputFile) MarkFound() {
	f.found = true
}

func (f *OutputFile) String() string {
	return fmt.Sprintf("node: %s, key: %s, path: %s", f.NodeID, f.FileType, f.Path)
}

// Report is the parsed fingerprint of a completion message pulled from the
// report bus. The AckID is the bus-level handle used to acknowledge the
// message once it has been applied.
type Report struct {
	AckID      string
	PipelineID int64
	Success    bool
	ErrorMsg   string
	Cost       float64
	GitCommit  string
	Files      []*OutputFile
}

// reportWire is the JSON shape produced by the execution engine.
type reportWire struct {
	PipelineID int64    `json:"pipeline_id"`
	Status     string   `json:"status"`
	Error      string   `json:"error"`
	TotalCost  float64  `json:"total_cost"`
	GitCommit  *string  `json:"git_commit"`
	Files      []struct {
		FileType      string `json:"file_type"`
		Path          string `json:"path"`
		IsFinalOutput bool   `json:"is_final_output"`
		TaskID        string `json:"task_id"`
	} `json:"files"`
}

// ParseReport decodes the raw payload of a bus message into a Report. The
// payload is JSON, optionally zlib-compressed and wrapped in two layers of
// base64 by the publisher. Only files flagged is_final_output are ingested.
func ParseReport(ackID string, data []byte) (*Report, error) {
	decoded, err := decodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode report payload: %w", err)
	}

	var wire reportWire
	if err := json.Unmarshal(decoded, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if wire.PipelineID == 0 {
		return nil, fmt.Errorf("report is missing a pipeline id")
	}

	report := &Report{
		AckID:      ackID,
		PipelineID: wire.PipelineID,
		Success:    wire.Status == "Complete",
		ErrorMsg:   wire.Error,
		Cost:       wire.TotalCost,
	}
	if wire.GitCommit != nil {
		report.GitCommit = *wire.GitCommit
	}

	for _, f := range wire.Files {
		if !f.IsFinalOutput {
			continue
		}
		report.Files = append(report.Files, &OutputFile{
			Path:     f.Path,
			FileType: f.FileType,
			NodeID:   f.TaskID,
		})
	}

	return report, nil
}

// decodePayload unwraps the double-base64 + zlib encoding used by the
// publisher, falling back to the payload as-is when it is already plain JSON.
func decodePayload(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed, nil
	}

	inner, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("outer base64 decode: %w", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil {
		return nil, fmt.Errorf("inner base64 decode: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer zr.Close()

	return io.ReadAll(zr)
}

// QCReportFiles returns the subset of declared output files that carry QC
// statistics.
func (r *Report) QCReportFiles() []*OutputFile {
	var files []*OutputFile
	for _, f := range r.Files {
		if f.FileType == FileTypeQCReport {
			files = append(files, f)
		}
	}
	return files
}

// AppendError appends an additional error message to the report, separating
// it from any existing message.
func (r *Report) AppendError(msg string) {
	if r.ErrorMsg == "" {
		r.ErrorMsg = msg
		return
	}
	r.ErrorMsg += "\n\n***** Additional Error *****\n" + msg
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "report %s: pipeline=%d success=%t cost=%.4f", r.AckID, r.PipelineID, r.Success, r.Cost)
	for _, f := range r.Files {
		fmt.Fprintf(&b, "\n  %s", f)
	}
	return b.String()
}
