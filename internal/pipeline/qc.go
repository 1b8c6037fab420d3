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
	"encoding/json"
	"fmt"
)

// QCStat is one normalized quality-control measurement parsed from a QC
// report file: a (sample, metric) value attributed to the task that produced
// it and the source file it was measured on.
type QCStat struct {
	Sample     string
	Metric     string
	Value      string
	TaskID     string
	SourceFile string
	Notes      string
}

// Key identifies a stat for deduplication within a single report.
func (s QCStat) Key() string {
	return fmt.Sprintf("%s_%s_%s_%s", s.Sample, s.Metric, s.TaskID, s.SourceFile)
}

// qcEntry is the wire shape of one measurement in a QC report file.
type qcEntry struct {
	Name   string          `json:"Name"`
	Value  json.RawMessage `json:"Value"`
	Module string          `json:"Module"`
	Source string          `json:"Source"`
	Note   string          `json:"Note"`
}

// ParseQCReport parses the contents of a QC report file: a JSON object
// mapping sample names to lists of measurement entries. Every entry must
// carry a Name and a Module, and all samples must list the same metric
// names in the same order.
func ParseQCReport(data []byte) ([]QCStat, error) {
	var report map[string][]qcEntry
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("qc report is not valid JSON: %w", err)
	}

	var (
		stats    []QCStat
		rowOrder string
	)
	for sample, entries := range report {
		order := ""
		for _, entry := range entries {
			if entry.Name == "" || entry.Module == "" {
				return nil, fmt.Errorf("qc report entry for sample %q is missing required columns", sample)
			}
			order += "_" + entry.Name
			stats = append(stats, QCStat{
				Sample:     sample,
				Metric:     entry.Name,
				Value:      decodeQCValue(entry.Value),
				TaskID:     entry.Module,
				SourceFile: entry.Source,
				Notes:      entry.Note,
			})
		}
		if rowOrder == "" {
			rowOrder = order
		} else if order != rowOrder {
			return nil, fmt.Errorf("qc report columns differ between samples")
		}
	}

	return stats, nil
}

// decodeQCValue renders a measurement value as a string regardless of its
// JSON type (string, number, bool, null).
func decodeQCValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
