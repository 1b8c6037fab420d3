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

// Package pipeline defines the shared vocabulary of the scheduling engine:
// pipeline statuses, error classifications, and completion reports.
package pipeline

import "strings"

// Status represents the lifecycle state of a pipeline.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusReady      Status = "READY"
	StatusLoading    Status = "LOADING"
	StatusRunning    Status = "RUNNING"
	StatusCancelling Status = "CANCELLING"
	StatusDestroying Status = "DESTROYING"
	StatusFinished   Status = "FINISHED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every known status in declaration order. The database
// gateway synchronizes this list into the status table at startup.
var Statuses = []Status{
	StatusIdle,
	StatusReady,
	StatusLoading,
	StatusRunning,
	StatusCancelling,
	StatusDestroying,
	StatusFinished,
	StatusSuccess,
	StatusFailed,
}

// Terminal reports whether the status is a final outcome. A pipeline in a
// terminal status never transitions again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Active reports whether a pipeline in this status has (or should have) a
// live runner attached.
func (s Status) Active() bool {
	return s == StatusReady || s == StatusLoading || s == StatusRunning
}

// Description returns the lowercase form stored in the database.
func (s Status) Description() string {
	return strings.ToLower(string(s))
}

// StatusFromDescription maps a database description back to a Status.
// Unknown descriptions map to the empty Status.
func StatusFromDescription(desc string) Status {
	s := Status(strings.ToUpper(desc))
	for _, known := range Statuses {
		if s == known {
			return s
		}
	}
	return Status("")
}
