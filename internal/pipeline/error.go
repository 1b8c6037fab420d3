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

import "strings"

// ErrType classifies why a pipeline failed (or that it did not).
type ErrType string

const (
	ErrNone   ErrType = "NONE"
	ErrInit   ErrType = "INIT"
	ErrLoad   ErrType = "LOAD"
	ErrRun    ErrType = "RUN"
	ErrReport ErrType = "REPORT"
	ErrCancel ErrType = "CANCEL"
	ErrOther  ErrType = "OTHER"
)

// ErrTypes lists every known error type in declaration order. The database
// gateway synchronizes this list into the error table at startup.
var ErrTypes = []ErrType{
	ErrNone,
	ErrInit,
	ErrLoad,
	ErrRun,
	ErrReport,
	ErrCancel,
	ErrOther,
}

// errMessages holds the canned message recorded alongside each error type.
var errMessages = map[ErrType]string{
	ErrNone:   "no error",
	ErrInit:   "error initializing pipeline runner from database record",
	ErrLoad:   "error provisioning pipeline runner platform",
	ErrRun:    "pipeline runtime error",
	ErrReport: "pipeline finished but completion report never received",
	ErrCancel: "pipeline cancelled during runtime",
	ErrOther:  "unexpected error",
}

// Message returns the canned message associated with the error type.
func (e ErrType) Message() string {
	return errMessages[e]
}

// Description returns the lowercase form stored in the database.
func (e ErrType) Description() string {
	return strings.ToLower(string(e))
}
