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

// Package platform defines the contract between the scheduling engine and
// the cloud environment a pipeline runs on. A Driver owns one isolated
// compute environment (VM, file transfer, remote execution) for one
// pipeline; a Factory produces drivers on demand.
package platform

import (
	"context"
	"time"
)

// ConfigBlobs carries the decoded configuration documents a pipeline needs
// on its compute environment. StartupScript may be nil.
type ConfigBlobs struct {
	Graph         []byte
	ResourceKit   []byte
	Platform      []byte
	SampleSheet   []byte
	StartupScript []byte
}

// Driver is the per-pipeline compute environment. Implementations may block
// for minutes on Launch, RunEngine, and Finalize; those operations accept a
// context for cancellation of the underlying commands.
type Driver interface {
	// Launch provisions the environment: creates the VM, prepares the
	// workspace, installs the execution engine, and uploads the config
	// blobs to their destination paths.
	Launch(ctx context.Context, blobs ConfigBlobs) error

	// RunEngine starts the execution engine on the environment and blocks
	// until it exits, returning its stdout and stderr.
	RunEngine(ctx context.Context) (stdout, stderr string, err error)

	// CancelEngine sends a graceful stop signal to a running engine.
	CancelEngine() error

	// CancelLaunch interrupts an in-flight Launch. It waits up to timeout
	// for the environment handle to appear before stopping it.
	CancelLaunch(timeout time.Duration) error

	// Finalize uploads the log directory as a final output and destroys
	// the environment. Safe to call after a failed Launch.
	Finalize() error

	// PathExists reports whether a path exists on the environment or its
	// attached storage.
	PathExists(ctx context.Context, path string) (bool, error)

	// Mkdir creates a directory if it does not already exist.
	Mkdir(ctx context.Context, path string) error

	// Transfer copies a file or directory into a destination directory,
	// optionally renaming it.
	Transfer(ctx context.Context, srcPath, destDir, destFile string) error

	// UploadFile copies a local file onto the environment.
	UploadFile(ctx context.Context, localPath, remotePath string) error

	// CatFile returns the contents of a file on the environment.
	CatFile(ctx context.Context, path string) ([]byte, error)

	// SetFinalOutputDir sets the directory pipeline outputs are delivered
	// to. Must be called before Launch.
	SetFinalOutputDir(dir string)
}

// Factory produces isolated per-pipeline drivers on demand.
type Factory interface {
	// Driver returns a fresh driver named after the pipeline it will host.
	Driver(name string) (Driver, error)

	// Validate checks that the factory configuration can produce working
	// drivers without provisioning a full environment.
	Validate(ctx context.Context) error
}
