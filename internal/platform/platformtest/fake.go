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

// Package platformtest provides an in-memory platform driver for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helixbio/pipelined/internal/platform"
)

// Driver is an in-memory platform.Driver. Zero-value behavior: every
// operation succeeds immediately. Tests can inject errors, make Launch or
// RunEngine block until released or cancelled, and inspect recorded calls.
type Driver struct {
	Name string

	// LaunchErr and RunErr are returned by Launch and RunEngine.
	LaunchErr error
	RunErr    error

	// Paths reports existence for PathExists; Files backs CatFile.
	Paths map[string]bool
	Files map[string][]byte

	mu             sync.Mutex
	calls          []string
	finalOutputDir string
	finalized      int

	blockLaunch chan struct{}
	blockRun    chan struct{}
	cancelled   chan struct{}
	cancelOnce  sync.Once
}

var _ platform.Driver = (*Driver)(nil)

// NewDriver creates a fake driver whose operations complete immediately.
func NewDriver(name string) *Driver {
	return &Driver{
		Name:      name,
		Paths:     make(map[string]bool),
		Files:     make(map[string][]byte),
		cancelled: make(chan struct{}),
	}
}

// BlockLaunch makes Launch block until ReleaseLaunch or a cancel.
func (d *Driver) BlockLaunch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockLaunch = make(chan struct{})
}

// ReleaseLaunch unblocks a blocked Launch.
func (d *Driver) ReleaseLaunch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blockLaunch != nil {
		close(d.blockLaunch)
		d.blockLaunch = nil
	}
}

// BlockRun makes RunEngine block until ReleaseRun or a cancel.
func (d *Driver) BlockRun() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockRun = make(chan struct{})
}

// ReleaseRun unblocks a blocked RunEngine.
func (d *Driver) ReleaseRun() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blockRun != nil {
		close(d.blockRun)
		d.blockRun = nil
	}
}

// Calls returns the operations recorded so far.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// FinalizeCount returns how many times Finalize ran.
func (d *Driver) FinalizeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized
}

// FinalOutputDir returns the configured output directory.
func (d *Driver) FinalOutputDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalOutputDir
}

func (d *Driver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *Driver) signalCancel() {
	d.cancelOnce.Do(func() { close(d.cancelled) })
}

func (d *Driver) Launch(ctx context.Context, blobs platform.ConfigBlobs) error {
	d.record("launch")
	d.mu.Lock()
	block := d.blockLaunch
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-d.cancelled:
			return fmt.Errorf("launch interrupted")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.LaunchErr
}

func (d *Driver) RunEngine(ctx context.Context) (string, string, error) {
	d.record("run_engine")
	d.mu.Lock()
	block := d.blockRun
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-d.cancelled:
			return "", "", fmt.Errorf("engine interrupted")
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return "", "", d.RunErr
}

func (d *Driver) CancelEngine() error {
	d.record("cancel_engine")
	d.signalCancel()
	return nil
}

func (d *Driver) CancelLaunch(timeout time.Duration) error {
	d.record("cancel_launch")
	d.signalCancel()
	return nil
}

func (d *Driver) Finalize() error {
	d.record("finalize")
	d.mu.Lock()
	d.finalized++
	d.mu.Unlock()
	return nil
}

func (d *Driver) PathExists(ctx context.Context, path string) (bool, error) {
	d.record("path_exists:" + path)
	return d.Paths[path], nil
}

func (d *Driver) Mkdir(ctx context.Context, path string) error {
	d.record("mkdir:" + path)
	return nil
}

func (d *Driver) Transfer(ctx context.Context, srcPath, destDir, destFile string) error {
	d.record("transfer:" + srcPath)
	return nil
}

func (d *Driver) UploadFile(ctx context.Context, localPath, remotePath string) error {
	d.record("upload:" + remotePath)
	return nil
}

func (d *Driver) CatFile(ctx context.Context, path string) ([]byte, error) {
	d.record("cat:" + path)
	data, ok := d.Files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func (d *Driver) SetFinalOutputDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalOutputDir = dir
}

// Factory hands out fake drivers and remembers them by name.
type Factory struct {
	mu      sync.Mutex
	drivers map[string]*Driver

	// Prepare, when set, customizes each driver before it is handed out.
	Prepare func(*Driver)

	// ValidateErr is returned by Validate.
	ValidateErr error
}

var _ platform.Factory = (*Factory)(nil)

// NewFactory creates a fake driver factory.
func NewFactory() *Factory {
	return &Factory{drivers: make(map[string]*Driver)}
}

// Driver returns the driver for name, creating it on first use.
func (f *Factory) Driver(name string) (platform.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.drivers[name]; ok {
		return d, nil
	}
	d := NewDriver(name)
	if f.Prepare != nil {
		f.Prepare(d)
	}
	f.drivers[name] = d
	return d, nil
}

// Get returns a previously handed-out driver.
func (f *Factory) Get(name string) (*Driver, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[name]
	return d, ok
}

// Validate returns the configured validation error.
func (f *Factory) Validate(ctx context.Context) error {
	return f.ValidateErr
}
