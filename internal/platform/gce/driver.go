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

// Package gce implements the platform driver on Google Compute Engine. All
// cloud interaction shells out to the gcloud and gsutil CLIs.
package gce

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/platform"
)

// Config describes how instances are provisioned and where the execution
// engine comes from.
type Config struct {
	Project        string
	Zone           string
	MachineType    string
	DiskImage      string
	BootDiskSizeGB int
	ServiceAccount string

	// WorkDir is the on-instance working directory.
	WorkDir string

	// EngineURL is the git URL the execution engine is cloned from.
	// EngineCommit optionally pins it to a specific commit.
	EngineURL    string
	EngineCommit string
}

// workspace holds the on-instance paths derived from the working directory
// and the driver name.
type workspace struct {
	logDir      string
	engineDir   string
	engineExec  string
	graph       string
	resourceKit string
	platform    string
	sampleSheet string
	startup     string
}

func newWorkspace(workDir, name string) workspace {
	return workspace{
		logDir:      path.Join(workDir, "daemon_log"),
		engineDir:   path.Join(workDir, "engine"),
		engineExec:  path.Join(workDir, "engine", "run"),
		graph:       path.Join(workDir, fmt.Sprintf("graph.%s.config", name)),
		resourceKit: path.Join(workDir, fmt.Sprintf("resource_kit.%s.config", name)),
		platform:    path.Join(workDir, fmt.Sprintf("platform.%s.config", name)),
		sampleSheet: path.Join(workDir, fmt.Sprintf("input.%s.json", name)),
		startup:     path.Join(workDir, fmt.Sprintf("startup.%s.sh", name)),
	}
}

// Driver runs one pipeline on a dedicated Compute Engine instance.
type Driver struct {
	name   string
	cfg    Config
	ws     workspace
	logger *slog.Logger

	mu             sync.Mutex
	proc           *processor
	launched       bool
	finalOutputDir string
}

var _ platform.Driver = (*Driver)(nil)

func newDriver(name string, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		name:   name,
		cfg:    cfg,
		ws:     newWorkspace(cfg.WorkDir, name),
		logger: logger.With(slog.String(log.PlatformKey, name)),
	}
}

// SetFinalOutputDir sets the storage directory pipeline outputs are
// delivered to. Must be called before Launch.
func (d *Driver) SetFinalOutputDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalOutputDir = strings.TrimRight(dir, "/") + "/"
}

// Launch provisions the instance, prepares the workspace, installs the
// execution engine, and uploads the pipeline configuration.
func (d *Driver) Launch(ctx context.Context, blobs platform.ConfigBlobs) error {
	d.logger.Info("creating instance")
	proc := newProcessor(d.name, d.cfg, d.logger)

	d.mu.Lock()
	d.proc = proc
	d.mu.Unlock()

	if err := proc.create(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.launched = true
	outputDir := d.finalOutputDir
	d.mu.Unlock()

	for _, dir := range []string{d.cfg.WorkDir, d.ws.logDir, d.ws.engineDir} {
		d.logger.Info("creating directory", log.String("path", dir))
		if err := d.Mkdir(ctx, dir); err != nil {
			return err
		}
	}

	d.logger.Info("granting write permissions")
	if _, _, err := proc.run(ctx, "grant_permissions", fmt.Sprintf("sudo chmod -R 777 %s", d.cfg.WorkDir)); err != nil {
		return err
	}

	if outputDir != "" {
		exists, err := d.PathExists(ctx, outputDir)
		if err != nil {
			return err
		}
		if !exists {
			d.logger.Info("creating output directory", log.String("path", outputDir))
			if err := d.Mkdir(ctx, outputDir); err != nil {
				return err
			}
		}
	}

	d.logger.Info("installing execution engine", log.String("url", d.cfg.EngineURL))
	cloneCmd := fmt.Sprintf("sudo git clone %s %s >>%s 2>&1", d.cfg.EngineURL, d.ws.engineDir, d.launchLog())
	if _, _, err := proc.run(ctx, "install_engine", cloneCmd); err != nil {
		return err
	}

	if d.cfg.EngineCommit != "" {
		d.logger.Info("pinning execution engine", log.String("commit", d.cfg.EngineCommit))
		resetCmd := fmt.Sprintf("cd %s && sudo git reset --hard %s", d.ws.engineDir, d.cfg.EngineCommit)
		if _, _, err := proc.run(ctx, "pin_engine", resetCmd); err != nil {
			return err
		}
	}

	uploads := d.preprocessConfigs(blobs)
	for dest, data := range uploads {
		if data == nil {
			continue
		}
		d.logger.Info("uploading config", log.String("path", dest))
		if err := d.uploadBlob(ctx, data, dest); err != nil {
			return err
		}
	}

	d.logger.Info("platform loaded")
	return nil
}

// preprocessConfigs maps config blobs to their on-instance destinations.
// The platform config is rewritten to reference the uploaded startup script
// when one is present.
func (d *Driver) preprocessConfigs(blobs platform.ConfigBlobs) map[string][]byte {
	uploads := map[string][]byte{
		d.ws.graph:       blobs.Graph,
		d.ws.resourceKit: blobs.ResourceKit,
		d.ws.sampleSheet: blobs.SampleSheet,
	}

	platformCfg := blobs.Platform
	if blobs.StartupScript != nil {
		uploads[d.ws.startup] = blobs.StartupScript
		platformCfg = append(platformCfg, []byte(fmt.Sprintf("\nstartup_script = %s\n", d.ws.startup))...)
	}
	uploads[d.ws.platform] = platformCfg
	return uploads
}

// RunEngine starts the execution engine and blocks until it exits.
func (d *Driver) RunEngine(ctx context.Context) (string, string, error) {
	proc, err := d.processor()
	if err != nil {
		return "", "", err
	}

	d.mu.Lock()
	outputDir := d.finalOutputDir
	d.mu.Unlock()

	cmd := fmt.Sprintf("cd %s && %s --input %s --name %s --pipeline_config %s --res_kit_config %s --plat_config %s -o %s -vvv >>%s 2>&1",
		d.ws.engineDir, d.ws.engineExec, d.ws.sampleSheet, d.name, d.ws.graph,
		d.ws.resourceKit, d.ws.platform, outputDir, d.runLog())
	return proc.run(ctx, "run_engine", cmd)
}

// CancelEngine signals a running engine to stop gracefully.
func (d *Driver) CancelEngine() error {
	proc, err := d.processor()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stopScript := "sudo kill -INT $(pgrep -nf 'engine/run')"
	stopPath := path.Join(d.cfg.WorkDir, "stop_engine.sh")
	if err := d.uploadBlob(ctx, []byte(stopScript), stopPath); err != nil {
		return err
	}
	_, _, err = proc.run(ctx, "stop_engine", fmt.Sprintf("bash %s", stopPath))
	return err
}

// CancelLaunch interrupts an in-flight Launch, waiting up to timeout for the
// instance handle to appear before stopping it.
func (d *Driver) CancelLaunch(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		proc := d.proc
		d.mu.Unlock()
		if proc != nil {
			proc.stop()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for instance handle", timeout)
		}
		time.Sleep(time.Second)
	}
}

// Finalize returns the log directory as a final output and destroys the
// instance. Errors returning logs do not prevent the teardown.
func (d *Driver) Finalize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	d.mu.Lock()
	proc := d.proc
	launched := d.launched
	outputDir := d.finalOutputDir
	d.mu.Unlock()

	if proc == nil {
		return nil
	}

	if launched && outputDir != "" {
		proc.unlock()
		if err := d.Transfer(ctx, d.ws.logDir, outputDir, ""); err != nil {
			d.logger.Error("could not return logs to output directory", log.Error(err))
		}
	}

	return proc.destroy(ctx)
}

// PathExists reports whether a path exists on the instance or in object
// storage. Storage probes run on the daemon host and need no instance.
func (d *Driver) PathExists(ctx context.Context, p string) (bool, error) {
	proc, err := d.processor()
	if err != nil {
		if !isStoragePath(p) {
			return false, err
		}
		proc = newProcessor(d.name, d.cfg, d.logger)
	}
	if isStoragePath(p) {
		_, _, err = proc.execLocal(ctx, "path_exists", "gsutil", "-q", "stat", storageProbe(p))
	} else {
		_, _, err = proc.run(ctx, "path_exists", fmt.Sprintf("test -e %s", p))
	}
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Mkdir creates a directory on the instance. Object storage has no
// directories, so storage paths are a no-op.
func (d *Driver) Mkdir(ctx context.Context, p string) error {
	if isStoragePath(p) {
		return nil
	}
	proc, err := d.processor()
	if err != nil {
		return err
	}
	_, _, err = proc.run(ctx, "mkdir", fmt.Sprintf("sudo mkdir -p %s", p))
	return err
}

// Transfer copies a file or directory into a destination directory on the
// instance or in object storage.
func (d *Driver) Transfer(ctx context.Context, srcPath, destDir, destFile string) error {
	proc, err := d.processor()
	if err != nil {
		return err
	}
	dest := strings.TrimRight(destDir, "/") + "/"
	if destFile != "" {
		dest += destFile
	}
	_, _, err = proc.run(ctx, "transfer", fmt.Sprintf("gsutil -m cp -r %s %s", srcPath, dest))
	return err
}

// UploadFile copies a local file onto the instance or into object storage.
func (d *Driver) UploadFile(ctx context.Context, localPath, remotePath string) error {
	proc, err := d.processor()
	if err != nil {
		return err
	}
	if isStoragePath(remotePath) {
		_, _, err = proc.execLocal(ctx, "upload_storage", "gsutil", "cp", localPath, remotePath)
		return err
	}
	return proc.upload(ctx, localPath, remotePath)
}

// CatFile returns the contents of a file on the instance or in object
// storage. Storage reads run on the daemon host and need no instance.
func (d *Driver) CatFile(ctx context.Context, p string) ([]byte, error) {
	proc, err := d.processor()
	if err != nil {
		if !isStoragePath(p) {
			return nil, err
		}
		proc = newProcessor(d.name, d.cfg, d.logger)
	}
	var out string
	if isStoragePath(p) {
		out, _, err = proc.execLocal(ctx, "cat_storage", "gsutil", "cat", p)
	} else {
		out, _, err = proc.run(ctx, "cat_file", fmt.Sprintf("cat %s", p))
	}
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// uploadBlob writes a blob to a temporary local file and uploads it.
func (d *Driver) uploadBlob(ctx context.Context, data []byte, remotePath string) error {
	tmp, err := os.CreateTemp("", fmt.Sprintf("upload.%s.*", uuid.New().String()[:6]))
	if err != nil {
		return fmt.Errorf("failed to stage upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return d.UploadFile(ctx, tmp.Name(), remotePath)
}

func (d *Driver) processor() (*processor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil, fmt.Errorf("platform %s has not been launched", d.name)
	}
	return d.proc, nil
}

func (d *Driver) launchLog() string {
	return path.Join(d.ws.logDir, "launch.log")
}

func (d *Driver) runLog() string {
	return path.Join(d.ws.logDir, "run_engine.log")
}

func isStoragePath(p string) bool {
	return strings.HasPrefix(p, "gs://")
}

// storageProbe adapts a storage path for existence probing; gsutil stat does
// not match directory prefixes unless wildcarded.
func storageProbe(p string) string {
	if strings.HasSuffix(p, "/") {
		return p + "**"
	}
	return p
}
