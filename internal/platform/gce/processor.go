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

package gce

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/helixbio/pipelined/internal/log"
)

// processor manages one Compute Engine instance: its lifecycle and the
// processes executed on it over ssh. The locked bit prevents new processes
// from starting once the instance is being torn down.
type processor struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	locked  bool
	created bool
	running map[string]*exec.Cmd
}

func newProcessor(name string, cfg Config, logger *slog.Logger) *processor {
	return &processor{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		running: make(map[string]*exec.Cmd),
	}
}

// create provisions the instance and blocks until it is live.
func (p *processor) create(ctx context.Context) error {
	args := []string{
		"compute", "instances", "create", p.name,
		"--project", p.cfg.Project,
		"--zone", p.cfg.Zone,
		"--image", p.cfg.DiskImage,
		"--boot-disk-size", fmt.Sprintf("%dGB", p.cfg.BootDiskSizeGB),
		"--boot-disk-type", "pd-standard",
		"--scopes", "cloud-platform",
		"--service-account", p.cfg.ServiceAccount,
		"--machine-type", p.cfg.MachineType,
	}
	if _, _, err := p.execLocal(ctx, "create", "gcloud", args...); err != nil {
		return fmt.Errorf("failed to create instance %s: %w", p.name, err)
	}

	p.mu.Lock()
	p.created = true
	p.mu.Unlock()
	return nil
}

// destroy deletes the instance. Safe to call when the instance was never
// created or is already gone.
func (p *processor) destroy(ctx context.Context) error {
	p.mu.Lock()
	created := p.created
	p.created = false
	p.mu.Unlock()
	if !created {
		return nil
	}

	args := []string{
		"compute", "instances", "delete", p.name,
		"--project", p.cfg.Project,
		"--zone", p.cfg.Zone,
		"--quiet",
	}
	if _, _, err := p.execLocal(ctx, "destroy", "gcloud", args...); err != nil {
		// The delete may have raced a prior teardown; only report failure
		// when the instance is still listed.
		if p.instanceExists(ctx) {
			return fmt.Errorf("failed to destroy instance %s: %w", p.name, err)
		}
	}
	return nil
}

// run executes a shell command on the instance over ssh and blocks until it
// exits.
func (p *processor) run(ctx context.Context, jobName, cmd string) (string, string, error) {
	sshCmd := fmt.Sprintf("gcloud compute ssh pipelined@%s --project %s --zone %s --command %s",
		p.name, p.cfg.Project, p.cfg.Zone, shellQuote(cmd))
	return p.execLocal(ctx, jobName, "bash", "-c", sshCmd)
}

// upload copies a local file onto the instance.
func (p *processor) upload(ctx context.Context, localPath, remotePath string) error {
	args := []string{
		"compute", "scp", localPath,
		fmt.Sprintf("pipelined@%s:%s", p.name, remotePath),
		"--project", p.cfg.Project,
		"--zone", p.cfg.Zone,
	}
	_, _, err := p.execLocal(ctx, "upload", "gcloud", args...)
	return err
}

// stop locks the processor and kills every process still executing on it.
func (p *processor) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.locked = true
	for jobName, cmd := range p.running {
		if jobName == "destroy" {
			continue
		}
		if cmd.Process != nil {
			p.logger.Debug("killing process", log.String("job", jobName))
			_ = cmd.Process.Kill()
		}
	}
}

// unlock allows processes to run again, used before returning logs during
// finalization.
func (p *processor) unlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = false
}

// execLocal runs a command on the daemon host, tracking it in the process
// table so stop can kill it.
func (p *processor) execLocal(ctx context.Context, jobName, name string, args ...string) (string, string, error) {
	p.mu.Lock()
	if p.locked && jobName != "destroy" {
		p.mu.Unlock()
		return "", "", fmt.Errorf("attempt to run process %q on stopped instance %s", jobName, p.name)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return "", "", fmt.Errorf("failed to start process %q: %w", jobName, err)
	}
	p.running[jobName] = cmd
	p.mu.Unlock()

	p.logger.Debug("process started", log.String("job", jobName))
	err := cmd.Wait()

	p.mu.Lock()
	delete(p.running, jobName)
	p.mu.Unlock()

	if err != nil {
		return stdout.String(), stderr.String(),
			fmt.Errorf("process %q failed: %w: %s", jobName, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), nil
}

// instanceExists reports whether the instance is still listed on the cloud.
func (p *processor) instanceExists(ctx context.Context) bool {
	args := []string{
		"compute", "instances", "list",
		"--project", p.cfg.Project,
		"--filter", fmt.Sprintf("name=%s", p.name),
		"--format", "value(name)",
	}
	cmd := exec.CommandContext(ctx, "gcloud", args...)
	out, err := cmd.Output()
	return err == nil && len(bytes.TrimSpace(out)) > 0
}

// shellQuote wraps a command in single quotes for transport through ssh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
