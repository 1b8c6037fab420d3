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
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/helixbio/pipelined/internal/platform"
)

// Factory produces Compute Engine drivers, one per pipeline.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

var _ platform.Factory = (*Factory)(nil)

// NewFactory creates a driver factory for the given platform configuration.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// Driver returns a fresh driver for an instance with the given name.
func (f *Factory) Driver(name string) (platform.Driver, error) {
	if name == "" {
		return nil, fmt.Errorf("driver name must not be empty")
	}
	return newDriver(name, f.cfg, f.logger), nil
}

// Validate checks that the configured zone and disk image are reachable
// without provisioning an instance.
func (f *Factory) Validate(ctx context.Context) error {
	checks := [][]string{
		{"compute", "zones", "describe", f.cfg.Zone, "--project", f.cfg.Project},
		{"compute", "images", "describe", f.cfg.DiskImage, "--project", f.cfg.Project},
	}
	for _, args := range checks {
		cmd := exec.CommandContext(ctx, "gcloud", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("platform validation failed (gcloud %s): %w: %s", args[0], err, out)
		}
	}
	return nil
}
