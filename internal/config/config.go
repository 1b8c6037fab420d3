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

// Package config loads, validates, and rewrites the daemon configuration
// file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults restored by the resize RESET action.
const (
	DefaultMaxCPUs    = 4
	DefaultMaxLoading = 2
)

// DBConfig connects the daemon to the pipeline database.
type DBConfig struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Database string `yaml:"database" validate:"required"`
	Host     string `yaml:"host" validate:"required"`
	// Params carries extra driver parameters (e.g. parseTime=true).
	Params map[string]string `yaml:"params,omitempty"`
}

// QueueConfig caps the pipeline queue's resource dimensions. Zero caps are
// valid in the file (the resize LOCK action writes them) but the daemon
// refuses to start on them; they only take effect through a live reload.
type QueueConfig struct {
	MaxCPUs    int `yaml:"max_cpus" validate:"gte=0"`
	MaxLoading int `yaml:"max_loading" validate:"gte=0"`
}

// PlatformConfig describes how per-pipeline compute environments are
// provisioned.
type PlatformConfig struct {
	Project        string `yaml:"project" validate:"required"`
	Zone           string `yaml:"zone" validate:"required"`
	MachineType    string `yaml:"machine_type" validate:"required"`
	DiskImage      string `yaml:"disk_image" validate:"required"`
	BootDiskSizeGB int    `yaml:"boot_disk_size" validate:"gt=0"`
	ServiceAccount string `yaml:"service_account" validate:"required"`
	WorkDir        string `yaml:"work_dir" validate:"required"`
	EngineURL      string `yaml:"engine_url" validate:"required"`
	EngineCommit   string `yaml:"engine_commit,omitempty"`
	FinalOutputDir string `yaml:"final_output_dir" validate:"required"`
}

// ReportQueueConfig connects the daemon to the completion report bus.
type ReportQueueConfig struct {
	// ReportTopic is the stream completion reports are published to;
	// ReportSub is the consumer group this daemon pulls through.
	ReportTopic string `yaml:"report_topic" validate:"required"`
	ReportSub   string `yaml:"report_sub" validate:"required"`
	Addr        string `yaml:"addr" validate:"required"`
	Password    string `yaml:"password,omitempty"`
	DB          int    `yaml:"db,omitempty"`
}

// EmailConfig configures the failure notification mailer.
type EmailConfig struct {
	SubjectPrefix string `yaml:"subject_prefix" validate:"required"`
	SenderAddress string `yaml:"sender_address" validate:"required,email"`
	SenderPwd     string `yaml:"sender_pwd" validate:"required"`
	Host          string `yaml:"host" validate:"required"`
	Port          int    `yaml:"port" validate:"gt=0,lte=65535"`
}

// MetricsConfig exposes the optional metrics/health listener.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	DB              DBConfig          `yaml:"db" validate:"required"`
	Queue           QueueConfig       `yaml:"queue"`
	Platform        PlatformConfig    `yaml:"platform" validate:"required"`
	ReportQueue     ReportQueueConfig `yaml:"report_queue" validate:"required"`
	Email           EmailConfig       `yaml:"email" validate:"required"`
	EmailRecipients []string          `yaml:"email_recipients" validate:"required,min=1,dive,email"`
	Metrics         MetricsConfig     `yaml:"metrics,omitempty"`

	// Sleep times are in seconds, matching the operator-facing file.
	DaemonSleepTime int `yaml:"daemon_sleep_time,omitempty" validate:"gt=0"`
	WorkerSleepTime int `yaml:"worker_sleep_time,omitempty" validate:"gt=0"`
}

// DaemonSleep returns the supervisor loop interval.
func (c *Config) DaemonSleep() time.Duration {
	return time.Duration(c.DaemonSleepTime) * time.Second
}

// WorkerSleep returns the worker tick interval.
func (c *Config) WorkerSleep() time.Duration {
	return time.Duration(c.WorkerSleepTime) * time.Second
}

// Load reads, defaults, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills optional fields with their defaults.
func (c *Config) applyDefaults() {
	if c.DaemonSleepTime == 0 {
		c.DaemonSleepTime = 60
	}
	if c.WorkerSleepTime == 0 {
		c.WorkerSleepTime = 5
	}
	if c.Platform.BootDiskSizeGB == 0 {
		c.Platform.BootDiskSizeGB = 75
	}
}

// Write serializes the configuration back to path. Used by the resize CLI,
// which edits the queue caps on disk for the daemon to pick up on reload.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
