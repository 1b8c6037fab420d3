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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
db:
  username: daemon
  password: secret
  database: pipelines
  host: db.internal:3306
queue:
  max_cpus: 8
  max_loading: 2
platform:
  project: helix-prod
  zone: us-east1-b
  machine_type: n1-standard-4
  disk_image: pipelined-base
  boot_disk_size: 100
  service_account: daemon@helix-prod.iam.gserviceaccount.com
  work_dir: /data
  engine_url: https://github.com/helixbio/engine.git
  final_output_dir: gs://helix-outputs
report_queue:
  report_topic: pipeline-reports
  report_sub: pipelined
  addr: redis.internal:6379
email:
  subject_prefix: "[pipelined]"
  sender_address: daemon@helix.bio
  sender_pwd: hunter2
  host: smtp.helix.bio
  port: 587
email_recipients:
  - ops@helix.bio
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelined.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "daemon", cfg.DB.Username)
	assert.Equal(t, 8, cfg.Queue.MaxCPUs)
	assert.Equal(t, 2, cfg.Queue.MaxLoading)
	assert.Equal(t, "pipeline-reports", cfg.ReportQueue.ReportTopic)
	assert.Equal(t, []string{"ops@helix.bio"}, cfg.EmailRecipients)

	// Defaults.
	assert.Equal(t, 60, cfg.DaemonSleepTime)
	assert.Equal(t, 5, cfg.WorkerSleepTime)
	assert.Equal(t, 60*time.Second, cfg.DaemonSleep())
	assert.Equal(t, 5*time.Second, cfg.WorkerSleep())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "queue: [not a map"))
	assert.Error(t, err)
}

func TestLoadMissingSections(t *testing.T) {
	_, err := Load(writeConfig(t, "queue:\n  max_cpus: 4\n  max_loading: 2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadRejectsBadValues(t *testing.T) {
	bad := validConfig + "\nworker_sleep_time: -1\n"
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoadAllowsZeroCaps(t *testing.T) {
	// The resize LOCK action writes zero caps; the file must stay loadable
	// so a reload can apply them.
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	cfg.Queue.MaxCPUs = 0
	cfg.Queue.MaxLoading = 0
	path := filepath.Join(t.TempDir(), "locked.yaml")
	require.NoError(t, cfg.Write(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Queue.MaxCPUs)
	assert.Equal(t, 0, reloaded.Queue.MaxLoading)
}

func TestWriteRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	cfg.Queue.MaxCPUs = 16
	path := filepath.Join(t.TempDir(), "rewritten.yaml")
	require.NoError(t, cfg.Write(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, reloaded.Queue.MaxCPUs)
	assert.Equal(t, cfg.DB, reloaded.DB)
	assert.Equal(t, cfg.Platform, reloaded.Platform)
	assert.Equal(t, cfg.Email, reloaded.Email)
}
