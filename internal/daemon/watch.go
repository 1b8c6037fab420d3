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

package daemon

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/helixbio/pipelined/internal/log"
)

// watchConfig reloads queue caps when the configuration file changes on
// disk, covering operators who edit the file (or run the resize CLI)
// without sending SIGHUP. The returned stop function ends the watch.
func (m *Manager) watchConfig(ctx context.Context) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("config file watching unavailable", log.Error(err))
		return func() {}
	}

	// Watch the directory: editors and the resize CLI replace the file,
	// which drops a watch set on the file itself.
	dir := filepath.Dir(m.configPath)
	if err := watcher.Add(dir); err != nil {
		m.logger.Warn("unable to watch config directory", log.Error(err))
		_ = watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.configPath {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					m.logger.Info("config file changed, reloading queue caps")
					m.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error("config watch error", log.Error(err))
			}
		}
	}()

	return func() {
		if err := watcher.Close(); err != nil {
			m.logger.Error("failed to close config watcher", log.Error(err))
		}
	}
}
