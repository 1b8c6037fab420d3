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
	"net/http"
	"time"

	"github.com/helixbio/pipelined/internal/log"
)

// serveMetrics starts the optional metrics/health listener. The returned
// stop function shuts the server down; it is a no-op when no listen address
// is configured.
func (m *Manager) serveMetrics() (func(), error) {
	addr := m.cfg.Metrics.Listen
	if addr == "" {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		for _, wk := range []interface{ Check() error }{m.launchWorker, m.runWorker, m.reportWorker} {
			if err := wk.Check(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	m.logger.Info("metrics listener starting", log.String("addr", addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics listener error", log.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("metrics listener shutdown error", log.Error(err))
		}
	}, nil
}
