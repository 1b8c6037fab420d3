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

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/helixbio/pipelined/internal/config"
	"github.com/helixbio/pipelined/internal/db"
	"github.com/helixbio/pipelined/internal/log"
	"github.com/helixbio/pipelined/internal/pipeline"
)

// newCancelCmd flips a pipeline to CANCELLING in the database. The daemon's
// run worker picks the change up on its next tick and cancels the runner.
func newCancelCmd(logger *slog.Logger) *cobra.Command {
	var pipelineID int64

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pipeline by database id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger.Info("connecting to database")
			gateway, err := db.Open(cfg.DB, logger)
			if err != nil {
				return err
			}
			defer gateway.Close()

			ctx := cmd.Context()
			if err := gateway.Sync(ctx); err != nil {
				return err
			}

			return gateway.WithSession(ctx, func(s db.Session) error {
				a, err := s.PipelineByID(pipelineID)
				if err != nil {
					return err
				}

				// A pipeline past the point of cancelling is left alone.
				curr := gateway.StatusOf(a)
				if curr != pipeline.StatusIdle && !curr.Active() {
					return fmt.Errorf("pipeline %d is past the point of cancelling (status %s)", pipelineID, curr)
				}

				if err := s.UpdateStatus(pipelineID, pipeline.StatusCancelling); err != nil {
					return err
				}
				if err := s.UpdateError(pipelineID, pipeline.ErrCancel, "manually cancelled by user"); err != nil {
					return err
				}
				logger.Info("pipeline cancelled", log.Int64(log.PipelineIDKey, pipelineID))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&pipelineID, "pipeline-id", 0, "Database id of the pipeline to cancel")
	_ = cmd.MarkFlagRequired("pipeline-id")
	return cmd
}
