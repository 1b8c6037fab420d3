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
	"strings"

	"github.com/spf13/cobra"

	"github.com/helixbio/pipelined/internal/config"
	"github.com/helixbio/pipelined/internal/log"
)

// newResizeCmd rewrites the queue caps in the configuration file. The
// running daemon applies them on SIGHUP or when its config watch fires.
func newResizeCmd(logger *slog.Logger) *cobra.Command {
	var (
		action string
		value  int
	)

	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Resize the pipeline queue caps in the configuration file",
		Long: `Resize the pipeline queue caps in the configuration file.

Actions:
  INCREASE  double both caps
  DECREASE  halve both caps
  LOCK      zero both caps so nothing new is admitted
  RESET     restore the default caps
  CPU       set max_cpus to --value
  LOAD      set max_loading to --value`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			q := &cfg.Queue
			switch strings.ToUpper(action) {
			case "INCREASE":
				q.MaxCPUs *= 2
				q.MaxLoading *= 2
			case "DECREASE":
				q.MaxCPUs /= 2
				q.MaxLoading /= 2
			case "LOCK":
				q.MaxCPUs = 0
				q.MaxLoading = 0
			case "RESET":
				q.MaxCPUs = config.DefaultMaxCPUs
				q.MaxLoading = config.DefaultMaxLoading
			case "CPU":
				if value < 0 {
					return fmt.Errorf("--value must be >= 0")
				}
				q.MaxCPUs = value
			case "LOAD":
				if value < 0 {
					return fmt.Errorf("--value must be >= 0")
				}
				q.MaxLoading = value
			default:
				return fmt.Errorf("unknown action %q", action)
			}

			if err := cfg.Write(configPath); err != nil {
				return err
			}

			logger.Info("queue caps updated",
				log.Int("max_cpus", q.MaxCPUs),
				log.Int("max_loading", q.MaxLoading))
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "Resize action: INCREASE, DECREASE, LOCK, RESET, CPU, LOAD")
	cmd.Flags().IntVar(&value, "value", -1, "Explicit cap value for the CPU and LOAD actions")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
