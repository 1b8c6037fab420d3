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

// pipectl is the operator CLI for a running pipelined daemon: it cancels
// pipelines through the database and resizes the queue caps through the
// configuration file.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/helixbio/pipelined/internal/log"
)

var configPath string

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "pipectl",
		Short:         "Operate a running pipelined daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the daemon configuration file")
	_ = root.MarkPersistentFlagRequired("config")

	root.AddCommand(newCancelCmd(logger))
	root.AddCommand(newResizeCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", log.Error(err))
		os.Exit(1)
	}
}
