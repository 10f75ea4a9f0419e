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

package run

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/commands/shared"
	millog "github.com/laulauland/mill/internal/log"
	"github.com/laulauland/mill/internal/telemetry"
	"github.com/laulauland/mill/pkg/worker"
)

// NewWorkerCommand creates the hidden `mill _worker` command: the entry
// point of the detached process that owns one run end-to-end. It is spawned
// by `mill run` and never invoked by hand.
func NewWorkerCommand() *cobra.Command {
	var (
		runID        string
		programPath  string
		runsDir      string
		driverName   string
		executorName string
	)

	cmd := &cobra.Command{
		Use:    "_worker",
		Short:  "Execute one run to completion (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := millog.New(millog.FromEnv())
			logger = millog.WithComponent(millog.WithRunContext(logger, runID), "worker")

			rt, err := resolveWorkerRuntime(cmd.Context(), runsDir, driverName, executorName)
			if err != nil {
				logger.Error("resolve configuration failed", millog.Error(err))
				return shared.NewExecutionError("resolve configuration", err)
			}
			defer rt.closeExtensions()

			// SIGTERM (from cancel) interrupts the run; the process tree
			// under the program host dies with us via the process group.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()

			result, err := worker.Run(ctx, worker.Params{
				RunID:        runID,
				ProgramPath:  programPath,
				Engine:       rt.engine,
				Executor:     rt.executor,
				ExecutorName: rt.executorName,
				Extensions:   worker.BuildExtensionAPI(rt.extensions),
				Logger:       logger,
			})
			if err != nil {
				logger.Error("run failed", millog.Error(err))
				telemetry.RunsFinished.WithLabelValues(string(result.Status)).Inc()
				return shared.NewExecutionError("run "+runID, err)
			}

			logger.Info("run finished", millog.String("status", string(result.Status)))
			telemetry.RunsFinished.WithLabelValues(string(result.Status)).Inc()
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to execute")
	cmd.Flags().StringVar(&programPath, "program", "", "Program path")
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Runs directory")
	cmd.Flags().StringVar(&driverName, "driver", "", "Driver name")
	cmd.Flags().StringVar(&executorName, "executor", "", "Executor name")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("program")
	return cmd
}
