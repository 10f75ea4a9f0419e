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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/commands/shared"
	"github.com/laulauland/mill/internal/lifecycle"
	"github.com/laulauland/mill/internal/telemetry"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/submit"
)

// syncWaitLimit bounds how long `run --sync` blocks before giving up. A run
// that outlives this is still running; the command reports a timeout rather
// than blocking a terminal forever.
const syncWaitLimit = 24 * time.Hour

// NewRunCommand creates the `mill run` command.
func NewRunCommand() *cobra.Command {
	var (
		syncMode     bool
		driverName   string
		executorName string
		runsDir      string
		metaJSON     string
	)

	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Submit a program for execution",
		Long: `Submit a program and launch a detached worker to execute it.

The command returns as soon as the run record is written and the worker is
started; use wait, watch, or status to observe progress. With --sync the
command additionally blocks until the run reaches a terminal status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context(), runsDir, driverName, executorName)
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			metadata, err := parseMetadata(metaJSON)
			if err != nil {
				return shared.NewExecutionError("parse --meta-json", err)
			}

			result, err := submit.SubmitRun(submit.Params{
				ProgramPath:  args[0],
				RunsDir:      rt.cfg.RunsDirectory,
				DriverName:   rt.driverName,
				ExecutorName: rt.executorName,
				Metadata:     metadata,
				MaxRunDepth:  rt.cfg.MaxRunDepth,
				Engine:       rt.engine,
				LaunchWorker: detachedLauncher(),
				Depth:        submit.ReadDepth(os.Environ()),
			})
			if err != nil {
				return shared.NewExecutionError("submit run", err)
			}
			telemetry.RunsSubmitted.WithLabelValues(rt.driverName).Inc()

			run := result.Run
			if !syncMode {
				if shared.GetJSON() {
					return emitValue(run)
				}
				fmt.Println(shared.RenderOK("submitted " + run.ID))
				fmt.Println(shared.RenderLabel("program:") + " " + run.ProgramPath)
				fmt.Println(shared.RenderLabel("driver:") + "  " + run.Driver)
				return nil
			}

			record, err := rt.engine.Wait(cmd.Context(), run.ID, syncWaitLimit)
			if err != nil {
				if _, ok := err.(*millerrors.WaitTimeoutError); ok {
					telemetry.WaitTimeouts.Inc()
					return shared.NewWaitTimeoutError("run "+run.ID+" still running", err)
				}
				return shared.NewExecutionError("wait for run", err)
			}
			telemetry.RunsFinished.WithLabelValues(string(record.Status)).Inc()

			runResult, ok, err := rt.engine.Result(run.ID)
			if err != nil {
				return shared.NewExecutionError("read result", err)
			}

			if shared.GetJSON() {
				payload := map[string]interface{}{"run": record}
				if ok {
					payload["result"] = runResult
				}
				return emitValue(payload)
			}
			fmt.Println(renderRunStatusLine(record))
			if ok && runResult.ProgramResult != "" {
				fmt.Println(runResult.ProgramResult)
			}
			if record.Status != "complete" {
				return shared.NewExecutionError("run finished with status "+string(record.Status), nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&syncMode, "sync", false, "Block until the run reaches a terminal status")
	cmd.Flags().StringVar(&driverName, "driver", "", "Driver to execute spawns with")
	cmd.Flags().StringVar(&executorName, "executor", "", "Executor to run the program with")
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	cmd.Flags().StringVar(&metaJSON, "meta-json", "", "Metadata to attach to the run, as a JSON object of strings")

	return cmd
}

func parseMetadata(metaJSON string) (map[string]string, error) {
	if metaJSON == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// detachedLauncher spawns this same binary's _worker subcommand as a
// detached subprocess with the recursion depth propagated.
func detachedLauncher() submit.Launcher {
	return func(p submit.LaunchParams) error {
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate mill binary: %w", err)
		}

		env := append(os.Environ(), submit.RunDepthEnv+"="+strconv.Itoa(p.Depth))
		spawner := lifecycle.NewSpawner().WithEnv(env)

		args := []string{
			"_worker",
			"--run-id", p.RunID,
			"--program", p.ProgramPath,
			"--runs-dir", p.RunsDir,
			"--driver", p.DriverName,
			"--executor", p.ExecutorName,
		}
		logPath := filepath.Join(p.RunDirectory, "logs", "worker.log")
		if _, err := spawner.SpawnDetached(binary, args, logPath); err != nil {
			return fmt.Errorf("launch worker: %w", err)
		}
		return nil
	}
}

// emitValue writes one pretty-printed JSON value to stdout.
func emitValue(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
