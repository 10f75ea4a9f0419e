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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/commands/shared"
	"github.com/laulauland/mill/internal/telemetry"
	millerrors "github.com/laulauland/mill/pkg/errors"
)

// NewWaitCommand creates the `mill wait` command. A timeout exits with code
// 2 so callers can distinguish "still running" from a failure.
func NewWaitCommand() *cobra.Command {
	var (
		runsDir        string
		timeoutSeconds float64
	)

	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Block until a run reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context(), runsDir, "", "")
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			timeout := time.Duration(timeoutSeconds * float64(time.Second))

			var spinner *shared.Spinner
			if !shared.GetJSON() {
				spinner = shared.NewSpinner()
				spinner.Start("waiting for " + args[0])
			}

			record, err := rt.engine.Wait(cmd.Context(), args[0], timeout)
			if spinner != nil {
				spinner.Stop()
			}
			if err != nil {
				if _, ok := err.(*millerrors.WaitTimeoutError); ok {
					telemetry.WaitTimeouts.Inc()
					return shared.NewWaitTimeoutError(fmt.Sprintf("run %s did not finish within %s", args[0], timeout), err)
				}
				return shared.NewExecutionError("wait for run", err)
			}

			if shared.GetJSON() {
				return emitValue(record)
			}
			fmt.Println(renderRunStatusLine(record))
			return nil
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	cmd.Flags().Float64Var(&timeoutSeconds, "timeout", 0, "Seconds to wait before giving up")
	_ = cmd.MarkFlagRequired("timeout")
	return cmd
}
