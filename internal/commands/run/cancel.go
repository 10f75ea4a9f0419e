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

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/commands/shared"
	"github.com/laulauland/mill/internal/telemetry"
	"github.com/laulauland/mill/pkg/submit"
)

// NewCancelCommand creates the `mill cancel` command. Cancelling an
// already-terminal run is a no-op, not an error.
func NewCancelCommand() *cobra.Command {
	var (
		runsDir string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and kill its worker process tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context(), runsDir, "", "")
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			result, err := submit.CancelRun(cmd.Context(), submit.CancelParams{
				RunID:  args[0],
				Reason: reason,
				Engine: rt.engine,
			})
			if err != nil {
				return shared.NewExecutionError("cancel run", err)
			}
			if !result.AlreadyTerminal {
				telemetry.RunsFinished.WithLabelValues(string(result.Run.Status)).Inc()
			}

			if shared.GetJSON() {
				return emitValue(map[string]interface{}{
					"run":             result.Run,
					"alreadyTerminal": result.AlreadyTerminal,
				})
			}
			if result.AlreadyTerminal {
				fmt.Println(shared.RenderWarn(args[0] + " already " + string(result.Run.Status)))
				return nil
			}
			fmt.Println(shared.RenderOK("cancelled " + args[0]))
			if len(result.KilledPIDs) > 0 {
				fmt.Println(shared.RenderLabel(fmt.Sprintf("signalled %d process(es)", len(result.KilledPIDs))))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the run:cancelled event")
	return cmd
}
