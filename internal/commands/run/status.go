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
	"github.com/laulauland/mill/pkg/events"
)

// NewStatusCommand creates the `mill status` command.
func NewStatusCommand() *cobra.Command {
	var runsDir string

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print a run's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context(), runsDir, "", "")
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			record, err := rt.engine.Status(args[0])
			if err != nil {
				return shared.NewExecutionError("read run", err)
			}

			if shared.GetJSON() {
				return emitValue(record)
			}
			fmt.Println(renderRunStatusLine(record))
			fmt.Println(shared.RenderLabel("program: ") + record.ProgramPath)
			fmt.Println(shared.RenderLabel("driver:  ") + record.Driver)
			fmt.Println(shared.RenderLabel("executor:") + " " + record.Executor)
			fmt.Println(shared.RenderLabel("created: ") + record.CreatedAt.Format(time.RFC3339))
			fmt.Println(shared.RenderLabel("updated: ") + record.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	return cmd
}

// renderRunStatusLine renders "<id> <status>" with a status-appropriate
// color, shared by status, run --sync, wait, and ls.
func renderRunStatusLine(record events.RunRecord) string {
	label := string(record.Status)
	switch record.Status {
	case events.RunComplete:
		label = shared.StatusOK.Render(label)
	case events.RunFailed:
		label = shared.StatusError.Render(label)
	case events.RunCancelled:
		label = shared.StatusWarn.Render(label)
	default:
		label = shared.StatusInfo.Render(label)
	}
	return shared.Bold.Render(record.ID) + " " + label
}
