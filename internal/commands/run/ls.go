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

// NewLsCommand creates the `mill ls` command.
func NewLsCommand() *cobra.Command {
	var (
		runsDir string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context(), runsDir, "", "")
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			runs, err := rt.engine.List(events.RunStatus(status))
			if err != nil {
				return shared.NewExecutionError("list runs", err)
			}

			if shared.GetJSON() {
				if runs == nil {
					runs = []events.RunRecord{}
				}
				return emitValue(runs)
			}

			if len(runs) == 0 {
				fmt.Println(shared.Muted.Render("no runs"))
				return nil
			}
			for _, record := range runs {
				fmt.Printf("%s  %s  %s\n",
					renderRunStatusLine(record),
					shared.Muted.Render(record.CreatedAt.Format(time.RFC3339)),
					record.ProgramPath,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	cmd.Flags().StringVar(&status, "status", "", "Only show runs with this status")
	return cmd
}
