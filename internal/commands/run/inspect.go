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
	"strings"

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/cli/format"
	"github.com/laulauland/mill/internal/commands/shared"
	"github.com/laulauland/mill/internal/jq"
	"github.com/laulauland/mill/pkg/engine"
	"github.com/laulauland/mill/pkg/events"
)

// NewInspectCommand creates the `mill inspect` command. The ref argument is
// either a runId or runId.spawnId.
func NewInspectCommand() *cobra.Command {
	var (
		runsDir     string
		sessionOnly bool
		jqFilter    string
	)

	cmd := &cobra.Command{
		Use:   "inspect <ref>",
		Short: "Show a run's (or one spawn's) events and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, spawnID := splitRef(args[0])

			rt, err := resolveRuntime(cmd.Context(), runsDir, "", "")
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			result, err := rt.engine.Inspect(engine.InspectParams{RunID: runID, SpawnID: spawnID})
			if err != nil {
				return shared.NewExecutionError("inspect", err)
			}

			if sessionOnly {
				return emitSessionRefs(result)
			}

			payload := inspectPayload(result)

			if jqFilter != "" {
				jqExec := jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)
				data, err := json.Marshal(payload)
				if err != nil {
					return shared.NewExecutionError("encode inspect result", err)
				}
				var decoded interface{}
				if err := json.Unmarshal(data, &decoded); err != nil {
					return shared.NewExecutionError("encode inspect result", err)
				}
				filtered, err := jqExec.Execute(cmd.Context(), jqFilter, decoded)
				if err != nil {
					return shared.NewExecutionError("apply --jq filter", err)
				}
				return emitValue(filtered)
			}

			if shared.GetJSON() {
				return emitValue(payload)
			}
			return renderInspectHuman(result)
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	cmd.Flags().BoolVar(&sessionOnly, "session", false, "Print only session refs")
	cmd.Flags().StringVar(&jqFilter, "jq", "", "Pipe the inspect result through a jq expression")
	return cmd
}

func splitRef(ref string) (runID, spawnID string) {
	// runIds are "run_<uuid>"; a spawn ref appends ".spawn_<n>". Split on
	// the last dot so uuids (which contain no dots) stay intact.
	if idx := strings.LastIndex(ref, "."); idx > 0 && strings.HasPrefix(ref[idx+1:], "spawn_") {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

func inspectPayload(result engine.InspectResult) map[string]interface{} {
	payload := map[string]interface{}{
		"kind":   result.Kind,
		"runId":  result.RunID,
		"events": result.Events,
	}
	if result.Kind == "run" {
		payload["run"] = result.Run
		if result.HasResult {
			payload["result"] = result.Result
		}
	} else {
		payload["spawnId"] = result.SpawnID
		if result.SpawnResult != nil {
			payload["result"] = result.SpawnResult
		}
	}
	return payload
}

func emitSessionRefs(result engine.InspectResult) error {
	if result.Kind == "spawn" {
		if result.SpawnResult == nil {
			return shared.NewExecutionError("spawn "+result.SpawnID+" has no session ref yet", nil)
		}
		fmt.Println(result.SpawnResult.SessionRef)
		return nil
	}
	for _, ev := range result.Events {
		if ev.Type != events.TypeSpawnComplete {
			continue
		}
		var p events.SpawnCompletePayload
		if events.DecodePayload(ev, &p) == nil {
			fmt.Println(p.SpawnID + " " + p.Result.SessionRef)
		}
	}
	return nil
}

func renderInspectHuman(result engine.InspectResult) error {
	if result.Kind == "run" {
		fmt.Println(renderRunStatusLine(result.Run))
	} else {
		fmt.Println(shared.Bold.Render(result.RunID + "." + result.SpawnID))
	}

	for _, ev := range result.Events {
		fmt.Println(renderEventLine(ev))
	}

	if result.Kind == "run" && result.HasResult && result.Result.ProgramResult != "" {
		fmt.Println(shared.Header.Render("result"))
		rendered, err := format.FormatMarkdown(result.Result.ProgramResult, format.IsTTY())
		if err != nil {
			rendered = result.Result.ProgramResult
		}
		fmt.Println(rendered)
	}
	if result.Kind == "spawn" && result.SpawnResult != nil {
		fmt.Println(shared.Header.Render("result"))
		fmt.Println(shared.RenderLabel("session:") + " " + result.SpawnResult.SessionRef)
		fmt.Println(shared.RenderLabel("model:  ") + " " + result.SpawnResult.Model)
		if result.SpawnResult.Text != "" {
			rendered, err := format.FormatMarkdown(result.SpawnResult.Text, format.IsTTY())
			if err != nil {
				rendered = result.SpawnResult.Text
			}
			fmt.Println(rendered)
		}
	}
	return nil
}
