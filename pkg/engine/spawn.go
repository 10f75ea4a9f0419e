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

package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/laulauland/mill/internal/telemetry"
	driverpkg "github.com/laulauland/mill/pkg/driver"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// spawnDispatch returns the per-spawn entry point, closed over
// one run's mutable state. Every mill.spawn(...) call crossing the program
// host bridge is dispatched through the function this returns.
func (e *Engine) spawnDispatch(rs *runState) SpawnFunc {
	return func(ctx context.Context, input events.SpawnOptions) (events.SpawnResult, error) {
		if err := input.Validate(); err != nil {
			return events.SpawnResult{}, err
		}

		rs.mu.Lock()
		rs.spawns++
		spawnID := "spawn_" + strconv.Itoa(rs.spawns)
		rs.mu.Unlock()
		telemetry.Spawns.WithLabelValues(e.cfg.DriverName).Inc()

		if _, err := e.emit(ctx, rs, events.TypeSpawnStart, events.SpawnStartPayload{
			SpawnID: spawnID,
			Input:   input,
		}); err != nil {
			return events.SpawnResult{}, err
		}

		model := input.Model
		if model == "" {
			model = e.cfg.DefaultModel
		}

		result, err := e.cfg.Driver.Spawn(ctx, driverpkg.Request{
			RunID:        rs.runID,
			RunDirectory: e.store.RunDir(rs.runID),
			SpawnID:      spawnID,
			Agent:        input.Agent,
			SystemPrompt: input.SystemPrompt,
			Prompt:       input.Prompt,
			Model:        model,
		})
		if err != nil {
			progErr := &millerrors.ProgramExecutionError{RunID: rs.runID, Message: err.Error(), Cause: err}
			if _, emitErr := e.emit(ctx, rs, events.TypeSpawnError, events.SpawnErrorPayload{
				SpawnID: spawnID,
				Message: err.Error(),
			}); emitErr != nil {
				return events.SpawnResult{}, emitErr
			}
			return events.SpawnResult{}, progErr
		}

		for _, line := range result.Raw {
			e.hub.PublishIoEvent(events.IoStreamEvent{
				RunID:   rs.runID,
				Source:  events.IoSourceDriver,
				Stream:  events.IoStreamStdout,
				Line:    line,
				SpawnID: spawnID,
			})
		}

		for _, structured := range result.Events {
			switch structured.Kind {
			case driverpkg.EventMilestone:
				if _, err := e.emit(ctx, rs, events.TypeSpawnMilestone, events.SpawnMilestonePayload{
					SpawnID: spawnID,
					Message: structured.Message,
				}); err != nil {
					return events.SpawnResult{}, err
				}
			case driverpkg.EventToolCall:
				if _, err := e.emit(ctx, rs, events.TypeSpawnToolCall, events.SpawnToolCallPayload{
					SpawnID:  spawnID,
					ToolName: structured.ToolName,
				}); err != nil {
					return events.SpawnResult{}, err
				}
			default:
				// other structured event kinds are ignored.
			}
		}

		spawnResult := events.SpawnResult{
			Text:         result.Text,
			SessionRef:   result.SessionRef,
			Agent:        input.Agent,
			Model:        model,
			Driver:       result.DriverName,
			ExitCode:     result.ExitCode,
			StopReason:   result.StopReason,
			ErrorMessage: result.ErrorMessage,
		}
		if spawnResult.SessionRef == "" {
			decodeErr := fmt.Errorf("driver %s returned an empty sessionRef for spawn %s", result.DriverName, spawnID)
			if _, emitErr := e.emit(ctx, rs, events.TypeSpawnError, events.SpawnErrorPayload{
				SpawnID: spawnID,
				Message: decodeErr.Error(),
			}); emitErr != nil {
				return events.SpawnResult{}, emitErr
			}
			return events.SpawnResult{}, &millerrors.ProgramExecutionError{RunID: rs.runID, Message: decodeErr.Error(), Cause: decodeErr}
		}

		if _, err := e.emit(ctx, rs, events.TypeSpawnComplete, events.SpawnCompletePayload{
			SpawnID: spawnID,
			Result:  spawnResult,
		}); err != nil {
			return events.SpawnResult{}, err
		}

		rs.mu.Lock()
		rs.results = append(rs.results, spawnResult)
		rs.mu.Unlock()

		return spawnResult, nil
	}
}
