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

package events

import (
	millerrors "github.com/laulauland/mill/pkg/errors"
)

// GuardState tracks which run-terminal (if any) has already been observed,
// and which spawnIds have already reached a spawn-terminal. It is the
// in-memory state the lifecycle guard validates every new event against.
type GuardState struct {
	RunTerminal    Type
	SpawnTerminals map[string]Type
}

// NewGuardState returns the empty initial lifecycle guard state.
func NewGuardState() GuardState {
	return GuardState{SpawnTerminals: map[string]Type{}}
}

// ApplyLifecycleTransition validates e against state and, if legal, returns
// the updated state. It never mutates the map in place; callers get back a
// fresh GuardState so that re-derivation from a replayed log is side-effect
// free.
func ApplyLifecycleTransition(state GuardState, runID string, e Event) (GuardState, error) {
	if state.RunTerminal != "" {
		return state, &millerrors.LifecycleInvariantError{
			RunID:   runID,
			Message: "event received after run-terminal " + string(state.RunTerminal),
		}
	}

	spawnID := e.SpawnID()
	if spawnID != "" {
		if _, done := state.SpawnTerminals[spawnID]; done {
			return state, &millerrors.LifecycleInvariantError{
				RunID:   runID,
				Message: "event received after spawn-terminal for " + spawnID,
			}
		}
	}

	next := GuardState{
		RunTerminal:    state.RunTerminal,
		SpawnTerminals: cloneSpawnTerminals(state.SpawnTerminals),
	}
	if e.Type.IsRunTerminal() {
		next.RunTerminal = e.Type
	}
	if spawnID != "" && e.Type.IsSpawnTerminal() {
		next.SpawnTerminals[spawnID] = e.Type
	}
	return next, nil
}

func cloneSpawnTerminals(m map[string]Type) map[string]Type {
	out := make(map[string]Type, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ReplayGuardState folds ApplyLifecycleTransition over a full persisted
// event log, starting from NewGuardState. Used both to seed the engine's
// in-memory state on resume and to verify the "append-only resumability"
// property in tests.
func ReplayGuardState(runID string, log []Event) (GuardState, error) {
	state := NewGuardState()
	for _, e := range log {
		var err error
		state, err = ApplyLifecycleTransition(state, runID, e)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

// EnsureRunStatusTransition rejects any transition out of a terminal status
// and any transition other than pending->{pending,running} or
// running->{running,terminal}.
func EnsureRunStatusTransition(runID string, current, next RunStatus) error {
	if current.IsTerminal() {
		return &millerrors.LifecycleInvariantError{
			RunID:   runID,
			Message: "cannot transition out of terminal status " + string(current),
		}
	}
	switch current {
	case RunPending:
		if next == RunPending || next == RunRunning {
			return nil
		}
	case RunRunning:
		if next == RunRunning || next.IsTerminal() {
			return nil
		}
	case "":
		// Fresh record being created; any initial status is legal.
		return nil
	}
	return &millerrors.LifecycleInvariantError{
		RunID:   runID,
		Message: "illegal status transition " + string(current) + " -> " + string(next),
	}
}
