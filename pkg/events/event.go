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

// Package events defines the tagged union of persisted run-engine events
// and the ephemeral tier-2 I/O stream event.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current event schema version. Decoders reject any
// other value.
const SchemaVersion = 1

// Type discriminates a MillEvent's payload.
type Type string

const (
	TypeRunStart        Type = "run:start"
	TypeRunStatus       Type = "run:status"
	TypeRunComplete     Type = "run:complete"
	TypeRunFailed       Type = "run:failed"
	TypeRunCancelled    Type = "run:cancelled"
	TypeSpawnStart      Type = "spawn:start"
	TypeSpawnMilestone  Type = "spawn:milestone"
	TypeSpawnToolCall   Type = "spawn:tool_call"
	TypeSpawnError      Type = "spawn:error"
	TypeSpawnComplete   Type = "spawn:complete"
	TypeSpawnCancelled  Type = "spawn:cancelled"
	TypeExtensionError  Type = "extension:error"
)

// RunTerminalTypes are the event types that end a run's lifecycle.
var RunTerminalTypes = map[Type]bool{
	TypeRunComplete:  true,
	TypeRunFailed:    true,
	TypeRunCancelled: true,
}

// SpawnTerminalTypes are the event types that end a single spawn's lifecycle.
var SpawnTerminalTypes = map[Type]bool{
	TypeSpawnComplete:  true,
	TypeSpawnError:     true,
	TypeSpawnCancelled: true,
}

// IsRunTerminal reports whether t ends a run.
func (t Type) IsRunTerminal() bool { return RunTerminalTypes[t] }

// IsSpawnTerminal reports whether t ends a spawn.
func (t Type) IsSpawnTerminal() bool { return SpawnTerminalTypes[t] }

// Event is the common envelope shared by every persisted tier-1 event. The
// payload is kept as raw JSON and decoded on demand into the concrete
// payload type that matches Type, following the spec's closed discriminated
// union over a base-class hierarchy.
type Event struct {
	SchemaVersion int             `json:"schemaVersion"`
	RunID         string          `json:"runId"`
	Sequence      int             `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// SpawnID extracts the spawnId carried by the event's payload, if any.
// Returns "" for event types that do not carry a spawnId.
func (e Event) SpawnID() string {
	switch e.Type {
	case TypeSpawnStart, TypeSpawnMilestone, TypeSpawnToolCall, TypeSpawnError, TypeSpawnComplete, TypeSpawnCancelled:
		var p struct {
			SpawnID string `json:"spawnId"`
		}
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.SpawnID
		}
	}
	return ""
}

// Payload structs, one per Type.

type RunStartPayload struct {
	ProgramPath string `json:"programPath"`
}

// RunStatusPayload is restricted to "running": terminal status changes are
// implied only by the matching terminal event, never by a run:status event.
type RunStatusPayload struct {
	Status string `json:"status"`
}

const RunStatusRunning = "running"

type RunCompletePayload struct {
	Result RunResult `json:"result"`
}

type RunFailedPayload struct {
	Message string `json:"message"`
}

type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

type SpawnStartPayload struct {
	SpawnID string        `json:"spawnId"`
	Input   SpawnOptions  `json:"input"`
}

type SpawnMilestonePayload struct {
	SpawnID string `json:"spawnId"`
	Message string `json:"message"`
}

type SpawnToolCallPayload struct {
	SpawnID  string `json:"spawnId"`
	ToolName string `json:"toolName"`
}

type SpawnErrorPayload struct {
	SpawnID string `json:"spawnId"`
	Message string `json:"message"`
}

type SpawnCompletePayload struct {
	SpawnID string      `json:"spawnId"`
	Result  SpawnResult `json:"result"`
}

type SpawnCancelledPayload struct {
	SpawnID string `json:"spawnId"`
	Reason  string `json:"reason,omitempty"`
}

type ExtensionHook string

const (
	ExtensionHookSetup   ExtensionHook = "setup"
	ExtensionHookOnEvent ExtensionHook = "onEvent"
)

type ExtensionErrorPayload struct {
	ExtensionName string        `json:"extensionName"`
	Hook          ExtensionHook `json:"hook"`
	Message       string        `json:"message"`
}

// New builds an Event with the payload marshalled to JSON. It returns an error
// if the payload cannot be marshalled; it does not panic.
func New(runID string, sequence int, timestamp time.Time, typ Type, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload for %s: %w", typ, err)
	}
	return Event{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Sequence:      sequence,
		Timestamp:     timestamp,
		Type:          typ,
		Payload:       raw,
	}, nil
}
