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

// Package driver defines the Runtime capability boundary: a generic
// adapter over a local subprocess or remote endpoint that turns a spawn
// request into an agent invocation. Vendor-specific output codecs plug in
// behind the generic runtime shape; only that shape, one concrete
// local-subprocess implementation, and one concrete remote (bedrock)
// implementation live here.
package driver

import "context"

// Request is everything a driver needs to execute one spawn.
type Request struct {
	RunID        string
	RunDirectory string
	SpawnID      string
	Agent        string
	SystemPrompt string
	Prompt       string
	Model        string
}

// EventKind discriminates a driver's structured output events, folded by
// the engine into spawn:milestone / spawn:tool_call tier-1 events.
type EventKind string

const (
	EventMilestone EventKind = "milestone"
	EventToolCall  EventKind = "tool_call"
)

// StructuredEvent is one structured event a driver reports while a spawn is
// in flight. Kinds other than EventMilestone/EventToolCall are ignored by
// the engine.
type StructuredEvent struct {
	Kind     EventKind
	Message  string
	ToolName string
}

// Result is a driver's complete output for one spawn: the final decoded
// SpawnResult-shaped fields, any structured events observed along the way,
// and raw I/O lines to republish as tier-2 events.
type Result struct {
	Text         string
	SessionRef   string
	Agent        string
	Model        string
	DriverName   string
	ExitCode     int
	StopReason   string
	ErrorMessage string

	Events []StructuredEvent
	Raw    []string
}

// Runtime is the capability boundary every driver implements.
type Runtime interface {
	// Spawn executes one agent invocation for req and returns its result.
	// The engine maps a non-nil error to ProgramExecutionError and emits
	// spawn:error; Result.Events and Result.Raw are only consulted when
	// err is nil.
	Spawn(ctx context.Context, req Request) (Result, error)
}
