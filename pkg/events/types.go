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

import "time"

// RunStatus is one of the run lifecycle's five states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunComplete  RunStatus = "complete"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether s is one of the three terminal statuses.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunComplete, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// RunPaths holds the absolute, deterministically derived file paths for a
// run directory.
type RunPaths struct {
	RunDir     string `json:"runDir"`
	RunFile    string `json:"runFile"`
	EventsFile string `json:"eventsFile"`
	ResultFile string `json:"resultFile"`
}

// RunRecord is the persisted run.json document.
type RunRecord struct {
	ID          string            `json:"id"`
	Status      RunStatus         `json:"status"`
	ProgramPath string            `json:"programPath"`
	Driver      string            `json:"driver"`
	Executor    string            `json:"executor"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Paths       RunPaths          `json:"paths"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SpawnOptions is the validated input to a single mill.spawn(...) call.
type SpawnOptions struct {
	Agent        string `json:"agent"`
	SystemPrompt string `json:"systemPrompt"`
	Prompt       string `json:"prompt"`
	Model        string `json:"model,omitempty"`
}

// Validate enforces the non-empty-field invariants.
func (o SpawnOptions) Validate() error {
	switch {
	case o.Agent == "":
		return fieldRequiredErr("agent")
	case o.SystemPrompt == "":
		return fieldRequiredErr("systemPrompt")
	case o.Prompt == "":
		return fieldRequiredErr("prompt")
	}
	return nil
}

func fieldRequiredErr(field string) error {
	return &validationError{field: field}
}

type validationError struct{ field string }

func (e *validationError) Error() string { return "spawn option " + e.field + " must not be empty" }

// SpawnResult is the structured outcome of one spawn, as returned by a
// driver and recorded on spawn:complete.
type SpawnResult struct {
	Text         string `json:"text"`
	SessionRef   string `json:"sessionRef"`
	Agent        string `json:"agent"`
	Model        string `json:"model"`
	Driver       string `json:"driver"`
	ExitCode     int    `json:"exitCode"`
	StopReason   string `json:"stopReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// RunResult is the persisted result.json document, written exactly once at
// finalization.
type RunResult struct {
	RunID         string        `json:"runId"`
	Status        RunStatus     `json:"status"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
	Spawns        []SpawnResult `json:"spawns"`
	ProgramResult string        `json:"programResult,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
}

// IoSource identifies which side of the program host bridge produced a
// tier-2 I/O line.
type IoSource string

const (
	IoSourceDriver  IoSource = "driver"
	IoSourceProgram IoSource = "program"
)

// IoStream identifies which standard stream a tier-2 I/O line came from.
type IoStream string

const (
	IoStreamStdout IoStream = "stdout"
	IoStreamStderr IoStream = "stderr"
)

// IoStreamEvent is an ephemeral, non-persisted line of driver or program
// output broadcast only through the observer hub.
type IoStreamEvent struct {
	RunID     string    `json:"runId"`
	Source    IoSource  `json:"source"`
	Stream    IoStream  `json:"stream"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
	SpawnID   string    `json:"spawnId,omitempty"`
}
