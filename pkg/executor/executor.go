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

// Package executor defines the Executor capability: runs the user program
// (locally, sandboxed, remote), orthogonal to the driver. Only the local
// executor, which delegates to the program host bridge, is implemented
// here; sandboxed/remote executors are a registry slot, not a requirement.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/laulauland/mill/pkg/hostbridge"
)

// Spec describes one program execution.
type Spec struct {
	RunID        string
	RunDirectory string
	ProgramPath  string
	Executor     string

	Spawn      hostbridge.SpawnFunc
	Extensions hostbridge.ExtensionAPI
	IO         hostbridge.IoSink
	Logger     *slog.Logger
}

// Runtime is the capability boundary every executor implements.
type Runtime interface {
	Run(ctx context.Context, spec Spec) (json.RawMessage, error)
}

// Local runs the program host bridge in-process (the bridge itself forks
// the actual child subprocess).
type Local struct {
	NodeBinary string
}

// Run implements Runtime.
func (l *Local) Run(ctx context.Context, spec Spec) (json.RawMessage, error) {
	bridge := &hostbridge.Bridge{
		RunID:        spec.RunID,
		RunDirectory: spec.RunDirectory,
		Executor:     spec.Executor,
		ProgramPath:  spec.ProgramPath,
		NodeBinary:   l.NodeBinary,
		Spawn:        spec.Spawn,
		Extensions:   spec.Extensions,
		IO:           spec.IO,
		Logger:       spec.Logger,
	}
	return bridge.Run(ctx)
}
