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

// Package submit implements the submission façade: resolving
// paths, allocating a runId, enforcing the recursion guard, seeding the run
// directory, and launching the detached worker. Cancel-by-pid-tree lives
// alongside it in cancel.go.
package submit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/laulauland/mill/pkg/engine"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// RunDepthEnv is the environment variable a worker reads (and its own
// launched worker, if any, increments) to enforce the recursion guard.
const RunDepthEnv = "MILL_RUN_DEPTH"

// DefaultMaxRunDepth is used when a resolved config does not override it.
const DefaultMaxRunDepth = 1

// LaunchParams is everything the injected launcher needs to start a
// detached worker for one run.
type LaunchParams struct {
	RunID        string
	RunDirectory string
	ProgramPath  string
	RunsDir      string
	DriverName   string
	ExecutorName string
	Depth        int
}

// Launcher starts the detached worker and returns immediately; it does not
// wait for the run to finish.
type Launcher func(p LaunchParams) error

// Params parameterizes one submission.
type Params struct {
	ProgramPath  string
	RunsDir      string
	DriverName   string
	ExecutorName string
	Metadata     map[string]string
	MaxRunDepth  int // 0 means DefaultMaxRunDepth

	Engine       *engine.Engine
	LaunchWorker Launcher

	// Depth is the caller's observed MILL_RUN_DEPTH (read by the CLI from
	// the environment); submission compares it against MaxRunDepth before
	// launching anything.
	Depth int
}

// Result is the outcome of a successful submission.
type Result struct {
	Run events.RunRecord
}

// SubmitRun submits one run: resolves the absolute program
// path, enforces the recursion guard, allocates a runId, submits to the
// engine, seeds the run directory with a program.ts copy and an empty
// worker.log, then invokes LaunchWorker.
func SubmitRun(p Params) (Result, error) {
	maxDepth := p.MaxRunDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxRunDepth
	}
	if p.Depth >= maxDepth {
		return Result{}, &millerrors.ConfigError{
			Key:    RunDepthEnv,
			Reason: fmt.Sprintf("run depth %d meets or exceeds maxRunDepth %d", p.Depth, maxDepth),
		}
	}

	programPath, err := filepath.Abs(p.ProgramPath)
	if err != nil {
		return Result{}, &millerrors.ConfigError{Key: "programPath", Reason: err.Error(), Cause: err}
	}
	if _, err := os.Stat(programPath); err != nil {
		return Result{}, &millerrors.ConfigError{Key: "programPath", Reason: "program file not found", Cause: err}
	}

	runID := "run_" + uuid.New().String()

	record, err := p.Engine.Submit(engine.SubmitParams{
		RunID:       runID,
		ProgramPath: programPath,
		Metadata:    p.Metadata,
	})
	if err != nil {
		return Result{}, err
	}

	runDir := p.Engine.Store().RunDir(runID)
	if err := copyProgramSource(programPath, filepath.Join(runDir, "program.ts")); err != nil {
		return Result{}, &millerrors.PersistenceError{Path: runDir, Message: "copy program source", Cause: err}
	}

	logsDir := filepath.Join(runDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return Result{}, &millerrors.PersistenceError{Path: logsDir, Message: "create logs directory", Cause: err}
	}
	workerLog := filepath.Join(logsDir, "worker.log")
	if f, err := os.OpenFile(workerLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
		return Result{}, &millerrors.PersistenceError{Path: workerLog, Message: "touch worker.log", Cause: err}
	} else {
		f.Close()
	}

	if p.LaunchWorker != nil {
		if err := p.LaunchWorker(LaunchParams{
			RunID:        runID,
			RunDirectory: runDir,
			ProgramPath:  programPath,
			RunsDir:      p.RunsDir,
			DriverName:   p.DriverName,
			ExecutorName: p.ExecutorName,
			Depth:        p.Depth + 1,
		}); err != nil {
			return Result{}, err
		}
	}

	return Result{Run: record}, nil
}

func copyProgramSource(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// ReadDepth parses the MILL_RUN_DEPTH environment variable, defaulting to 0
// when unset or unparsable; an unparsable value does not fail submission.
func ReadDepth(env []string) int {
	for _, kv := range env {
		key, value, ok := splitEnv(kv)
		if ok && key == RunDepthEnv {
			depth, err := strconv.Atoi(value)
			if err != nil {
				return 0
			}
			return depth
		}
	}
	return 0
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
