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

// Package worker implements the detached worker: the top-level entry
// point of the child process that owns one run end-to-end.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/laulauland/mill/internal/lifecycle"
	"github.com/laulauland/mill/pkg/engine"
	"github.com/laulauland/mill/pkg/events"
	"github.com/laulauland/mill/pkg/executor"
	"github.com/laulauland/mill/pkg/hostbridge"
)

// Params parameterizes one worker invocation.
type Params struct {
	RunID       string
	ProgramPath string
	Metadata    map[string]string

	Engine       *engine.Engine
	Executor     executor.Runtime
	ExecutorName string
	Extensions   hostbridge.ExtensionAPI
	Logger       *slog.Logger
}

// Run drives one run to completion: writes worker.pid, submits
// (idempotently), short-circuits on an already-terminal run, otherwise
// calls RunSync with an ExecuteProgram closure wired to the program host
// bridge, and removes worker.pid on every exit path.
func Run(ctx context.Context, p Params) (events.RunResult, error) {
	record, err := p.Engine.Submit(engine.SubmitParams{
		RunID:       p.RunID,
		ProgramPath: p.ProgramPath,
		Metadata:    p.Metadata,
	})
	if err != nil {
		return events.RunResult{}, err
	}

	runDir := p.Engine.Store().RunDir(p.RunID)
	pidfile := lifecycle.NewPIDFileManager(filepath.Join(runDir, "worker.pid"))
	logger := lifecycle.NewRunLogger(filepath.Join(runDir, "logs", "worker.log"))

	if err := claimPidfile(pidfile); err != nil {
		logger.Appendf("worker:pidfile-conflict %v", err)
		return events.RunResult{}, err
	}
	defer pidfile.Remove()

	logger.Append("worker:start pid=" + strconv.Itoa(os.Getpid()))

	if record.Status.IsTerminal() {
		logger.Append("worker:terminal-noop status=" + string(record.Status))
		result, ok, err := p.Engine.Result(p.RunID)
		if err != nil {
			return events.RunResult{}, err
		}
		if !ok {
			return events.RunResult{}, fmt.Errorf("worker: run %s is terminal but has no result.json", p.RunID)
		}
		return result, nil
	}

	_, result, err := p.Engine.RunSync(ctx, engine.RunSyncParams{
		RunID:       p.RunID,
		ProgramPath: p.ProgramPath,
		Metadata:    p.Metadata,
		ExecuteProgram: func(ctx context.Context, spawn engine.SpawnFunc) (string, error) {
			value, err := p.Executor.Run(ctx, executor.Spec{
				RunID:        p.RunID,
				RunDirectory: runDir,
				ProgramPath:  p.ProgramPath,
				Executor:     p.ExecutorName,
				Spawn:        hostbridge.SpawnFunc(spawn),
				Extensions:   p.Extensions,
				Logger:       p.Logger,
				IO: func(ev events.IoStreamEvent) {
					p.Engine.Hub().PublishIoEvent(ev)
				},
			})
			if err != nil {
				return "", err
			}
			return string(value), nil
		},
	})

	if err != nil {
		logger.Append("worker:failed " + err.Error())
		return result, err
	}

	logger.Append("worker:complete")
	return result, nil
}

// claimPidfile creates worker.pid for this process, recovering from a stale
// file left by a crashed worker: if the recorded pid is no longer alive the
// file is removed and creation retried once. A live pid means another
// worker already owns the run.
func claimPidfile(m *lifecycle.PIDFileManager) error {
	err := m.Create(os.Getpid())
	if err == nil {
		return nil
	}
	if !errors.Is(err, lifecycle.ErrPIDFileExists) && !errors.Is(err, lifecycle.ErrPIDFileLocked) {
		return err
	}

	pid, readErr := m.Read()
	if readErr == nil && pid != os.Getpid() && lifecycle.IsProcessRunning(pid) {
		return fmt.Errorf("worker: run already owned by live worker pid %d", pid)
	}
	if removeErr := m.Remove(); removeErr != nil {
		return removeErr
	}
	return m.Create(os.Getpid())
}
