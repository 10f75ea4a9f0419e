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

package submit

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/laulauland/mill/internal/lifecycle"
	"github.com/laulauland/mill/pkg/engine"
	"github.com/laulauland/mill/pkg/events"
)

// killGracePeriod is the window between SIGTERM and SIGKILL.
const killGracePeriod = 400 * time.Millisecond

// CancelParams parameterizes one cancellation.
type CancelParams struct {
	RunID  string
	Reason string

	Engine *engine.Engine
}

// CancelResult reports the run's post-cancel status plus what happened to
// its worker process tree.
type CancelResult struct {
	Run             events.RunRecord
	AlreadyTerminal bool
	KilledPIDs      []int
}

// CancelRun cancels a run end to end: marks it cancelled at the
// engine level, then reads worker.pid, verifies it against the expected
// command line, and signals the worker's full process tree. Every step is
// appended to <runDir>/logs/cancel.log.
func CancelRun(ctx context.Context, p CancelParams) (CancelResult, error) {
	runDir := p.Engine.Store().RunDir(p.RunID)
	logger := lifecycle.NewRunLogger(filepath.Join(runDir, "logs", "cancel.log"))

	engineResult, err := p.Engine.Cancel(ctx, p.RunID, p.Reason)
	if err != nil {
		return CancelResult{}, err
	}

	pidPath := filepath.Join(runDir, "worker.pid")
	pidfile := lifecycle.NewPIDFileManager(pidPath)
	pid, err := pidfile.Read()
	if err != nil {
		if os.IsNotExist(err) {
			logger.Append("cancel:kill skipped reason=no-worker-pid")
		} else {
			logger.Append("cancel:kill skipped reason=invalid-pid-file")
		}
		return CancelResult{Run: engineResult.Run, AlreadyTerminal: engineResult.AlreadyTerminal}, nil
	}

	if !lifecycle.MatchesCommandLine(pid, "_worker", "--run-id", p.RunID) {
		logger.Appendf("cancel:kill skipped pid-mismatch pid=%d", pid)
		return CancelResult{Run: engineResult.Run, AlreadyTerminal: engineResult.AlreadyTerminal}, nil
	}

	descendants, err := lifecycle.ListDescendantPIDs(pid)
	if err != nil {
		descendants = nil
	}
	targets := append([]int{pid}, descendants...)

	logger.Appendf("cancel:kill term count=%d pids=%v", len(targets), targets)
	for _, target := range targets {
		_ = lifecycle.SendSignal(target, syscall.SIGTERM)
	}

	time.Sleep(killGracePeriod)

	var survivors []int
	for _, target := range targets {
		if lifecycle.IsProcessRunning(target) {
			survivors = append(survivors, target)
		}
	}
	if len(survivors) > 0 {
		logger.Appendf("cancel:kill force count=%d pids=%v", len(survivors), survivors)
		for _, target := range survivors {
			_ = lifecycle.SendSignal(target, syscall.SIGKILL)
		}
	}

	if !lifecycle.IsProcessRunning(pid) {
		if err := os.Remove(pidPath); err == nil {
			logger.Append("cancel:kill worker.pid removed")
		}
	}

	return CancelResult{
		Run:             engineResult.Run,
		AlreadyTerminal: engineResult.AlreadyTerminal,
		KilledPIDs:      targets,
	}, nil
}
