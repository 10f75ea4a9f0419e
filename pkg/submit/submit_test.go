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

package submit_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	driverpkg "github.com/laulauland/mill/pkg/driver"
	"github.com/laulauland/mill/pkg/engine"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
	"github.com/laulauland/mill/pkg/observer"
	"github.com/laulauland/mill/pkg/submit"
)

type noopDriver struct{}

func (noopDriver) Spawn(ctx context.Context, req driverpkg.Request) (driverpkg.Result, error) {
	return driverpkg.Result{SessionRef: "s", DriverName: "test"}, nil
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(engine.Config{
		RunsDirectory: t.TempDir(),
		DriverName:    "test",
		ExecutorName:  "local",
		Driver:        noopDriver{},
	}, observer.New())
}

func writeProgram(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "program.ts")
	require.NoError(t, os.WriteFile(path, []byte("return 1;\n"), 0o644))
	return path
}

func TestSubmitRun_SeedsRunDirectoryAndLaunchesWorker(t *testing.T) {
	eng := newEngine(t)
	program := writeProgram(t)

	var launched *submit.LaunchParams
	result, err := submit.SubmitRun(submit.Params{
		ProgramPath:  program,
		RunsDir:      eng.Store().RunsDirectory(),
		DriverName:   "test",
		ExecutorName: "local",
		Metadata:     map[string]string{"owner": "ci"},
		Engine:       eng,
		Depth:        0,
		LaunchWorker: func(p submit.LaunchParams) error {
			launched = &p
			return nil
		},
	})
	require.NoError(t, err)

	run := result.Run
	require.True(t, strings.HasPrefix(run.ID, "run_"))
	require.Equal(t, events.RunPending, run.Status)
	require.Equal(t, "ci", run.Metadata["owner"])

	// The worker was launched with an incremented recursion depth.
	require.NotNil(t, launched)
	require.Equal(t, run.ID, launched.RunID)
	require.Equal(t, 1, launched.Depth)

	runDir := eng.Store().RunDir(run.ID)
	copied, err := os.ReadFile(filepath.Join(runDir, "program.ts"))
	require.NoError(t, err)
	require.Equal(t, "return 1;\n", string(copied))

	_, err = os.Stat(filepath.Join(runDir, "logs", "worker.log"))
	require.NoError(t, err)
}

// Property 7: a submission at or beyond maxRunDepth fails before any worker
// is launched.
func TestSubmitRun_RecursionGuard(t *testing.T) {
	eng := newEngine(t)
	program := writeProgram(t)

	launcherCalled := false
	_, err := submit.SubmitRun(submit.Params{
		ProgramPath:  program,
		RunsDir:      eng.Store().RunsDirectory(),
		DriverName:   "test",
		ExecutorName: "local",
		MaxRunDepth:  1,
		Depth:        1,
		Engine:       eng,
		LaunchWorker: func(p submit.LaunchParams) error {
			launcherCalled = true
			return nil
		},
	})
	require.Error(t, err)
	require.False(t, launcherCalled)

	var cfgErr *millerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	// Nothing was written either.
	runs, listErr := eng.Store().ListRuns("")
	require.NoError(t, listErr)
	require.Empty(t, runs)
}

func TestSubmitRun_MissingProgram(t *testing.T) {
	eng := newEngine(t)
	_, err := submit.SubmitRun(submit.Params{
		ProgramPath: filepath.Join(t.TempDir(), "missing.ts"),
		Engine:      eng,
	})
	require.Error(t, err)
	var cfgErr *millerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestReadDepth(t *testing.T) {
	tests := []struct {
		name string
		env  []string
		want int
	}{
		{"unset", []string{"PATH=/bin"}, 0},
		{"set", []string{"MILL_RUN_DEPTH=2"}, 2},
		{"unparsable", []string{"MILL_RUN_DEPTH=zebra"}, 0},
		{"empty value", []string{"MILL_RUN_DEPTH="}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, submit.ReadDepth(tt.env))
		})
	}
}

func TestCancelRun_NoWorkerPid(t *testing.T) {
	eng := newEngine(t)

	_, err := eng.Submit(engine.SubmitParams{RunID: "run_cancel", ProgramPath: "p.ts"})
	require.NoError(t, err)
	_, err = eng.Store().SetStatus("run_cancel", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)

	result, err := submit.CancelRun(context.Background(), submit.CancelParams{
		RunID:  "run_cancel",
		Reason: "test",
		Engine: eng,
	})
	require.NoError(t, err)
	require.False(t, result.AlreadyTerminal)
	require.Equal(t, events.RunCancelled, result.Run.Status)
	require.Empty(t, result.KilledPIDs)

	logData, err := os.ReadFile(filepath.Join(eng.Store().RunDir("run_cancel"), "logs", "cancel.log"))
	require.NoError(t, err)
	require.Contains(t, string(logData), "cancel:kill skipped reason=no-worker-pid")
}

func TestCancelRun_PidMismatchIsSkipped(t *testing.T) {
	eng := newEngine(t)

	_, err := eng.Submit(engine.SubmitParams{RunID: "run_mismatch", ProgramPath: "p.ts"})
	require.NoError(t, err)
	_, err = eng.Store().SetStatus("run_mismatch", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)

	// Point worker.pid at pid 1: its command line is the init process, not
	// a mill _worker, so the kill must be skipped.
	runDir := eng.Store().RunDir("run_mismatch")
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "worker.pid"), []byte("1\n"), 0o600))

	result, err := submit.CancelRun(context.Background(), submit.CancelParams{
		RunID:  "run_mismatch",
		Engine: eng,
	})
	require.NoError(t, err)
	require.Empty(t, result.KilledPIDs)

	logData, err := os.ReadFile(filepath.Join(runDir, "logs", "cancel.log"))
	require.NoError(t, err)
	require.Contains(t, string(logData), "pid-mismatch")
}
