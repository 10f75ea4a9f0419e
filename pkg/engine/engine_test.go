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

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	driverpkg "github.com/laulauland/mill/pkg/driver"
	"github.com/laulauland/mill/pkg/engine"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
	"github.com/laulauland/mill/pkg/observer"
)

// fakeDriver returns one canned result per Spawn call, in order, matching
// S1's scripted driver behaviour.
type fakeDriver struct {
	results []driverpkg.Result
	errs    []error
	calls   int
}

func (d *fakeDriver) Spawn(ctx context.Context, req driverpkg.Request) (driverpkg.Result, error) {
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return driverpkg.Result{}, d.errs[i]
	}
	if i < len(d.results) {
		return d.results[i], nil
	}
	return driverpkg.Result{}, nil
}

func newTestEngine(t *testing.T, driver driverpkg.Runtime) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	hub := observer.New()
	cfg := engine.Config{
		RunsDirectory: dir,
		DriverName:    "test",
		ExecutorName:  "local",
		DefaultModel:  "openai/gpt-5.3-codex",
		Driver:        driver,
	}
	return engine.New(cfg, hub)
}

// S1 — happy path: one spawn, run completes.
func TestRunSync_HappyPath(t *testing.T) {
	driver := &fakeDriver{
		results: []driverpkg.Result{
			{
				Text:       "driver:hello",
				SessionRef: "session/scout",
				Agent:      "scout",
				Model:      "openai/gpt-5.3-codex",
				DriverName: "test",
				ExitCode:   0,
			},
		},
	}
	e := newTestEngine(t, driver)

	record, result, err := e.RunSync(context.Background(), engine.RunSyncParams{
		RunID:       "run_s1",
		ProgramPath: "program.ts",
		ExecuteProgram: func(ctx context.Context, spawn engine.SpawnFunc) (string, error) {
			res, err := spawn(ctx, events.SpawnOptions{Agent: "scout", SystemPrompt: "be concise", Prompt: "hello"})
			if err != nil {
				return "", err
			}
			return res.Text, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, events.RunComplete, record.Status)
	require.Equal(t, events.RunComplete, result.Status)
	require.Len(t, result.Spawns, 1)
	require.Equal(t, "session/scout", result.Spawns[0].SessionRef)

	log, err := e.Store().ReadEvents("run_s1")
	require.NoError(t, err)

	var types []events.Type
	for _, ev := range log {
		types = append(types, ev.Type)
	}
	require.Equal(t, []events.Type{
		events.TypeRunStart,
		events.TypeRunStatus,
		events.TypeSpawnStart,
		events.TypeSpawnComplete,
		events.TypeRunComplete,
	}, types)
}

// S3 — wait timeout: a running-but-idle run never resolves before timeout.
func TestWait_Timeout(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, err := e.Submit(engine.SubmitParams{RunID: "run_s3", ProgramPath: "p.ts"})
	require.NoError(t, err)

	_, err = e.Store().SetStatus("run_s3", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)

	rs, err := startRunEvent(e, "run_s3")
	require.NoError(t, err)
	_ = rs

	_, err = e.Wait(context.Background(), "run_s3", 40*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *millerrors.WaitTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "run_s3", timeoutErr.RunID)
}

// startRunEvent appends a bare run:start event directly to the log,
// bypassing RunSync, to set up a "running but idle" fixture for Wait tests.
func startRunEvent(e *engine.Engine, runID string) (events.Event, error) {
	ev, err := events.New(runID, 1, time.Now().UTC(), events.TypeRunStart, events.RunStartPayload{ProgramPath: "p.ts"})
	if err != nil {
		return events.Event{}, err
	}
	if err := e.Store().AppendEvent(runID, ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// S4 — lifecycle guard rejects a duplicate terminal.
func TestLifecycleGuard_RejectsDuplicateTerminal(t *testing.T) {
	runID := "run_s4"
	guard := events.NewGuardState()

	failedEvent, err := events.New(runID, 1, time.Now().UTC(), events.TypeRunFailed, events.RunFailedPayload{Message: "boom"})
	require.NoError(t, err)
	guard, err = events.ApplyLifecycleTransition(guard, runID, failedEvent)
	require.NoError(t, err)
	require.Equal(t, events.TypeRunFailed, guard.RunTerminal)

	anotherEvent, err := events.New(runID, 2, time.Now().UTC(), events.TypeRunComplete, events.RunCompletePayload{})
	require.NoError(t, err)
	_, err = events.ApplyLifecycleTransition(guard, runID, anotherEvent)
	require.Error(t, err)

	var invariantErr *millerrors.LifecycleInvariantError
	require.ErrorAs(t, err, &invariantErr)
}

// S5 — cancel idempotence.
func TestCancel_Idempotent(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, err := e.Submit(engine.SubmitParams{RunID: "run_s5", ProgramPath: "p.ts"})
	require.NoError(t, err)
	_, err = e.Store().SetStatus("run_s5", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)
	_, err = startRunEvent(e, "run_s5")
	require.NoError(t, err)

	result, err := e.Cancel(context.Background(), "run_s5", "user requested")
	require.NoError(t, err)
	require.False(t, result.AlreadyTerminal)
	require.Equal(t, events.RunCancelled, result.Run.Status)

	log, err := e.Store().ReadEvents("run_s5")
	require.NoError(t, err)
	require.Equal(t, events.TypeRunCancelled, log[len(log)-1].Type)

	second, err := e.Cancel(context.Background(), "run_s5", "user requested again")
	require.NoError(t, err)
	require.True(t, second.AlreadyTerminal)

	logAfter, err := e.Store().ReadEvents("run_s5")
	require.NoError(t, err)
	require.Len(t, logAfter, len(log))
}

// S6 — watch backfill + live.
func TestWatch_BackfillThenLive(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, err := e.Submit(engine.SubmitParams{RunID: "run_s6", ProgramPath: "p.ts"})
	require.NoError(t, err)
	_, err = e.Store().SetStatus("run_s6", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)

	ev1, err := startRunEvent(e, "run_s6")
	require.NoError(t, err)
	statusEvent, err := events.New("run_s6", 2, time.Now().UTC(), events.TypeRunStatus, events.RunStatusPayload{Status: events.RunStatusRunning})
	require.NoError(t, err)
	require.NoError(t, e.Store().AppendEvent("run_s6", statusEvent))
	spawnStart, err := events.New("run_s6", 3, time.Now().UTC(), events.TypeSpawnStart, events.SpawnStartPayload{SpawnID: "spawn_1", Input: events.SpawnOptions{Agent: "a", SystemPrompt: "s", Prompt: "p"}})
	require.NoError(t, err)
	require.NoError(t, e.Store().AppendEvent("run_s6", spawnStart))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, unsubscribe, err := e.Watch(ctx, "run_s6")
	require.NoError(t, err)
	defer unsubscribe()

	first := <-out
	require.Equal(t, ev1.Type, first.Type)
	second := <-out
	require.Equal(t, events.TypeRunStatus, second.Type)
	third := <-out
	require.Equal(t, events.TypeSpawnStart, third.Type)

	// The run is not yet terminal: Watch is still listening live. Now
	// complete it via a direct append and expect the completion to be
	// delivered before the channel closes.
	completeResult := events.RunResult{RunID: "run_s6", Status: events.RunComplete}
	completeEvent, err := events.New("run_s6", 4, time.Now().UTC(), events.TypeRunComplete, events.RunCompletePayload{Result: completeResult})
	require.NoError(t, err)
	require.NoError(t, e.Store().AppendEvent("run_s6", completeEvent))
	e.Hub().PublishTier1Event("run_s6", completeEvent)

	fourth, ok := <-out
	require.True(t, ok)
	require.Equal(t, events.TypeRunComplete, fourth.Type)

	_, ok = <-out
	require.False(t, ok)
}

type runStateFixture struct{}

// TestWatch_RejectsUnknownRun confirms Watch surfaces RunNotFoundError for a
// run that was never submitted.
func TestWatch_RejectsUnknownRun(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, _, err := e.Watch(context.Background(), "nonexistent")
	require.Error(t, err)
	var notFound *millerrors.RunNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestValidateISOTime(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	parsed, err := engine.ValidateISOTime(now)
	require.NoError(t, err)
	require.Equal(t, now, parsed.Format(time.RFC3339Nano))

	_, err = engine.ValidateISOTime("not-a-timestamp")
	require.Error(t, err)
}
