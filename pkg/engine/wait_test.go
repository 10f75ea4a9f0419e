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

	"github.com/laulauland/mill/pkg/engine"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// S2 — wait races a late terminal: the run finishes 50ms after wait starts
// polling, well within the 2s deadline.
func TestWait_ResolvesOnLateTerminal(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, err := e.Submit(engine.SubmitParams{RunID: "run_s2", ProgramPath: "p.ts"})
	require.NoError(t, err)
	_, err = e.Store().SetStatus("run_s2", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)

	_, err = startRunEvent(e, "run_s2")
	require.NoError(t, err)
	statusEvent, err := events.New("run_s2", 2, time.Now().UTC(), events.TypeRunStatus, events.RunStatusPayload{Status: events.RunStatusRunning})
	require.NoError(t, err)
	require.NoError(t, e.Store().AppendEvent("run_s2", statusEvent))

	go func() {
		time.Sleep(50 * time.Millisecond)
		result := events.RunResult{RunID: "run_s2", Status: events.RunComplete, Spawns: []events.SpawnResult{}}
		completeEvent, err := events.New("run_s2", 3, time.Now().UTC(), events.TypeRunComplete, events.RunCompletePayload{Result: result})
		if err != nil {
			return
		}
		if err := e.Store().AppendEvent("run_s2", completeEvent); err != nil {
			return
		}
		_, _ = e.Store().SetResult("run_s2", result, time.Now().UTC())
	}()

	record, err := e.Wait(context.Background(), "run_s2", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, events.RunComplete, record.Status)
}

func TestWait_UnknownRun(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, err := e.Wait(context.Background(), "run_missing", time.Second)
	var notFound *millerrors.RunNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestWait_TimeoutCarriesMillis(t *testing.T) {
	e := newTestEngine(t, &fakeDriver{})
	_, err := e.Submit(engine.SubmitParams{RunID: "run_t", ProgramPath: "p.ts"})
	require.NoError(t, err)

	_, err = e.Wait(context.Background(), "run_t", 40*time.Millisecond)
	var timeoutErr *millerrors.WaitTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, int64(40), timeoutErr.TimeoutMillis)
}
