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

package store_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
	"github.com/laulauland/mill/pkg/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir())
}

func createRun(t *testing.T, s *store.Store, runID string, status events.RunStatus, at time.Time) events.RunRecord {
	t.Helper()
	record, err := s.Create(store.CreateParams{
		RunID:       runID,
		ProgramPath: "/tmp/program.ts",
		Driver:      "test",
		Executor:    "local",
		Status:      status,
		Timestamp:   at,
	})
	require.NoError(t, err)
	return record
}

func TestCreate_WritesRunLayout(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	record := createRun(t, s, "run_a", events.RunPending, now)

	require.Equal(t, "run_a", record.ID)
	require.Equal(t, events.RunPending, record.Status)
	require.Equal(t, s.RunDir("run_a"), record.Paths.RunDir)

	for _, path := range []string{record.Paths.RunFile, record.Paths.EventsFile} {
		_, err := os.Stat(path)
		require.NoError(t, err, path)
	}
	info, err := os.Stat(filepath.Join(record.Paths.RunDir, "logs"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// run.json is pretty-printed with a trailing newline.
	data, err := os.ReadFile(record.Paths.RunFile)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"))
	require.Contains(t, string(data), "\n  \"id\": \"run_a\"")
}

func TestAppendEvent_ReadEvents(t *testing.T) {
	s := newStore(t)
	createRun(t, s, "run_a", events.RunRunning, time.Now().UTC())

	for seq := 1; seq <= 3; seq++ {
		ev, err := events.New("run_a", seq, time.Now().UTC(), events.TypeRunStatus, events.RunStatusPayload{Status: events.RunStatusRunning})
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent("run_a", ev))
	}

	log, err := s.ReadEvents("run_a")
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i, ev := range log {
		require.Equal(t, i+1, ev.Sequence)
	}
}

func TestReadEvents_SkipsBlankLines(t *testing.T) {
	s := newStore(t)
	record := createRun(t, s, "run_a", events.RunRunning, time.Now().UTC())

	ev, err := events.New("run_a", 1, time.Now().UTC(), events.TypeRunStart, events.RunStartPayload{ProgramPath: "p.ts"})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent("run_a", ev))

	f, err := os.OpenFile(record.Paths.EventsFile, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err := s.ReadEvents("run_a")
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestReadEvents_MalformedLineIsPersistenceError(t *testing.T) {
	s := newStore(t)
	record := createRun(t, s, "run_a", events.RunRunning, time.Now().UTC())

	f, err := os.OpenFile(record.Paths.EventsFile, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.ReadEvents("run_a")
	require.Error(t, err)
	var persistErr *millerrors.PersistenceError
	require.ErrorAs(t, err, &persistErr)
}

func TestReadEvents_UnknownRun(t *testing.T) {
	s := newStore(t)
	_, err := s.ReadEvents("run_missing")
	var notFound *millerrors.RunNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "run_missing", notFound.RunID)
}

func TestSetStatus_EnforcesTransitions(t *testing.T) {
	s := newStore(t)
	createRun(t, s, "run_a", events.RunPending, time.Now().UTC())

	record, err := s.SetStatus("run_a", events.RunRunning, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, events.RunRunning, record.Status)

	record, err = s.SetStatus("run_a", events.RunComplete, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, events.RunComplete, record.Status)

	// Terminal is final.
	_, err = s.SetStatus("run_a", events.RunCancelled, time.Now().UTC())
	var invariantErr *millerrors.LifecycleInvariantError
	require.ErrorAs(t, err, &invariantErr)
}

func TestSetStatus_RejectsPendingToTerminal(t *testing.T) {
	s := newStore(t)
	createRun(t, s, "run_a", events.RunPending, time.Now().UTC())

	_, err := s.SetStatus("run_a", events.RunComplete, time.Now().UTC())
	require.Error(t, err)
}

func TestSetResult_WritesResultAndStatus(t *testing.T) {
	s := newStore(t)
	createRun(t, s, "run_a", events.RunRunning, time.Now().UTC())

	result := events.RunResult{
		RunID:         "run_a",
		Status:        events.RunComplete,
		Spawns:        []events.SpawnResult{},
		ProgramResult: "42",
	}
	record, err := s.SetResult("run_a", result, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, events.RunComplete, record.Status)

	stored, ok, err := s.GetResult("run_a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "42", stored.ProgramResult)
	require.Equal(t, events.RunComplete, stored.Status)
}

func TestGetResult_AbsentIsNotAnError(t *testing.T) {
	s := newStore(t)
	createRun(t, s, "run_a", events.RunRunning, time.Now().UTC())

	_, ok, err := s.GetResult("run_a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListRuns_SortsAndFilters(t *testing.T) {
	s := newStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	createRun(t, s, "run_old", events.RunPending, base)
	createRun(t, s, "run_mid", events.RunRunning, base.Add(time.Minute))
	createRun(t, s, "run_new", events.RunPending, base.Add(2*time.Minute))

	all, err := s.ListRuns("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "run_new", all[0].ID)
	require.Equal(t, "run_mid", all[1].ID)
	require.Equal(t, "run_old", all[2].ID)

	pending, err := s.ListRuns(events.RunPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestListRuns_SkipsUndecodableEntries(t *testing.T) {
	dir := t.TempDir()
	s := store.New(dir)
	createRun(t, s, "run_good", events.RunPending, time.Now().UTC())

	// A stray directory without run.json is skipped, not fatal.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-run"), 0o755))

	runs, err := s.ListRuns("")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run_good", runs[0].ID)
}

func TestListRuns_MissingDirectory(t *testing.T) {
	s := store.New(filepath.Join(t.TempDir(), "never-created"))
	runs, err := s.ListRuns("")
	require.NoError(t, err)
	require.Empty(t, runs)
}
