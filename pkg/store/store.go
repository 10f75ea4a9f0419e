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

// Package store implements the run store: an append-only NDJSON event
// log plus JSON run record and result file under a per-run directory.
package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// Store owns all reads and writes under runsDirectory. Safe for concurrent
// use by multiple goroutines within one process; it does not coordinate
// with other processes beyond relying on O_APPEND for the event log.
type Store struct {
	runsDirectory string

	mu sync.Mutex
}

// New returns a Store rooted at runsDirectory. The directory is created
// lazily by Create.
func New(runsDirectory string) *Store {
	return &Store{runsDirectory: runsDirectory}
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsDirectory, runID)
}

// RunDir returns the absolute run directory for runID, without checking
// that it exists.
func (s *Store) RunDir(runID string) string {
	return s.runDir(runID)
}

func (s *Store) paths(runID string) events.RunPaths {
	dir := s.runDir(runID)
	return events.RunPaths{
		RunDir:     dir,
		RunFile:    filepath.Join(dir, "run.json"),
		EventsFile: filepath.Join(dir, "events.ndjson"),
		ResultFile: filepath.Join(dir, "result.json"),
	}
}

// CreateParams describes a new run record.
type CreateParams struct {
	RunID       string
	ProgramPath string
	Driver      string
	Executor    string
	Status      events.RunStatus
	Metadata    map[string]string
	Timestamp   time.Time
}

// Create writes a fresh run directory: run.json, an empty events.ndjson,
// and a logs/ subdirectory.
func (s *Store) Create(p CreateParams) (events.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := s.paths(p.RunID)
	if err := os.MkdirAll(filepath.Join(paths.RunDir, "logs"), 0o755); err != nil {
		return events.RunRecord{}, &millerrors.PersistenceError{Path: paths.RunDir, Message: "create run directory", Cause: err}
	}

	record := events.RunRecord{
		ID:          p.RunID,
		Status:      p.Status,
		ProgramPath: p.ProgramPath,
		Driver:      p.Driver,
		Executor:    p.Executor,
		CreatedAt:   p.Timestamp,
		UpdatedAt:   p.Timestamp,
		Paths:       paths,
		Metadata:    p.Metadata,
	}

	if err := writeJSONFile(paths.RunFile, record); err != nil {
		return events.RunRecord{}, &millerrors.PersistenceError{Path: paths.RunFile, Message: "write run.json", Cause: err}
	}

	f, err := os.OpenFile(paths.EventsFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return events.RunRecord{}, &millerrors.PersistenceError{Path: paths.EventsFile, Message: "create events.ndjson", Cause: err}
	}
	_ = f.Close()

	return record, nil
}

// AppendEvent appends one JSON-encoded event line to events.ndjson. Callers
// are responsible for sequence correctness; this method performs no
// ordering checks of its own.
func (s *Store) AppendEvent(runID string, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := s.paths(runID)
	line, err := events.Encode(e)
	if err != nil {
		return &millerrors.PersistenceError{Path: paths.EventsFile, Message: "encode event", Cause: err}
	}

	f, err := os.OpenFile(paths.EventsFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &millerrors.PersistenceError{Path: paths.EventsFile, Message: "open events.ndjson for append", Cause: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &millerrors.PersistenceError{Path: paths.EventsFile, Message: "append event", Cause: err}
	}
	return nil
}

// ReadEvents returns every event persisted for runID, in file order.
func (s *Store) ReadEvents(runID string) ([]events.Event, error) {
	paths := s.paths(runID)
	if _, err := os.Stat(paths.RunFile); err != nil {
		return nil, &millerrors.RunNotFoundError{RunID: runID}
	}

	f, err := os.Open(paths.EventsFile)
	if err != nil {
		return nil, &millerrors.PersistenceError{Path: paths.EventsFile, Message: "open events.ndjson", Cause: err}
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := events.Decode(line)
		if err != nil {
			return nil, &millerrors.PersistenceError{Path: paths.EventsFile, Message: "decode event line", Cause: err}
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, &millerrors.PersistenceError{Path: paths.EventsFile, Message: "scan events.ndjson", Cause: err}
	}
	return out, nil
}

// SetStatus validates and applies a status transition, rewriting run.json.
func (s *Store) SetStatus(runID string, status events.RunStatus, timestamp time.Time) (events.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.getRunLocked(runID)
	if err != nil {
		return events.RunRecord{}, err
	}
	if err := events.EnsureRunStatusTransition(runID, record.Status, status); err != nil {
		return events.RunRecord{}, err
	}
	record.Status = status
	record.UpdatedAt = timestamp

	if err := writeJSONFile(record.Paths.RunFile, record); err != nil {
		return events.RunRecord{}, &millerrors.PersistenceError{Path: record.Paths.RunFile, Message: "write run.json", Cause: err}
	}
	return record, nil
}

// SetResult writes result.json once, then transitions the run to the
// result's terminal status.
func (s *Store) SetResult(runID string, result events.RunResult, timestamp time.Time) (events.RunRecord, error) {
	paths := s.paths(runID)
	if err := writeJSONFile(paths.ResultFile, result); err != nil {
		return events.RunRecord{}, &millerrors.PersistenceError{Path: paths.ResultFile, Message: "write result.json", Cause: err}
	}
	return s.SetStatus(runID, result.Status, timestamp)
}

// GetRun decodes run.json.
func (s *Store) GetRun(runID string) (events.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRunLocked(runID)
}

func (s *Store) getRunLocked(runID string) (events.RunRecord, error) {
	paths := s.paths(runID)
	data, err := os.ReadFile(paths.RunFile)
	if err != nil {
		if os.IsNotExist(err) {
			return events.RunRecord{}, &millerrors.RunNotFoundError{RunID: runID}
		}
		return events.RunRecord{}, &millerrors.PersistenceError{Path: paths.RunFile, Message: "read run.json", Cause: err}
	}
	var record events.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return events.RunRecord{}, &millerrors.PersistenceError{Path: paths.RunFile, Message: "decode run.json", Cause: err}
	}
	return record, nil
}

// GetResult returns result.json, or ok=false if it does not exist yet.
func (s *Store) GetResult(runID string) (result events.RunResult, ok bool, err error) {
	paths := s.paths(runID)
	data, readErr := os.ReadFile(paths.ResultFile)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return events.RunResult{}, false, nil
		}
		return events.RunResult{}, false, &millerrors.PersistenceError{Path: paths.ResultFile, Message: "read result.json", Cause: readErr}
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return events.RunResult{}, false, &millerrors.PersistenceError{Path: paths.ResultFile, Message: "decode result.json", Cause: err}
	}
	return result, true, nil
}

// ListRuns enumerates direct children of runsDirectory, best-effort
// decoding run.json for each; entries that fail to decode are silently
// skipped. Results are sorted by CreatedAt descending and filtered by
// status if non-empty.
func (s *Store) ListRuns(status events.RunStatus) ([]events.RunRecord, error) {
	entries, err := os.ReadDir(s.runsDirectory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &millerrors.PersistenceError{Path: s.runsDirectory, Message: "list runs directory", Cause: err}
	}

	var out []events.RunRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := s.GetRun(entry.Name())
		if err != nil {
			continue
		}
		if status != "" && record.Status != status {
			continue
		}
		out = append(out, record)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RunsDirectory returns the directory this store is rooted at.
func (s *Store) RunsDirectory() string { return s.runsDirectory }

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
