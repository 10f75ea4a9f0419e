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

// Package engine implements the run execution engine: submit,
// run-sync, status, wait, watch, watch-all, watch-io, inspect and cancel,
// plus the per-spawn dispatch that mediates mill.spawn(...) calls into driver
// dispatch.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	driverpkg "github.com/laulauland/mill/pkg/driver"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
	"github.com/laulauland/mill/pkg/observer"
	"github.com/laulauland/mill/pkg/store"
)

// Clock returns the current time; tests inject a fixed or controllable
// clock in place of time.Now.
type Clock func() time.Time

// ExtensionRegistration is an extension's hook surface: setup runs once before
// run:start, onEvent runs for every tier-1 event except extension:error,
// api methods are dispatched by the program host bridge.
type ExtensionRegistration struct {
	Name  string
	Setup func(ctx context.Context) error
	OnEvent func(ctx context.Context, e events.Event) error
	API   map[string]func(args json.RawMessage) (json.RawMessage, error)
}

// Config parameterizes one Engine instance.
type Config struct {
	RunsDirectory string
	DriverName    string
	ExecutorName  string
	DefaultModel  string
	Driver        driverpkg.Runtime
	Extensions    []ExtensionRegistration
	Clock         Clock
}

// Engine owns run lifecycle execution and observation over one run store.
type Engine struct {
	cfg   Config
	store *store.Store
	hub   *observer.Hub
	clock Clock
}

// New constructs an Engine backed by a file store rooted at
// cfg.RunsDirectory and a fresh process-local observer hub.
func New(cfg Config, hub *observer.Hub) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:   cfg,
		store: store.New(cfg.RunsDirectory),
		hub:   hub,
		clock: clock,
	}
}

// Store exposes the underlying store for callers (the CLI façade, the
// worker) that need direct read access without going through RunSync.
func (e *Engine) Store() *store.Store { return e.store }

// Hub exposes the underlying observer hub.
func (e *Engine) Hub() *observer.Hub { return e.hub }

// SubmitParams is the input to Submit.
type SubmitParams struct {
	RunID       string
	ProgramPath string
	Metadata    map[string]string
}

// Submit is idempotent: if a run with that id already exists, it is
// returned unchanged; otherwise a new pending record is created.
func (e *Engine) Submit(p SubmitParams) (events.RunRecord, error) {
	existing, err := e.store.GetRun(p.RunID)
	if err == nil {
		return existing, nil
	}
	if _, ok := err.(*millerrors.RunNotFoundError); !ok {
		return events.RunRecord{}, err
	}

	return e.store.Create(store.CreateParams{
		RunID:       p.RunID,
		ProgramPath: p.ProgramPath,
		Driver:      e.cfg.DriverName,
		Executor:    e.cfg.ExecutorName,
		Status:      events.RunPending,
		Metadata:    p.Metadata,
		Timestamp:   e.clock(),
	})
}

// runState is the in-memory mutable state threaded through one RunSync
// call: the lifecycle guard, the sequence counter, the spawn counter, and
// the accumulated spawn results for idempotent resumption. It is scoped to
// a single RunSync invocation, matching the spec's "engine is single-writer
// per run within one worker process" model.
type runState struct {
	mu       sync.Mutex
	runID    string
	guard    events.GuardState
	sequence int
	spawns   int
	results  []events.SpawnResult
}

func (e *Engine) loadRunState(runID string) (*runState, error) {
	log, err := e.store.ReadEvents(runID)
	if err != nil {
		return nil, err
	}

	guard, err := events.ReplayGuardState(runID, log)
	if err != nil {
		return nil, err
	}

	maxSeq := 0
	spawnCount := 0
	var results []events.SpawnResult
	for _, e2 := range log {
		if e2.Sequence > maxSeq {
			maxSeq = e2.Sequence
		}
		if e2.Type == events.TypeSpawnStart {
			spawnCount++
		}
		if e2.Type == events.TypeSpawnComplete {
			var payload events.SpawnCompletePayload
			if err := events.DecodePayload(e2, &payload); err == nil {
				results = append(results, payload.Result)
			}
		}
	}

	return &runState{
		runID:    runID,
		guard:    guard,
		sequence: maxSeq,
		spawns:   spawnCount,
		results:  results,
	}, nil
}

// emit validates, persists, and fans out one tier-1 event, re-reading the
// persisted log first to catch concurrent appenders.
func (e *Engine) emit(ctx context.Context, rs *runState, typ events.Type, payload interface{}) (events.Event, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	log, err := e.store.ReadEvents(rs.runID)
	if err != nil {
		return events.Event{}, err
	}
	guard, err := events.ReplayGuardState(rs.runID, log)
	if err != nil {
		return events.Event{}, err
	}
	rs.guard = guard
	if len(log) > rs.sequence {
		rs.sequence = log[len(log)-1].Sequence
	}

	rs.sequence++
	ev, err := events.New(rs.runID, rs.sequence, e.clock(), typ, payload)
	if err != nil {
		return events.Event{}, err
	}

	newGuard, err := events.ApplyLifecycleTransition(rs.guard, rs.runID, ev)
	if err != nil {
		return events.Event{}, err
	}
	rs.guard = newGuard

	if err := e.store.AppendEvent(rs.runID, ev); err != nil {
		return events.Event{}, err
	}
	e.hub.PublishTier1Event(rs.runID, ev)
	e.fanOutExtensions(ctx, rs.runID, ev)
	return ev, nil
}

func (e *Engine) fanOutExtensions(ctx context.Context, runID string, ev events.Event) {
	if ev.Type == events.TypeExtensionError {
		return
	}
	for _, ext := range e.cfg.Extensions {
		if ext.OnEvent == nil {
			continue
		}
		if err := ext.OnEvent(ctx, ev); err != nil {
			errPayload := events.ExtensionErrorPayload{
				ExtensionName: ext.Name,
				Hook:          events.ExtensionHookOnEvent,
				Message:       err.Error(),
			}
			_, _ = e.emitSwallowingErrors(ctx, runID, events.TypeExtensionError, errPayload)
		}
	}
}

// emitSwallowingErrors is used for extension:error itself: failures to
// persist it are silently dropped to avoid failure loops.
func (e *Engine) emitSwallowingErrors(ctx context.Context, runID string, typ events.Type, payload interface{}) (events.Event, error) {
	rs, err := e.loadRunState(runID)
	if err != nil {
		return events.Event{}, nil
	}
	ev, err := e.emit(ctx, rs, typ, payload)
	if err != nil {
		return events.Event{}, nil
	}
	return ev, nil
}

// RunSyncParams is the input to RunSync.
type RunSyncParams struct {
	RunID          string
	ProgramPath    string
	Metadata       map[string]string
	ExecuteProgram func(ctx context.Context, spawn SpawnFunc) (string, error)
}

// SpawnFunc is the per-spawn dispatch handed to the caller-supplied
// executeProgram closure.
type SpawnFunc func(ctx context.Context, input events.SpawnOptions) (events.SpawnResult, error)

// RunSync drives one run to completion synchronously: create or resume the
// record, replay the log, run the program, emit the terminal, write the result.
func (e *Engine) RunSync(ctx context.Context, p RunSyncParams) (events.RunRecord, events.RunResult, error) {
	record, err := e.store.GetRun(p.RunID)
	switch {
	case err == nil:
		if record.Status.IsTerminal() {
			result, ok, rerr := e.store.GetResult(p.RunID)
			if rerr != nil {
				return events.RunRecord{}, events.RunResult{}, rerr
			}
			if !ok {
				return events.RunRecord{}, events.RunResult{}, &millerrors.PersistenceError{Path: record.Paths.ResultFile, Message: "terminal run missing result.json"}
			}
			return record, result, nil
		}
		if record.Status == events.RunPending {
			record, err = e.store.SetStatus(p.RunID, events.RunRunning, e.clock())
			if err != nil {
				return events.RunRecord{}, events.RunResult{}, err
			}
		}
	case isRunNotFound(err):
		record, err = e.store.Create(store.CreateParams{
			RunID:       p.RunID,
			ProgramPath: p.ProgramPath,
			Driver:      e.cfg.DriverName,
			Executor:    e.cfg.ExecutorName,
			Status:      events.RunRunning,
			Metadata:    p.Metadata,
			Timestamp:   e.clock(),
		})
		if err != nil {
			return events.RunRecord{}, events.RunResult{}, err
		}
	default:
		return events.RunRecord{}, events.RunResult{}, err
	}

	rs, err := e.loadRunState(p.RunID)
	if err != nil {
		return events.RunRecord{}, events.RunResult{}, err
	}

	if len(rs.results) == 0 && rs.sequence == 0 {
		for _, ext := range e.cfg.Extensions {
			if ext.Setup == nil {
				continue
			}
			if err := ext.Setup(ctx); err != nil {
				payload := events.ExtensionErrorPayload{ExtensionName: ext.Name, Hook: events.ExtensionHookSetup, Message: err.Error()}
				_, _ = e.emit(ctx, rs, events.TypeExtensionError, payload)
			}
		}
		if _, err := e.emit(ctx, rs, events.TypeRunStart, events.RunStartPayload{ProgramPath: p.ProgramPath}); err != nil {
			return events.RunRecord{}, events.RunResult{}, err
		}
		if _, err := e.emit(ctx, rs, events.TypeRunStatus, events.RunStatusPayload{Status: events.RunStatusRunning}); err != nil {
			return events.RunRecord{}, events.RunResult{}, err
		}
	}

	startedAt := record.CreatedAt
	programResult, progErr := p.ExecuteProgram(ctx, e.spawnDispatch(rs))

	if progErr != nil {
		result := events.RunResult{
			RunID:        p.RunID,
			Status:       events.RunFailed,
			StartedAt:    startedAt,
			CompletedAt:  e.clock(),
			Spawns:       rs.results,
			ErrorMessage: progErr.Error(),
		}
		if _, err := e.emit(ctx, rs, events.TypeRunFailed, events.RunFailedPayload{Message: progErr.Error()}); err != nil {
			return events.RunRecord{}, events.RunResult{}, err
		}
		finalRecord, serr := e.store.SetResult(p.RunID, result, e.clock())
		if serr != nil {
			return events.RunRecord{}, events.RunResult{}, serr
		}
		return finalRecord, result, &millerrors.ProgramExecutionError{RunID: p.RunID, Message: progErr.Error(), Cause: progErr}
	}

	result := events.RunResult{
		RunID:         p.RunID,
		Status:        events.RunComplete,
		StartedAt:     startedAt,
		CompletedAt:   e.clock(),
		Spawns:        rs.results,
		ProgramResult: programResult,
	}
	if _, err := e.emit(ctx, rs, events.TypeRunComplete, events.RunCompletePayload{Result: result}); err != nil {
		return events.RunRecord{}, events.RunResult{}, err
	}
	finalRecord, err := e.store.SetResult(p.RunID, result, e.clock())
	if err != nil {
		return events.RunRecord{}, events.RunResult{}, err
	}
	return finalRecord, result, nil
}

func isRunNotFound(err error) bool {
	_, ok := err.(*millerrors.RunNotFoundError)
	return ok
}

// Status delegates to the store.
func (e *Engine) Status(runID string) (events.RunRecord, error) {
	return e.store.GetRun(runID)
}

// Result delegates to the store.
func (e *Engine) Result(runID string) (events.RunResult, bool, error) {
	return e.store.GetResult(runID)
}

// List delegates to the store.
func (e *Engine) List(status events.RunStatus) ([]events.RunRecord, error) {
	return e.store.ListRuns(status)
}
