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

package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/laulauland/mill/pkg/events"
)

// ValidateISOTime parses s as a strict ISO-8601/RFC3339 timestamp and
// requires it to round-trip through a parse-then-format equality check.
func ValidateISOTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q: %w", s, err)
	}
	if t.Format(time.RFC3339Nano) != s {
		return time.Time{}, fmt.Errorf("timestamp %q does not round-trip through RFC3339Nano formatting", s)
	}
	return t, nil
}

// Watch returns a backfill-then-live stream for runID: every persisted
// event in order, followed by the live per-run tier-1 stream. The returned
// channel closes once the run reaches a terminal event or ctx is done; the
// returned cancel func may be called early to stop listening.
func (e *Engine) Watch(ctx context.Context, runID string) (<-chan events.Event, func(), error) {
	if _, err := e.store.GetRun(runID); err != nil {
		return nil, nil, err
	}

	backfill, err := e.store.ReadEvents(runID)
	if err != nil {
		return nil, nil, err
	}

	live, unsubscribe := e.hub.WatchTier1Live(runID)
	out := make(chan events.Event, subscriberChanBuffer)

	go func() {
		defer close(out)
		defer unsubscribe()

		for _, ev := range backfill {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type.IsRunTerminal() {
				return
			}
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type.IsRunTerminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, unsubscribe, nil
}

// WatchAll validates sinceTimeIso (if non-empty), returns all persisted
// events across every run whose timestamp >= sinceTime sorted by
// (timestamp, runId, sequence), followed by the live global tier-1 stream
// filtered by the same predicate.
func (e *Engine) WatchAll(ctx context.Context, sinceTimeIso string) (<-chan events.Event, func(), error) {
	var since time.Time
	if sinceTimeIso != "" {
		t, err := ValidateISOTime(sinceTimeIso)
		if err != nil {
			return nil, nil, err
		}
		since = t
	}

	runs, err := e.store.ListRuns("")
	if err != nil {
		return nil, nil, err
	}

	var backfill []events.Event
	for _, run := range runs {
		log, err := e.store.ReadEvents(run.ID)
		if err != nil {
			continue
		}
		for _, ev := range log {
			if !ev.Timestamp.Before(since) {
				backfill = append(backfill, ev)
			}
		}
	}
	sort.Slice(backfill, func(i, j int) bool {
		a, b := backfill[i], backfill[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		return a.Sequence < b.Sequence
	})

	live, unsubscribe := e.hub.WatchTier1GlobalLive()
	out := make(chan events.Event, subscriberChanBuffer)

	go func() {
		defer close(out)
		defer unsubscribe()

		for _, ev := range backfill {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Timestamp.Before(since) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, unsubscribe, nil
}

// WatchIo returns the live tier-2 per-run I/O stream after verifying the
// run exists.
func (e *Engine) WatchIo(ctx context.Context, runID string) (<-chan events.IoStreamEvent, func(), error) {
	if _, err := e.store.GetRun(runID); err != nil {
		return nil, nil, err
	}

	live, unsubscribe := e.hub.WatchIoLive(runID)
	out := make(chan events.IoStreamEvent, subscriberChanBuffer)

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, unsubscribe, nil
}

const subscriberChanBuffer = 64

// InspectParams selects either a whole run or one spawn within it.
type InspectParams struct {
	RunID   string
	SpawnID string
}

// InspectResult is the tagged union Inspect returns: Kind is "run"
// or "spawn".
type InspectResult struct {
	Kind        string
	RunID       string
	SpawnID     string
	Run         events.RunRecord
	Events      []events.Event
	Result      events.RunResult
	HasResult   bool
	SpawnResult *events.SpawnResult
}

// Inspect returns a run's record, events, and result, or one spawn's slice
// of them.
func (e *Engine) Inspect(p InspectParams) (InspectResult, error) {
	run, err := e.store.GetRun(p.RunID)
	if err != nil {
		return InspectResult{}, err
	}
	log, err := e.store.ReadEvents(p.RunID)
	if err != nil {
		return InspectResult{}, err
	}

	if p.SpawnID == "" {
		result, ok, err := e.store.GetResult(p.RunID)
		if err != nil {
			return InspectResult{}, err
		}
		return InspectResult{
			Kind:      "run",
			RunID:     p.RunID,
			Run:       run,
			Events:    log,
			Result:    result,
			HasResult: ok,
		}, nil
	}

	var scoped []events.Event
	var spawnResult *events.SpawnResult
	for _, ev := range log {
		if ev.SpawnID() != p.SpawnID {
			continue
		}
		scoped = append(scoped, ev)
		if ev.Type == events.TypeSpawnComplete {
			var payload events.SpawnCompletePayload
			if err := events.DecodePayload(ev, &payload); err == nil {
				spawnResult = &payload.Result
			}
		}
	}

	return InspectResult{
		Kind:        "spawn",
		RunID:       p.RunID,
		SpawnID:     p.SpawnID,
		Run:         run,
		Events:      scoped,
		SpawnResult: spawnResult,
	}, nil
}
