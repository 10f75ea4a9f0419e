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
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/laulauland/mill/pkg/events"
)

// followPollInterval is the fallback cadence used when an fsnotify watch
// cannot be established (exotic filesystems, fd exhaustion). It matches
// Wait's polling interval so both observation paths have the same worst-
// case latency.
const followPollInterval = 25 * time.Millisecond

// FollowEvents is the cross-process counterpart of Watch: a backfill-then-
// live stream sourced from events.ndjson instead of the in-process hub, for
// observers running in a different process from the worker (the watch CLI).
// New appends wake the follower via fsnotify where available, falling back
// to a fixed-interval poll. The stream closes once a run-terminal event is
// observed or ctx is done.
func (e *Engine) FollowEvents(ctx context.Context, runID string) (<-chan events.Event, func(), error) {
	if _, err := e.store.GetRun(runID); err != nil {
		return nil, nil, err
	}

	followCtx, cancel := context.WithCancel(ctx)
	out := make(chan events.Event, subscriberChanBuffer)

	wake, closeWatcher := e.appendSignal(e.store.RunDir(runID))

	go func() {
		defer close(out)
		defer closeWatcher()

		seen := 0
		for {
			log, err := e.store.ReadEvents(runID)
			if err != nil {
				return
			}
			for ; seen < len(log); seen++ {
				ev := log[seen]
				select {
				case out <- ev:
				case <-followCtx.Done():
					return
				}
				if ev.Type.IsRunTerminal() {
					return
				}
			}

			select {
			case <-wake:
			case <-time.After(followPollInterval):
			case <-followCtx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// FollowAll is the cross-process counterpart of WatchAll: it emits every
// persisted event across all runs with timestamp >= since (sorted by
// timestamp, runId, sequence), then keeps polling the runs directory for
// new appends and new runs, emitting fresh events as they land. Unlike
// FollowEvents it never closes on its own — the set of runs is unbounded —
// so callers stop it via ctx or the returned cancel func.
func (e *Engine) FollowAll(ctx context.Context, sinceTimeIso string) (<-chan events.Event, func(), error) {
	var since time.Time
	if sinceTimeIso != "" {
		t, err := ValidateISOTime(sinceTimeIso)
		if err != nil {
			return nil, nil, err
		}
		since = t
	}

	followCtx, cancel := context.WithCancel(ctx)
	out := make(chan events.Event, subscriberChanBuffer)

	wake, closeWatcher := e.appendSignal(e.store.RunsDirectory())

	go func() {
		defer close(out)
		defer closeWatcher()

		offsets := map[string]int{}
		first := true
		for {
			runs, err := e.store.ListRuns("")
			if err != nil {
				return
			}

			var fresh []events.Event
			for _, run := range runs {
				log, err := e.store.ReadEvents(run.ID)
				if err != nil {
					continue
				}
				start := offsets[run.ID]
				for _, ev := range log[start:] {
					if !ev.Timestamp.Before(since) {
						fresh = append(fresh, ev)
					}
				}
				offsets[run.ID] = len(log)
			}

			if first {
				// The initial backfill spans many files written at
				// different times; impose the (timestamp, runId, sequence)
				// total order before emitting. Later batches are emitted in
				// observation order.
				sort.Slice(fresh, func(i, j int) bool {
					a, b := fresh[i], fresh[j]
					if !a.Timestamp.Equal(b.Timestamp) {
						return a.Timestamp.Before(b.Timestamp)
					}
					if a.RunID != b.RunID {
						return a.RunID < b.RunID
					}
					return a.Sequence < b.Sequence
				})
				first = false
			}

			for _, ev := range fresh {
				select {
				case out <- ev:
				case <-followCtx.Done():
					return
				}
			}

			select {
			case <-wake:
			case <-time.After(followPollInterval):
			case <-followCtx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// appendSignal sets up an fsnotify watch on dir and returns a channel that
// receives a token whenever anything under it changes, plus a close func.
// When the watch cannot be established the channel simply never fires and
// followers rely on their poll fallback alone.
func (e *Engine) appendSignal(dir string) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return wake, func() {}
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return wake, func() {}
	}

	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return wake, func() { _ = watcher.Close() }
}
