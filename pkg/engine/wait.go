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
	"time"

	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// waitPollInterval is the fixed polling cadence for terminal detection: cross-
// process observation of the event file has no shared memory or socket, so
// Wait (like WatchAll's file-based fallback) re-reads the log on a timer.
const waitPollInterval = 25 * time.Millisecond

// Wait resolves on the first observed run-terminal event, polling the event
// log at a fixed interval and feeding each new event through the lifecycle
// guard. It fails with WaitTimeoutError once timeout elapses.
func (e *Engine) Wait(ctx context.Context, runID string, timeout time.Duration) (events.RunRecord, error) {
	if _, err := e.store.GetRun(runID); err != nil {
		return events.RunRecord{}, err
	}

	deadline := time.Now().Add(timeout)
	guard := events.NewGuardState()
	seen := 0

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	check := func() (events.RunRecord, bool, error) {
		log, err := e.store.ReadEvents(runID)
		if err != nil {
			return events.RunRecord{}, false, err
		}
		for ; seen < len(log); seen++ {
			guard, err = events.ApplyLifecycleTransition(guard, runID, log[seen])
			if err != nil {
				return events.RunRecord{}, false, err
			}
			if guard.RunTerminal != "" {
				record, err := e.store.GetRun(runID)
				if err != nil {
					return events.RunRecord{}, false, err
				}
				if record.Status.IsTerminal() {
					return record, true, nil
				}
			}
		}
		// The terminal event can be read before run.json records the
		// terminal status; re-check the record on every later poll.
		if guard.RunTerminal != "" {
			record, err := e.store.GetRun(runID)
			if err != nil {
				return events.RunRecord{}, false, err
			}
			if record.Status.IsTerminal() {
				return record, true, nil
			}
		}
		return events.RunRecord{}, false, nil
	}

	if record, done, err := check(); err != nil {
		return events.RunRecord{}, err
	} else if done {
		return record, nil
	}

	for {
		select {
		case <-ctx.Done():
			return events.RunRecord{}, ctx.Err()
		case <-ticker.C:
			record, done, err := check()
			if err != nil {
				return events.RunRecord{}, err
			}
			if done {
				return record, nil
			}
			if time.Now().After(deadline) {
				return events.RunRecord{}, &millerrors.WaitTimeoutError{
					RunID:         runID,
					TimeoutMillis: timeout.Milliseconds(),
				}
			}
		}
	}
}
