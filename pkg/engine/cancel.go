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

	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// CancelResult is the outcome of Cancel: AlreadyTerminal is true when the
// run had already reached a terminal state and Cancel was a no-op.
type CancelResult struct {
	Run             events.RunRecord
	AlreadyTerminal bool
}

// Cancel marks a run cancelled. It is idempotent and safe
// against races with a concurrently finalizing run: both the lifecycle
// guard rejection and the status-transition rejection are swallowed,
// because by the time they fire the desired end state has already been
// reached by another path.
func (e *Engine) Cancel(ctx context.Context, runID string, reason string) (CancelResult, error) {
	record, err := e.store.GetRun(runID)
	if err != nil {
		return CancelResult{}, err
	}
	if record.Status.IsTerminal() {
		return CancelResult{Run: record, AlreadyTerminal: true}, nil
	}

	rs, err := e.loadRunState(runID)
	if err != nil {
		return CancelResult{}, err
	}
	if rs.guard.RunTerminal == "" {
		_, emitErr := e.emit(ctx, rs, events.TypeRunCancelled, events.RunCancelledPayload{Reason: reason})
		if emitErr != nil && !isLifecycleInvariant(emitErr) {
			return CancelResult{}, emitErr
		}
	}

	updated, err := e.store.SetStatus(runID, events.RunCancelled, e.clock())
	if err != nil {
		if isLifecycleInvariant(err) {
			current, rerr := e.store.GetRun(runID)
			if rerr != nil {
				return CancelResult{}, rerr
			}
			return CancelResult{Run: current, AlreadyTerminal: false}, nil
		}
		return CancelResult{}, err
	}

	return CancelResult{Run: updated, AlreadyTerminal: false}, nil
}

func isLifecycleInvariant(err error) bool {
	_, ok := err.(*millerrors.LifecycleInvariantError)
	return ok
}
