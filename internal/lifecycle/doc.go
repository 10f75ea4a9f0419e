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

/*
Package lifecycle manages worker process lifecycle operations: spawning the
detached worker, validating a recovered pid before signalling it, and
enumerating a worker's process tree for cancel-by-pid-tree.

# Process Operations

MatchesCommandLine ensures signals are sent only to the worker a pid file
names, preventing accidental kills of unrelated or reused pids:

	pid, err := readWorkerPID(runDir)
	if err != nil {
	    // Handle error
	}

	if !lifecycle.MatchesCommandLine(pid, "_worker", "--run-id", runID) {
	    // worker.pid is stale; skip signalling
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
	    // Handle error
	}

# Process Tree Enumeration

ListDescendantPIDs walks the OS process table so cancel can signal every
process spawned under the worker, not just the worker itself:

	descendants, err := lifecycle.ListDescendantPIDs(pid)
	if err != nil {
	    // Handle error
	}

# Process Spawning

Detached process spawning runs the worker in the background, inheriting a
propagated recursion-depth environment variable:

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/mill", args, logPath)
	if err != nil {
	    // Handle error
	}
*/
package lifecycle
