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

package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner launches the detached worker process that owns one run. The
// worker must outlive the submitting CLI invocation, so the child gets its
// own session and process group.
type Spawner struct {
	// Env is the full environment for the child process, including the
	// propagated recursion-depth variable.
	Env []string
}

// NewSpawner creates a spawner inheriting the current environment.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// WithEnv replaces the environment for the spawned process.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// SpawnDetached starts the worker as a detached background process:
// - Runs in its own process group (not killed when the CLI exits)
// - Has stdin closed, stdout/stderr redirected to logPath
// - Has a new session ID (fully detached from the terminal)
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	// Ensure log directory exists
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file for output redirection
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	// Create command
	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env

	// Redirect output to log file
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil // Close stdin

	// Configure process attributes for detachment
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Create new process group
		Setpgid: true,
		// Create new session (fully detach from terminal)
		Setsid: true,
	}

	// Start the process
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	// Get PID before releasing
	pid := cmd.Process.Pid

	// Release the process (don't wait for it)
	// This is safe because we configured it to be detached
	if err := cmd.Process.Release(); err != nil {
		// Process is already running, this is not fatal
		// but we should log it
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}
