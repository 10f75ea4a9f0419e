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

// Package local implements the generic local-subprocess driver runtime: it
// shells out to a configured binary, streams its stdout line by line, and
// decodes the final line as the spawn's result. Vendor-specific flag
// grammars and output codecs live in the configured binary, not here.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/laulauland/mill/pkg/driver"
)

// Config parameterizes one local-subprocess driver instance.
type Config struct {
	// Name is the driver's registered name (e.g. "claude", "codex").
	Name string
	// Command is the executable to run.
	Command string
	// BuildArgs constructs the argv (excluding argv[0]) for one request.
	BuildArgs func(req driver.Request) []string
	// ParseLine is invoked for each line of the child's stdout that is not
	// the final JSON result line; it reports a StructuredEvent to fold
	// into the spawn's tier-1 events, or ok=false if the line is plain
	// output with no structure.
	ParseLine func(line string) (driver.StructuredEvent, bool)
	// Env is appended to the inherited environment of every invocation,
	// e.g. an API key resolved from the OS keyring.
	Env []string
}

// Driver is a driver.Runtime backed by an external command-line tool.
type Driver struct {
	cfg Config
}

// New constructs a Driver from cfg.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// resultLine mirrors the JSON object a well-behaved local driver binary
// prints as its final stdout line.
type resultLine struct {
	Text         string `json:"text"`
	SessionRef   string `json:"sessionRef"`
	Model        string `json:"model"`
	ExitCode     int    `json:"exitCode"`
	StopReason   string `json:"stopReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Spawn runs the configured command and reads stdout line by line, collecting
// structured events; they are returned with the Result once the command
// exits. The last non-blank line not claimed as an event is decoded as the
// driver's result.
func (d *Driver) Spawn(ctx context.Context, req driver.Request) (driver.Result, error) {
	args := d.cfg.BuildArgs(req)
	cmd := exec.CommandContext(ctx, d.cfg.Command, args...)
	cmd.Dir = req.RunDirectory
	if len(d.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), d.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return driver.Result{}, fmt.Errorf("attach stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return driver.Result{}, fmt.Errorf("start %s: %w", d.cfg.Command, err)
	}

	var (
		raw       []string
		structured []driver.StructuredEvent
		last      string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		raw = append(raw, line)
		if ev, ok := d.cfg.ParseLine(line); ok {
			structured = append(structured, ev)
			continue
		}
		last = line
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	if scanErr != nil {
		return driver.Result{}, fmt.Errorf("read %s stdout: %w", d.cfg.Command, scanErr)
	}
	if waitErr != nil {
		return driver.Result{}, fmt.Errorf("%s exited with error: %w (stderr: %s)", d.cfg.Command, waitErr, stderrBuf.String())
	}
	if last == "" {
		return driver.Result{}, fmt.Errorf("%s produced no result line (stderr: %s)", d.cfg.Command, stderrBuf.String())
	}

	var parsed resultLine
	if err := json.Unmarshal([]byte(last), &parsed); err != nil {
		return driver.Result{}, fmt.Errorf("decode %s result line: %w", d.cfg.Command, err)
	}

	return driver.Result{
		Text:         parsed.Text,
		SessionRef:   parsed.SessionRef,
		Agent:        req.Agent,
		Model:        parsed.Model,
		DriverName:   d.cfg.Name,
		ExitCode:     parsed.ExitCode,
		StopReason:   parsed.StopReason,
		ErrorMessage: parsed.ErrorMessage,
		Events:       structured,
		Raw:          raw,
	}, nil
}
