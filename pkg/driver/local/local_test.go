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

package local_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/mill/pkg/driver"
	"github.com/laulauland/mill/pkg/driver/local"
)

// writeFakeAgent writes a shell script standing in for the agent binary.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func parseEventLine(line string) (driver.StructuredEvent, bool) {
	var probe struct {
		Kind     string `json:"kind"`
		Message  string `json:"message"`
		ToolName string `json:"toolName"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return driver.StructuredEvent{}, false
	}
	switch probe.Kind {
	case "milestone":
		return driver.StructuredEvent{Kind: driver.EventMilestone, Message: probe.Message}, true
	case "tool_call":
		return driver.StructuredEvent{Kind: driver.EventToolCall, ToolName: probe.ToolName}, true
	}
	return driver.StructuredEvent{}, false
}

func newRequest(t *testing.T) driver.Request {
	t.Helper()
	return driver.Request{
		RunID:        "run_local",
		RunDirectory: t.TempDir(),
		SpawnID:      "spawn_1",
		Agent:        "scout",
		SystemPrompt: "be concise",
		Prompt:       "hello",
		Model:        "m",
	}
}

func TestSpawn_StreamsEventsAndDecodesResult(t *testing.T) {
	agent := writeFakeAgent(t, `
echo "plain progress line"
echo '{"kind":"milestone","message":"halfway"}'
echo '{"kind":"tool_call","toolName":"search"}'
echo '{"text":"done","sessionRef":"session/scout","model":"m","exitCode":0,"stopReason":"end"}'
`)

	d := local.New(local.Config{
		Name:      "local",
		Command:   agent,
		BuildArgs: func(req driver.Request) []string { return nil },
		ParseLine: parseEventLine,
	})

	result, err := d.Spawn(context.Background(), newRequest(t))
	require.NoError(t, err)

	require.Equal(t, "done", result.Text)
	require.Equal(t, "session/scout", result.SessionRef)
	require.Equal(t, "scout", result.Agent)
	require.Equal(t, "local", result.DriverName)
	require.Equal(t, "end", result.StopReason)

	require.Len(t, result.Events, 2)
	require.Equal(t, driver.EventMilestone, result.Events[0].Kind)
	require.Equal(t, "halfway", result.Events[0].Message)
	require.Equal(t, driver.EventToolCall, result.Events[1].Kind)
	require.Equal(t, "search", result.Events[1].ToolName)

	// Every non-blank stdout line is captured for tier-2 republication.
	require.Len(t, result.Raw, 4)
	require.Equal(t, "plain progress line", result.Raw[0])
}

func TestSpawn_PassesConfiguredEnv(t *testing.T) {
	agent := writeFakeAgent(t, `
echo "{\"text\":\"key=$MILL_AGENT_API_KEY\",\"sessionRef\":\"s/1\",\"model\":\"m\",\"exitCode\":0}"
`)

	d := local.New(local.Config{
		Name:      "local",
		Command:   agent,
		BuildArgs: func(req driver.Request) []string { return nil },
		ParseLine: parseEventLine,
		Env:       []string{"MILL_AGENT_API_KEY=sekrit"},
	})

	result, err := d.Spawn(context.Background(), newRequest(t))
	require.NoError(t, err)
	require.Equal(t, "key=sekrit", result.Text)
}

func TestSpawn_NonzeroExitCarriesStderr(t *testing.T) {
	agent := writeFakeAgent(t, `
echo "agent blew up" >&2
exit 3
`)

	d := local.New(local.Config{
		Name:      "local",
		Command:   agent,
		BuildArgs: func(req driver.Request) []string { return nil },
		ParseLine: parseEventLine,
	})

	_, err := d.Spawn(context.Background(), newRequest(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "agent blew up")
}

func TestSpawn_NoResultLine(t *testing.T) {
	agent := writeFakeAgent(t, `
echo '{"kind":"milestone","message":"only structure, no result"}'
`)

	d := local.New(local.Config{
		Name:      "local",
		Command:   agent,
		BuildArgs: func(req driver.Request) []string { return nil },
		ParseLine: parseEventLine,
	})

	_, err := d.Spawn(context.Background(), newRequest(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no result line")
}
