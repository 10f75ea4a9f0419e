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

// Package run implements the mill CLI's run-engine commands: run, status,
// wait, watch, cancel, ls, inspect, init, and the private _worker entry
// point.
package run

import (
	"context"
	"encoding/json"

	"github.com/zalando/go-keyring"

	"github.com/laulauland/mill/internal/config"
	mcpext "github.com/laulauland/mill/internal/extension/mcp"
	"github.com/laulauland/mill/pkg/driver"
	"github.com/laulauland/mill/pkg/driver/bedrock"
	"github.com/laulauland/mill/pkg/driver/local"
	"github.com/laulauland/mill/pkg/engine"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/executor"
	"github.com/laulauland/mill/pkg/observer"
	"github.com/laulauland/mill/pkg/registry"
)

// driverFactory defers driver construction until a command actually needs
// the runtime, so resolving a name never pays another driver's setup cost
// (the bedrock driver loads AWS credentials on construction).
type driverFactory func(ctx context.Context) (driver.Runtime, error)

// runtime bundles everything a command needs after flag resolution.
type runtime struct {
	cfg          config.Config
	engine       *engine.Engine
	driverName   string
	executorName string
	executor     executor.Runtime

	// extensions and closeExtensions are populated only when the caller
	// asked for extension connection (the worker does; observer commands
	// never launch extension servers).
	extensions      []engine.ExtensionRegistration
	closeExtensions func()
}

// The agent binary's API key lives in the OS keyring, never in the config
// file or the ambient environment at rest.
const (
	agentKeyringService = "mill"
	agentKeyringUser    = "agent-api-key"
)

// agentEnvFromKeyring resolves the local agent's API key, returning nil
// when none is stored (the agent may not need one).
func agentEnvFromKeyring() []string {
	key, err := keyring.Get(agentKeyringService, agentKeyringUser)
	if err != nil || key == "" {
		return nil
	}
	return []string{"MILL_AGENT_API_KEY=" + key}
}

func driverRegistry(cfg config.Config) *registry.Registry {
	entries := []registry.Registration{
		{
			Name: "local",
			Runtime: driverFactory(func(ctx context.Context) (driver.Runtime, error) {
				return local.New(local.Config{
					Name:      "local",
					Command:   cfg.AgentCommand,
					BuildArgs: localDriverArgs,
					ParseLine: parseLocalDriverLine,
					Env:       agentEnvFromKeyring(),
				}), nil
			}),
		},
		{
			Name: "bedrock",
			Runtime: driverFactory(func(ctx context.Context) (driver.Runtime, error) {
				return bedrock.New(ctx, bedrock.Config{
					Region:        cfg.BedrockRegion,
					ModelID:       cfg.BedrockModelID,
					AssumeRoleARN: cfg.BedrockAssumeRoleARN,
				})
			}),
		},
	}
	return registry.New(registry.KindDriver, cfg.DefaultDriver, entries)
}

func executorRegistry(cfg config.Config) *registry.Registry {
	entries := []registry.Registration{
		{Name: "local", Runtime: executor.Runtime(&executor.Local{})},
	}
	return registry.New(registry.KindExecutor, cfg.DefaultExecutor, entries)
}

// localDriverArgs is the generic argv shape for a well-behaved local driver
// binary; vendor-specific flag grammars live in the binary, not here.
func localDriverArgs(req driver.Request) []string {
	return []string{
		"--run-id", req.RunID,
		"--spawn-id", req.SpawnID,
		"--agent", req.Agent,
		"--system-prompt", req.SystemPrompt,
		"--prompt", req.Prompt,
		"--model", req.Model,
	}
}

// parseLocalDriverLine recognizes the generic structured-event lines a
// local driver binary may interleave with plain output.
func parseLocalDriverLine(line string) (driver.StructuredEvent, bool) {
	var probe struct {
		Kind     string `json:"kind"`
		Message  string `json:"message"`
		ToolName string `json:"toolName"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return driver.StructuredEvent{}, false
	}
	switch probe.Kind {
	case string(driver.EventMilestone):
		return driver.StructuredEvent{Kind: driver.EventMilestone, Message: probe.Message}, true
	case string(driver.EventToolCall):
		return driver.StructuredEvent{Kind: driver.EventToolCall, ToolName: probe.ToolName}, true
	}
	return driver.StructuredEvent{}, false
}

// resolveRuntime loads config, resolves driver and executor names through
// their registries, constructs the selected driver, and builds the engine.
func resolveRuntime(ctx context.Context, runsDirOverride, driverName, executorName string) (*runtime, error) {
	return resolve(ctx, runsDirOverride, driverName, executorName, false)
}

// resolveWorkerRuntime additionally connects the configured MCP extensions;
// the caller must invoke closeExtensions when the run finishes.
func resolveWorkerRuntime(ctx context.Context, runsDirOverride, driverName, executorName string) (*runtime, error) {
	return resolve(ctx, runsDirOverride, driverName, executorName, true)
}

func resolve(ctx context.Context, runsDirOverride, driverName, executorName string, withExtensions bool) (*runtime, error) {
	cfg, err := config.Resolve(runsDirOverride)
	if err != nil {
		return nil, err
	}

	drivers := driverRegistry(cfg)
	resolvedDriver, err := drivers.Resolve(driverName)
	if err != nil {
		return nil, err
	}
	factory, ok := resolvedDriver.Runtime.(driverFactory)
	if !ok {
		return nil, &millerrors.DriverRegistryError{Requested: resolvedDriver.Name, Available: drivers.Catalog()}
	}
	driverRuntime, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	executors := executorRegistry(cfg)
	resolvedExecutor, err := executors.Resolve(executorName)
	if err != nil {
		return nil, err
	}
	executorRuntime, ok := resolvedExecutor.Runtime.(executor.Runtime)
	if !ok {
		return nil, &millerrors.ExecutorRegistryError{Requested: resolvedExecutor.Name, Available: executors.Catalog()}
	}

	var (
		registrations []engine.ExtensionRegistration
		closers       []func()
	)
	if withExtensions {
		for _, extCfg := range cfg.Extensions {
			ext, err := mcpext.Connect(ctx, mcpext.Config{
				Name:    extCfg.Name,
				Command: extCfg.Command,
				Args:    extCfg.Args,
				Env:     extCfg.Env,
			})
			if err != nil {
				for _, closeExt := range closers {
					closeExt()
				}
				return nil, err
			}
			registrations = append(registrations, ext.Registration())
			closers = append(closers, func() { _ = ext.Close() })
		}
	}

	eng := engine.New(engine.Config{
		RunsDirectory: cfg.RunsDirectory,
		DriverName:    resolvedDriver.Name,
		ExecutorName:  resolvedExecutor.Name,
		DefaultModel:  cfg.DefaultModel,
		Driver:        driverRuntime,
		Extensions:    registrations,
	}, observer.New())

	return &runtime{
		cfg:          cfg,
		engine:       eng,
		driverName:   resolvedDriver.Name,
		executorName: resolvedExecutor.Name,
		executor:     executorRuntime,
		extensions:   registrations,
		closeExtensions: func() {
			for _, closeExt := range closers {
				closeExt()
			}
		},
	}, nil
}
