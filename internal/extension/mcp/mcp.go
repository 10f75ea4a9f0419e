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

// Package mcp adapts an MCP server into an ExtensionRegistration: every
// tool the server advertises becomes a mill.<name>.<tool>(...) method the
// program host can call. The server runs as a stdio child process owned by
// the worker for the duration of one run.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/laulauland/mill/pkg/engine"
)

const defaultCallTimeout = 30 * time.Second

// Config describes the MCP server to launch.
type Config struct {
	// Name becomes the extension name: programs call mill.<Name>.<tool>().
	Name string
	// Command is the server executable; Args and Env are passed through.
	Command string
	Args    []string
	Env     []string
	// CallTimeout bounds each tool call; defaults to 30s.
	CallTimeout time.Duration
}

// Extension is a connected MCP server exposed through the extension
// contract.
type Extension struct {
	cfg    Config
	client *client.Client
	tools  []string
}

// Connect launches the server, initializes the MCP session, and lists the
// available tools. The caller owns the returned Extension and must Close it
// once the run finishes.
func Connect(ctx context.Context, cfg Config) (*Extension, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp extension: name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp extension: command is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp extension %s: create client: %w", cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp extension %s: start client: %w", cfg.Name, err)
	}

	ext := &Extension{cfg: cfg, client: mcpClient}

	if _, err := mcpClient.Initialize(ctx, mcpproto.InitializeRequest{
		Params: mcpproto.InitializeParams{
			ProtocolVersion: mcpproto.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcpproto.ClientCapabilities{},
			ClientInfo: mcpproto.Implementation{
				Name:    "mill",
				Version: "0.1.0",
			},
		},
	}); err != nil {
		_ = ext.Close()
		return nil, fmt.Errorf("mcp extension %s: initialize: %w", cfg.Name, err)
	}

	listed, err := mcpClient.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		_ = ext.Close()
		return nil, fmt.Errorf("mcp extension %s: list tools: %w", cfg.Name, err)
	}
	for _, tool := range listed.Tools {
		ext.tools = append(ext.tools, tool.Name)
	}

	return ext, nil
}

// Registration returns the ExtensionRegistration handed to the engine: one
// API method per server tool, dispatching to CallTool.
func (e *Extension) Registration() engine.ExtensionRegistration {
	api := make(map[string]func(args json.RawMessage) (json.RawMessage, error), len(e.tools))
	for _, tool := range e.tools {
		api[tool] = e.callHandler(tool)
	}
	return engine.ExtensionRegistration{
		Name: e.cfg.Name,
		API:  api,
	}
}

// callHandler adapts one tool into the extension API signature. The program
// host sends args as a JSON array; the first element (if any) is taken as
// the tool's argument object, matching the one-options-object convention of
// mill.spawn itself.
func (e *Extension) callHandler(tool string) func(args json.RawMessage) (json.RawMessage, error) {
	return func(args json.RawMessage) (json.RawMessage, error) {
		var argList []json.RawMessage
		if len(args) > 0 {
			if err := json.Unmarshal(args, &argList); err != nil {
				return nil, fmt.Errorf("tool %s: args must be a JSON array: %w", tool, err)
			}
		}
		var toolArgs map[string]interface{}
		if len(argList) > 0 {
			if err := json.Unmarshal(argList[0], &toolArgs); err != nil {
				return nil, fmt.Errorf("tool %s: first argument must be an object: %w", tool, err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		defer cancel()

		result, err := e.client.CallTool(ctx, mcpproto.CallToolRequest{
			Params: mcpproto.CallToolParams{
				Name:      tool,
				Arguments: toolArgs,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool, err)
		}

		texts := make([]string, 0, len(result.Content))
		for _, content := range result.Content {
			if textContent, ok := mcpproto.AsTextContent(content); ok {
				texts = append(texts, textContent.Text)
			}
		}
		joined := strings.Join(texts, "\n")
		if result.IsError {
			return nil, fmt.Errorf("tool %s: %s", tool, joined)
		}
		return json.Marshal(joined)
	}
}

// Tools returns the tool names the server advertised at connect time.
func (e *Extension) Tools() []string {
	out := make([]string, len(e.tools))
	copy(out, e.tools)
	return out
}

// Close shuts the server process down.
func (e *Extension) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
