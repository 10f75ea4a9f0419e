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

// Package hostbridge implements the program host bridge: it runs the
// user program as a child subprocess and relays mill.spawn(...) / extension
// calls over a newline-framed JSON protocol on stdout with a reserved
// prefix, surfacing everything else as tier-2 I/O.
package hostbridge

import (
	"encoding/json"

	"github.com/laulauland/mill/pkg/events"
)

// Sentinel prefixes every bridge-protocol line on the child's stdout.
// Non-prefixed lines are plain program output.
const Sentinel = "__MILL_HOST__"

// RequestType discriminates a child->parent request.
type RequestType string

const (
	RequestSpawn     RequestType = "spawn"
	RequestExtension RequestType = "extension"
)

// ChildMessage is a line of the bridge protocol sent by the child. Kind is
// either "request" (awaiting a response) or "result" (terminal).
type ChildMessage struct {
	Kind        string              `json:"kind"`
	RequestID   string              `json:"requestId,omitempty"`
	RequestType RequestType         `json:"requestType,omitempty"`
	Input       *events.SpawnOptions `json:"input,omitempty"`

	ExtensionName string          `json:"extensionName,omitempty"`
	MethodName    string          `json:"methodName,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`

	OK      bool            `json:"ok,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ParentResponse is a line of the bridge protocol sent by the parent.
type ParentResponse struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Value     json.RawMessage `json:"value,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// MarkerContents renders the four-line program-host.marker file body.
func MarkerContents(host, runID, executor, programPath string) string {
	return "process-host:" + host + "\n" +
		"runId=" + runID + "\n" +
		"executor=" + executor + "\n" +
		"programPath=" + programPath + "\n"
}
