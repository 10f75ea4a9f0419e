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

package hostbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	millog "github.com/laulauland/mill/internal/log"
	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/events"
)

// SpawnFunc is the engine-supplied per-spawn entry point, invoked for
// every "spawn" request the child reports.
type SpawnFunc func(ctx context.Context, input events.SpawnOptions) (events.SpawnResult, error)

// ExtensionAPI maps "extensionName.methodName" to a handler.
type ExtensionAPI map[string]func(args json.RawMessage) (json.RawMessage, error)

// IoSink receives every tier-2 I/O line the bridge observes.
type IoSink func(events.IoStreamEvent)

// Bridge runs one program host child process for the duration of a single
// RunSync call.
type Bridge struct {
	RunID        string
	RunDirectory string
	Executor     string
	ProgramPath  string
	NodeBinary   string // defaults to "node" if empty

	Spawn      SpawnFunc
	Extensions ExtensionAPI
	IO         IoSink

	// Logger, when set, records every dispatched request and its outcome
	// through the shared RPC logging middleware.
	Logger *slog.Logger
}

// Run bootstraps the marker file and generated prelude, launches the child,
// and drives the dispatch loop until it reports a terminal result or exits.
// It returns the program's final value (raw JSON) on success.
func (b *Bridge) Run(ctx context.Context) (json.RawMessage, error) {
	nodeBin := b.NodeBinary
	if nodeBin == "" {
		nodeBin = "node"
	}

	markerPath := filepath.Join(b.RunDirectory, "program-host.marker")
	if err := os.WriteFile(markerPath, []byte(MarkerContents("node", b.RunID, b.Executor, b.ProgramPath)), 0o644); err != nil {
		return nil, &millerrors.PersistenceError{Path: markerPath, Message: "write program-host.marker", Cause: err}
	}

	userProgram, err := os.ReadFile(b.ProgramPath)
	if err != nil {
		return nil, &millerrors.PersistenceError{Path: b.ProgramPath, Message: "read program source", Cause: err}
	}

	hostPath := filepath.Join(b.RunDirectory, "program-host.ts")
	hostSource := GenerateHostSource(extensionMethodNames(b.Extensions), string(userProgram))
	if err := os.WriteFile(hostPath, []byte(hostSource), 0o644); err != nil {
		return nil, &millerrors.PersistenceError{Path: hostPath, Message: "write program-host.ts", Cause: err}
	}

	cmd := exec.CommandContext(ctx, nodeBin, hostPath)
	cmd.Dir = b.RunDirectory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &millerrors.ProgramHostError{RunID: b.RunID, Message: "attach stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &millerrors.ProgramHostError{RunID: b.RunID, Message: "attach stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &millerrors.ProgramHostError{RunID: b.RunID, Message: "attach stderr pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &millerrors.ProgramHostError{RunID: b.RunID, Message: "start program host", Cause: err}
	}

	var (
		stderrBuf  bytes.Buffer
		stderrMu   sync.Mutex
		terminal   ChildMessage
		haveTerm   bool
		writeMu    sync.Mutex
		wg         sync.WaitGroup
		reqWG      sync.WaitGroup
	)

	writeResponse := func(resp ParentResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		line, err := json.Marshal(resp)
		if err != nil {
			return
		}
		_, _ = stdin.Write(append(line, '\n'))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stderrMu.Lock()
			stderrBuf.WriteString(line)
			stderrBuf.WriteByte('\n')
			stderrMu.Unlock()
			b.emitIO(events.IoSourceProgram, events.IoStreamStderr, line, "")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, Sentinel) {
				b.emitIO(events.IoSourceProgram, events.IoStreamStdout, line, "")
				continue
			}
			payload := strings.TrimPrefix(line, Sentinel)
			var msg ChildMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				continue
			}
			switch msg.Kind {
			case "result":
				terminal = msg
				haveTerm = true
			case "request":
				// Each request runs on its own goroutine so that
				// concurrent spawns from the program can overlap.
				reqWG.Add(1)
				go func(m ChildMessage) {
					defer reqWG.Done()
					b.handleRequest(ctx, m, writeResponse)
				}(msg)
			}
		}
	}()

	wg.Wait()
	reqWG.Wait()
	_ = stdin.Close()
	waitErr := cmd.Wait()

	stderrMu.Lock()
	stderrText := stderrBuf.String()
	stderrMu.Unlock()

	if haveTerm {
		if terminal.OK {
			return terminal.Value, nil
		}
		return nil, &millerrors.ProgramExecutionError{RunID: b.RunID, Message: fmt.Sprintf("%s (stderr: %s)", terminal.Message, stderrText)}
	}
	if waitErr != nil {
		return nil, &millerrors.ProgramHostError{RunID: b.RunID, Message: fmt.Sprintf("exited without a terminal result: %v (stderr: %s)", waitErr, stderrText)}
	}
	return nil, &millerrors.ProgramHostError{RunID: b.RunID, Message: fmt.Sprintf("exited with code 0 but no terminal result (stderr: %s)", stderrText)}
}

func (b *Bridge) handleRequest(ctx context.Context, msg ChildMessage, respond func(ParentResponse)) {
	dispatch := func() error {
		switch msg.RequestType {
		case RequestSpawn:
			if msg.Input == nil {
				err := fmt.Errorf("spawn request missing input")
				respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: false, Message: err.Error()})
				return err
			}
			result, err := b.Spawn(ctx, *msg.Input)
			if err != nil {
				respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: false, Message: err.Error()})
				return err
			}
			value, _ := json.Marshal(result)
			respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: true, Value: value})
			return nil

		case RequestExtension:
			key := msg.ExtensionName + "." + msg.MethodName
			handler, ok := b.Extensions[key]
			if !ok {
				err := fmt.Errorf("Unknown extension api %s", key)
				respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: false, Message: err.Error()})
				return err
			}
			value, err := handler(msg.Args)
			if err != nil {
				respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: false, Message: err.Error()})
				return err
			}
			respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: true, Value: value})
			return nil

		default:
			err := fmt.Errorf("unknown requestType %s", msg.RequestType)
			respond(ParentResponse{Kind: "response", RequestID: msg.RequestID, OK: false, Message: err.Error()})
			return err
		}
	}

	if b.Logger == nil {
		_ = dispatch()
		return
	}
	mw := millog.NewRPCMiddleware(b.Logger)
	_ = mw.Handler(&millog.RPCRequest{
		MessageType: string(msg.RequestType),
		RequestID:   msg.RequestID,
		RemoteAddr:  "program-host",
	}, dispatch)
}

func (b *Bridge) emitIO(source events.IoSource, stream events.IoStream, line, spawnID string) {
	if b.IO == nil {
		return
	}
	b.IO(events.IoStreamEvent{
		RunID:     b.RunID,
		Source:    source,
		Stream:    stream,
		Line:      line,
		Timestamp: time.Now().UTC(),
		SpawnID:   spawnID,
	})
}

func extensionMethodNames(api ExtensionAPI) []string {
	names := make([]string, 0, len(api))
	for k := range api {
		names = append(names, k)
	}
	return names
}
