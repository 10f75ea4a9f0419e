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

package run

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/commands/shared"
	"github.com/laulauland/mill/internal/jq"
	"github.com/laulauland/mill/internal/util"
	"github.com/laulauland/mill/pkg/events"
)

// NewWatchCommand creates the `mill watch` command: a backfill-then-live
// stream of tier-1 events (and, within the worker process, tier-2 I/O).
func NewWatchCommand() *cobra.Command {
	var (
		runsDir   string
		runID     string
		sinceTime string
		channel   string
		source    string
		spawnID   string
		jqFilter  string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream run events as they happen",
		Long: `Stream events, either for one run (--run) or across all runs.

--channel selects what to stream: "events" (persisted tier-1 events,
the default), "io" (live driver/program output lines), or "all". The io
and all channels require --run. Tier-2 I/O is ephemeral: it is only
observable while the producing process is alive, and only from inside it;
cross-process watches observe the persisted event log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !util.Contains([]string{"events", "io", "all"}, channel) {
				return shared.NewExecutionError("invalid --channel "+channel, nil)
			}
			if (channel == "io" || channel == "all") && runID == "" {
				return shared.NewExecutionError("--channel "+channel+" requires --run", nil)
			}
			if source != "" && !util.Contains([]string{"driver", "program"}, source) {
				return shared.NewExecutionError("invalid --source "+source, nil)
			}

			rt, err := resolveRuntime(cmd.Context(), runsDir, "", "")
			if err != nil {
				return shared.NewExecutionError("resolve configuration", err)
			}

			var jqExec *jq.Executor
			if jqFilter != "" {
				jqExec = jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)
				if err := jqExec.Validate(jqFilter); err != nil {
					return shared.NewExecutionError("invalid --jq filter", err)
				}
			}

			emitEvent := func(ev events.Event) error {
				if spawnID != "" && ev.SpawnID() != spawnID {
					return nil
				}
				return emitStreamValue(cmd, jqExec, jqFilter, ev, renderEventLine)
			}
			emitIo := func(ev events.IoStreamEvent) error {
				if source != "" && string(ev.Source) != source {
					return nil
				}
				if spawnID != "" && ev.SpawnID != spawnID {
					return nil
				}
				return emitStreamValue(cmd, jqExec, jqFilter, ev, renderIoLine)
			}

			ctx := cmd.Context()

			switch channel {
			case "events":
				if runID == "" {
					stream, stop, err := rt.engine.FollowAll(ctx, sinceTime)
					if err != nil {
						return shared.NewExecutionError("watch all runs", err)
					}
					defer stop()
					for ev := range stream {
						if err := emitEvent(ev); err != nil {
							return err
						}
					}
					return nil
				}
				stream, stop, err := rt.engine.FollowEvents(ctx, runID)
				if err != nil {
					return shared.NewExecutionError("watch run", err)
				}
				defer stop()
				for ev := range stream {
					if err := emitEvent(ev); err != nil {
						return err
					}
				}
				return nil

			case "io":
				stream, stop, err := rt.engine.WatchIo(ctx, runID)
				if err != nil {
					return shared.NewExecutionError("watch io", err)
				}
				defer stop()
				for ev := range stream {
					if err := emitIo(ev); err != nil {
						return err
					}
				}
				return nil

			default: // all
				eventStream, stopEvents, err := rt.engine.FollowEvents(ctx, runID)
				if err != nil {
					return shared.NewExecutionError("watch run", err)
				}
				defer stopEvents()
				ioStream, stopIo, err := rt.engine.WatchIo(ctx, runID)
				if err != nil {
					return shared.NewExecutionError("watch io", err)
				}
				defer stopIo()

				for eventStream != nil || ioStream != nil {
					select {
					case ev, ok := <-eventStream:
						if !ok {
							// The run is terminal; nothing further will
							// arrive on either channel.
							return nil
						}
						if err := emitEvent(ev); err != nil {
							return err
						}
					case ev, ok := <-ioStream:
						if !ok {
							ioStream = nil
							continue
						}
						if err := emitIo(ev); err != nil {
							return err
						}
					case <-ctx.Done():
						return nil
					}
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "Override the runs directory")
	cmd.Flags().StringVar(&runID, "run", "", "Watch a single run")
	cmd.Flags().StringVar(&sinceTime, "since-time", "", "Only emit events at or after this ISO-8601 timestamp")
	cmd.Flags().StringVar(&channel, "channel", "events", "Which channel to stream: events, io, or all")
	cmd.Flags().StringVar(&source, "source", "", "Filter io lines by source: driver or program")
	cmd.Flags().StringVar(&spawnID, "spawn", "", "Filter events by spawn id")
	cmd.Flags().StringVar(&jqFilter, "jq", "", "Pipe each event through a jq expression before printing")
	return cmd
}

// emitStreamValue prints one stream item: JSON (one value per line) when
// --json or --jq is in effect, a human-rendered line otherwise.
func emitStreamValue[T any](cmd *cobra.Command, jqExec *jq.Executor, jqFilter string, v T, render func(T) string) error {
	if jqExec != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return shared.NewExecutionError("encode event", err)
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return shared.NewExecutionError("encode event", err)
		}
		filtered, err := jqExec.Execute(cmd.Context(), jqFilter, decoded)
		if err != nil {
			return shared.NewExecutionError("apply --jq filter", err)
		}
		if filtered == nil {
			return nil
		}
		return json.NewEncoder(os.Stdout).Encode(filtered)
	}
	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(v)
	}
	fmt.Println(render(v))
	return nil
}

// renderEventLine renders a tier-1 event for interactive consumption.
func renderEventLine(ev events.Event) string {
	stamp := shared.Muted.Render(ev.Timestamp.Format(time.RFC3339))
	typeLabel := string(ev.Type)
	switch ev.Type {
	case events.TypeRunComplete, events.TypeSpawnComplete:
		typeLabel = shared.StatusOK.Render(typeLabel)
	case events.TypeRunFailed, events.TypeSpawnError, events.TypeExtensionError:
		typeLabel = shared.StatusError.Render(typeLabel)
	case events.TypeRunCancelled, events.TypeSpawnCancelled:
		typeLabel = shared.StatusWarn.Render(typeLabel)
	default:
		typeLabel = shared.StatusInfo.Render(typeLabel)
	}
	detail := eventDetail(ev)
	if detail != "" {
		detail = " " + detail
	}
	return fmt.Sprintf("%s %s #%d %s%s", stamp, shared.Bold.Render(ev.RunID), ev.Sequence, typeLabel, detail)
}

// eventDetail extracts the one payload field worth showing inline.
func eventDetail(ev events.Event) string {
	switch ev.Type {
	case events.TypeRunStart:
		var p events.RunStartPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.ProgramPath
		}
	case events.TypeRunFailed:
		var p events.RunFailedPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.Message
		}
	case events.TypeSpawnStart:
		var p events.SpawnStartPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.SpawnID + " agent=" + p.Input.Agent
		}
	case events.TypeSpawnMilestone:
		var p events.SpawnMilestonePayload
		if events.DecodePayload(ev, &p) == nil {
			return p.SpawnID + " " + p.Message
		}
	case events.TypeSpawnToolCall:
		var p events.SpawnToolCallPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.SpawnID + " tool=" + p.ToolName
		}
	case events.TypeSpawnError:
		var p events.SpawnErrorPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.SpawnID + " " + p.Message
		}
	case events.TypeSpawnComplete:
		var p events.SpawnCompletePayload
		if events.DecodePayload(ev, &p) == nil {
			return p.SpawnID
		}
	case events.TypeSpawnCancelled:
		var p events.SpawnCancelledPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.SpawnID
		}
	case events.TypeExtensionError:
		var p events.ExtensionErrorPayload
		if events.DecodePayload(ev, &p) == nil {
			return p.ExtensionName + "/" + string(p.Hook) + " " + p.Message
		}
	}
	return ""
}

// renderIoLine renders a tier-2 I/O line for interactive consumption.
func renderIoLine(ev events.IoStreamEvent) string {
	origin := string(ev.Source) + "/" + string(ev.Stream)
	if ev.SpawnID != "" {
		origin = origin + "/" + ev.SpawnID
	}
	return shared.Muted.Render(origin) + " " + ev.Line
}
