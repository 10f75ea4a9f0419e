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

package observer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/mill/pkg/events"
	"github.com/laulauland/mill/pkg/observer"
)

func tier1Event(t *testing.T, runID string, seq int) events.Event {
	t.Helper()
	ev, err := events.New(runID, seq, time.Now().UTC(), events.TypeRunStatus, events.RunStatusPayload{Status: events.RunStatusRunning})
	require.NoError(t, err)
	return ev
}

func TestHub_PerRunAndGlobalFanOut(t *testing.T) {
	hub := observer.New()

	perRun, unsubPerRun := hub.WatchTier1Live("run_a")
	defer unsubPerRun()
	global, unsubGlobal := hub.WatchTier1GlobalLive()
	defer unsubGlobal()
	otherRun, unsubOther := hub.WatchTier1Live("run_b")
	defer unsubOther()

	ev := tier1Event(t, "run_a", 1)
	hub.PublishTier1Event("run_a", ev)

	got := <-perRun
	require.Equal(t, "run_a", got.RunID)
	got = <-global
	require.Equal(t, "run_a", got.RunID)

	select {
	case <-otherRun:
		t.Fatal("run_b subscriber must not observe run_a events")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SubscriptionIsLiveOnly(t *testing.T) {
	hub := observer.New()

	hub.PublishTier1Event("run_a", tier1Event(t, "run_a", 1))

	ch, unsub := hub.WatchTier1Live("run_a")
	defer unsub()

	select {
	case <-ch:
		t.Fatal("events published before subscription must not be delivered")
	case <-time.After(20 * time.Millisecond):
	}

	hub.PublishTier1Event("run_a", tier1Event(t, "run_a", 2))
	got := <-ch
	require.Equal(t, 2, got.Sequence)
}

func TestHub_IoEvents(t *testing.T) {
	hub := observer.New()

	ch, unsub := hub.WatchIoLive("run_a")
	defer unsub()

	hub.PublishIoEvent(events.IoStreamEvent{
		RunID:  "run_a",
		Source: events.IoSourceDriver,
		Stream: events.IoStreamStdout,
		Line:   "working...",
	})

	got := <-ch
	require.Equal(t, "working...", got.Line)
	require.Equal(t, events.IoSourceDriver, got.Source)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := observer.New()

	ch, unsub := hub.WatchTier1Live("run_a")
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic on the closed channel.
	hub.PublishTier1Event("run_a", tier1Event(t, "run_a", 1))
}

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := observer.New()

	_, unsub := hub.WatchTier1Live("run_a")
	defer unsub()

	// Publish far past the subscriber buffer without draining; the hub
	// drops rather than stalls.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.PublishTier1Event("run_a", tier1Event(t, "run_a", i+1))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
