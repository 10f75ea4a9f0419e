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

// Package observer implements the process-wide observer hub: in-memory
// pub/sub for tier-1 events, keyed per-run plus one global channel, and
// tier-2 I/O lines keyed per-run. Subscribers are buffered channels; the
// hub never blocks a publisher on a slow listener.
package observer

import (
	"sync"

	"github.com/laulauland/mill/pkg/events"
)

const subscriberBuffer = 256

// Hub is a process-local broadcast registry. The zero value is not usable;
// construct with New.
type Hub struct {
	mu sync.Mutex

	tier1        map[string][]chan events.Event // runID -> subscribers
	tier1Global  []chan events.Event
	tier2        map[string][]chan events.IoStreamEvent // runID -> subscribers
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{
		tier1: make(map[string][]chan events.Event),
		tier2: make(map[string][]chan events.IoStreamEvent),
	}
}

// PublishTier1Event fans e out to the run's subscribers and the global
// subscribers. Publishing never blocks: subscribers with a full buffer
// silently miss the event rather than stall the publisher (cross-process
// observers always have the authoritative file log to fall back on).
func (h *Hub) PublishTier1Event(runID string, e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.tier1[runID] {
		nonBlockingSendEvent(ch, e)
	}
	for _, ch := range h.tier1Global {
		nonBlockingSendEvent(ch, e)
	}
}

// PublishIoEvent fans e out to the run's tier-2 subscribers.
func (h *Hub) PublishIoEvent(e events.IoStreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.tier2[e.RunID] {
		nonBlockingSendIo(ch, e)
	}
}

// WatchTier1Live returns a channel that emits tier-1 events for runID
// published from this call forward, plus an unsubscribe func the caller
// must invoke when done listening.
func (h *Hub) WatchTier1Live(runID string) (<-chan events.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan events.Event, subscriberBuffer)
	h.tier1[runID] = append(h.tier1[runID], ch)
	return ch, func() { h.removeTier1(runID, ch) }
}

// WatchTier1GlobalLive returns a channel that emits every tier-1 event
// across all runs published from this call forward.
func (h *Hub) WatchTier1GlobalLive() (<-chan events.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan events.Event, subscriberBuffer)
	h.tier1Global = append(h.tier1Global, ch)
	return ch, func() { h.removeTier1Global(ch) }
}

// WatchIoLive returns a channel that emits tier-2 I/O lines for runID
// published from this call forward.
func (h *Hub) WatchIoLive(runID string) (<-chan events.IoStreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan events.IoStreamEvent, subscriberBuffer)
	h.tier2[runID] = append(h.tier2[runID], ch)
	return ch, func() { h.removeTier2(runID, ch) }
}

func (h *Hub) removeTier1(runID string, target chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	before := len(h.tier1[runID])
	h.tier1[runID] = removeChan(h.tier1[runID], target)
	if len(h.tier1[runID]) < before {
		close(target)
	}
}

func (h *Hub) removeTier1Global(target chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	before := len(h.tier1Global)
	h.tier1Global = removeChan(h.tier1Global, target)
	if len(h.tier1Global) < before {
		close(target)
	}
}

func (h *Hub) removeTier2(runID string, target chan events.IoStreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.tier2[runID]
	for i, ch := range subs {
		if ch == target {
			h.tier2[runID] = append(subs[:i], subs[i+1:]...)
			close(target)
			break
		}
	}
}

func removeChan(subs []chan events.Event, target chan events.Event) []chan events.Event {
	for i, ch := range subs {
		if ch == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func nonBlockingSendEvent(ch chan events.Event, e events.Event) {
	select {
	case ch <- e:
	default:
	}
}

func nonBlockingSendIo(ch chan events.IoStreamEvent, e events.IoStreamEvent) {
	select {
	case ch <- e:
	default:
	}
}
