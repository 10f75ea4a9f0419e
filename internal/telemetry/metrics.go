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

// Package telemetry exposes opt-in Prometheus counters for the run engine.
// The registry is process-local and nothing starts an HTTP listener here:
// an operator who wants scraping mounts Handler() themselves, so the engine
// stays network-free by default.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// RunsSubmitted counts run submissions by driver name.
	RunsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mill",
		Name:      "runs_submitted_total",
		Help:      "Runs submitted, by driver.",
	}, []string{"driver"})

	// RunsFinished counts runs reaching a terminal status.
	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mill",
		Name:      "runs_finished_total",
		Help:      "Runs reaching a terminal status, by status.",
	}, []string{"status"})

	// Spawns counts spawn invocations by driver name.
	Spawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mill",
		Name:      "spawns_total",
		Help:      "Spawns dispatched to drivers, by driver.",
	}, []string{"driver"})

	// WaitTimeouts counts wait invocations that elapsed before a terminal.
	WaitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mill",
		Name:      "wait_timeouts_total",
		Help:      "Wait calls that timed out before the run finished.",
	})
)

func init() {
	registry.MustRegister(RunsSubmitted, RunsFinished, Spawns, WaitTimeouts)
}

// Handler returns an http.Handler serving the process's mill metrics in the
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
