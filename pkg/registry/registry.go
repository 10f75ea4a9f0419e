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

// Package registry implements the driver/executor registries: a
// name->registration map with deterministic, sorted catalog ordering and a
// typed "unknown name" error carrying the available names. Registries are
// configured once per CLI invocation, so resolution is a plain lookup.
package registry

import (
	"sort"
	"sync"

	millerrors "github.com/laulauland/mill/pkg/errors"
)

// Kind distinguishes which tagged registry error a Registry produces.
type Kind string

const (
	KindDriver   Kind = "driver"
	KindExecutor Kind = "executor"
)

// Registration is one named entry in a Registry. Runtime is the capability
// object itself (a DriverRuntime or Executor); a Registration with a nil
// Runtime is declarative-but-unexecutable and Resolve fails for it exactly
// as it would for a missing name.
type Registration struct {
	Name    string
	Runtime interface{}
}

// Registry resolves names to registrations, memoizing the sorted catalog
// for the lifetime of the instance (a Registry is constructed fresh per CLI
// invocation).
type Registry struct {
	kind         Kind
	defaultName  string
	entries      map[string]Registration

	mu      sync.Mutex
	catalog []string
}

// New constructs a Registry of the given kind from entries, with
// defaultName used when Resolve is called with an empty name.
func New(kind Kind, defaultName string, entries []Registration) *Registry {
	m := make(map[string]Registration, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return &Registry{kind: kind, defaultName: defaultName, entries: m}
}

// Resolved is the successful result of Resolve.
type Resolved struct {
	Name         string
	Registration Registration
	Runtime      interface{}
}

// Resolve looks up name (or the registry's default if name is empty),
// returning a tagged registry error carrying the sorted available-name
// list on any miss, including a registration with a nil Runtime.
func (r *Registry) Resolve(name string) (Resolved, error) {
	if name == "" {
		name = r.defaultName
	}

	reg, ok := r.entries[name]
	if !ok || reg.Runtime == nil {
		return Resolved{}, r.registryError(name)
	}
	return Resolved{Name: name, Registration: reg, Runtime: reg.Runtime}, nil
}

// Catalog returns the sorted list of registered names, memoized after the
// first call.
func (r *Registry) Catalog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog == nil {
		names := make([]string, 0, len(r.entries))
		for name := range r.entries {
			names = append(names, name)
		}
		sort.Strings(names)
		r.catalog = names
	}
	return r.catalog
}

func (r *Registry) registryError(requested string) error {
	available := r.Catalog()
	switch r.kind {
	case KindDriver:
		return &millerrors.DriverRegistryError{Requested: requested, Available: available}
	default:
		return &millerrors.ExecutorRegistryError{Requested: requested, Available: available}
	}
}
