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

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	millerrors "github.com/laulauland/mill/pkg/errors"
	"github.com/laulauland/mill/pkg/registry"
)

type stubRuntime struct{ name string }

func newDriverRegistry() *registry.Registry {
	return registry.New(registry.KindDriver, "local", []registry.Registration{
		{Name: "local", Runtime: &stubRuntime{name: "local"}},
		{Name: "bedrock", Runtime: &stubRuntime{name: "bedrock"}},
		{Name: "declared-only"}, // no runtime: declarative but unexecutable
	})
}

func TestResolve_ByName(t *testing.T) {
	r := newDriverRegistry()
	resolved, err := r.Resolve("bedrock")
	require.NoError(t, err)
	require.Equal(t, "bedrock", resolved.Name)
	require.Equal(t, "bedrock", resolved.Runtime.(*stubRuntime).name)
}

func TestResolve_EmptyNameUsesDefault(t *testing.T) {
	r := newDriverRegistry()
	resolved, err := r.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "local", resolved.Name)
}

func TestResolve_UnknownNameCarriesSortedCatalog(t *testing.T) {
	r := newDriverRegistry()
	_, err := r.Resolve("nope")
	require.Error(t, err)

	var regErr *millerrors.DriverRegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, "nope", regErr.Requested)
	require.Equal(t, []string{"bedrock", "declared-only", "local"}, regErr.Available)
}

func TestResolve_NilRuntimeFails(t *testing.T) {
	r := newDriverRegistry()
	_, err := r.Resolve("declared-only")
	require.Error(t, err)

	var regErr *millerrors.DriverRegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, "declared-only", regErr.Requested)
}

func TestResolve_ExecutorKindError(t *testing.T) {
	r := registry.New(registry.KindExecutor, "local", []registry.Registration{
		{Name: "local", Runtime: &stubRuntime{}},
	})
	_, err := r.Resolve("remote")
	require.Error(t, err)

	var regErr *millerrors.ExecutorRegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, []string{"local"}, regErr.Available)
}

func TestCatalog_SortedAndStable(t *testing.T) {
	r := newDriverRegistry()
	first := r.Catalog()
	require.Equal(t, []string{"bedrock", "declared-only", "local"}, first)

	// Memoized: repeated calls return the same contents.
	require.Equal(t, first, r.Catalog())
}
