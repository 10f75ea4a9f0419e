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

package worker_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/mill/pkg/engine"
	"github.com/laulauland/mill/pkg/worker"
)

func TestBuildExtensionAPI(t *testing.T) {
	echo := func(args json.RawMessage) (json.RawMessage, error) { return args, nil }
	regs := []engine.ExtensionRegistration{
		{Name: "notify", API: map[string]func(json.RawMessage) (json.RawMessage, error){
			"send": echo,
			"page": echo,
		}},
		{Name: "audit", API: map[string]func(json.RawMessage) (json.RawMessage, error){
			"record": echo,
		}},
		{Name: "hooks-only"}, // no API: contributes nothing to the program surface
	}

	api := worker.BuildExtensionAPI(regs)
	require.Len(t, api, 3)
	for _, key := range []string{"notify.send", "notify.page", "audit.record"} {
		require.Contains(t, api, key)
	}

	out, err := api["notify.send"](json.RawMessage(`["hi"]`))
	require.NoError(t, err)
	require.JSONEq(t, `["hi"]`, string(out))
}
