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

package worker

import (
	"github.com/laulauland/mill/pkg/engine"
	"github.com/laulauland/mill/pkg/hostbridge"
)

// BuildExtensionAPI flattens extension registrations into the bridge's
// "name.method" keyed dispatch map. The same registrations are handed to
// the engine for setup/onEvent hooks; this derives the program-facing API
// surface from them.
func BuildExtensionAPI(regs []engine.ExtensionRegistration) hostbridge.ExtensionAPI {
	api := hostbridge.ExtensionAPI{}
	for _, reg := range regs {
		for method, handler := range reg.API {
			api[reg.Name+"."+method] = handler
		}
	}
	return api
}
