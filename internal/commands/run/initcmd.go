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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/laulauland/mill/internal/commands/shared"
	"github.com/laulauland/mill/internal/config"
)

// NewInitCommand creates the `mill init` command: writes a commented
// starter config, either project-local (./.mill/config.yaml) or, with
// --global, at the XDG config path.
func NewInitCommand() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if global {
				p, err := config.Path()
				if err != nil {
					return shared.NewExecutionError("resolve config path", err)
				}
				path = p
			} else {
				cwd, err := os.Getwd()
				if err != nil {
					return shared.NewExecutionError("resolve working directory", err)
				}
				path = filepath.Join(cwd, ".mill", "config.yaml")
			}

			if err := config.WriteStarter(path); err != nil {
				return shared.NewExecutionError("write starter config", err)
			}

			if shared.GetJSON() {
				return emitValue(map[string]string{"path": path})
			}
			fmt.Println(shared.RenderOK("wrote " + path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "Write the user-level config instead of a project-local one")
	return cmd
}
