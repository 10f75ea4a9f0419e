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

package main

import (
	"github.com/laulauland/mill/internal/cli"
	runcmd "github.com/laulauland/mill/internal/commands/run"
	versioncmd "github.com/laulauland/mill/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Run lifecycle commands
	rootCmd.AddCommand(runcmd.NewRunCommand())
	rootCmd.AddCommand(runcmd.NewStatusCommand())
	rootCmd.AddCommand(runcmd.NewWaitCommand())
	rootCmd.AddCommand(runcmd.NewWatchCommand())
	rootCmd.AddCommand(runcmd.NewCancelCommand())
	rootCmd.AddCommand(runcmd.NewLsCommand())
	rootCmd.AddCommand(runcmd.NewInspectCommand())

	// Setup
	rootCmd.AddCommand(runcmd.NewInitCommand())

	// Private worker entry point, spawned by `mill run`
	rootCmd.AddCommand(runcmd.NewWorkerCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
