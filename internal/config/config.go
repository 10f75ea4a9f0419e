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

// Package config loads mill's small on-disk configuration: a single YAML
// file resolved via the XDG base directory convention. There is no
// multi-writer coordination and no cwd-to-repo-root resolution walk; a
// single operator-edited file with no concurrent writers needs neither.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	millerrors "github.com/laulauland/mill/pkg/errors"
)

// DefaultMaxRunDepth mirrors submit.DefaultMaxRunDepth so callers that only
// import config do not need to reach into pkg/submit for the default.
const DefaultMaxRunDepth = 1

// Config is mill's resolved configuration: defaults overlaid with whatever
// the on-disk config.yaml sets, then overlaid with explicit CLI overrides.
type Config struct {
	RunsDirectory   string `yaml:"runs_directory,omitempty"`
	DefaultDriver   string `yaml:"default_driver,omitempty"`
	DefaultExecutor string `yaml:"default_executor,omitempty"`
	DefaultModel    string `yaml:"default_model,omitempty"`
	MaxRunDepth     int    `yaml:"max_run_depth,omitempty"`

	// AgentCommand is the binary the generic local driver shells out to.
	AgentCommand string `yaml:"agent_command,omitempty"`

	// BedrockRegion/BedrockModelID configure the bedrock remote driver;
	// BedrockAssumeRoleARN, when set, is assumed via STS before invoking.
	BedrockRegion        string `yaml:"bedrock_region,omitempty"`
	BedrockModelID       string `yaml:"bedrock_model_id,omitempty"`
	BedrockAssumeRoleARN string `yaml:"bedrock_assume_role_arn,omitempty"`

	// Extensions lists MCP servers the worker launches per run; each
	// server's tools surface as mill.<name>.<tool>(...) in programs.
	Extensions []ExtensionConfig `yaml:"extensions,omitempty"`
}

// ExtensionConfig describes one MCP-backed extension.
type ExtensionConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// defaults returns the built-in fallback values applied when neither the
// config file nor a CLI override supplies one.
func defaults() Config {
	return Config{
		DefaultDriver:   "local",
		DefaultExecutor: "local",
		DefaultModel:    "",
		MaxRunDepth:     DefaultMaxRunDepth,
		AgentCommand:    "mill-agent",
	}
}

// Dir returns mill's XDG config directory, creating it if necessary.
// On all platforms this follows XDG_CONFIG_HOME, falling back to
// ~/.config.
func Dir() (string, error) {
	var base string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &millerrors.ConfigError{Key: "HOME", Reason: "cannot determine home directory", Cause: err}
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, "mill")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &millerrors.ConfigError{Key: "configDir", Reason: "cannot create config directory", Cause: err}
	}
	return dir, nil
}

// Path returns the full path to mill's config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads and decodes the config file at Path(), returning built-in
// defaults unchanged if the file does not exist. A file that exists but
// fails to parse is a ConfigError, never a silent fallback.
func Load() (Config, error) {
	cfg := defaults()

	path, err := Path()
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, &millerrors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	}

	var onDisk Config
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		return cfg, &millerrors.ConfigError{Key: path, Reason: "cannot parse config file", Cause: err}
	}

	cfg.overlay(onDisk)
	return cfg, nil
}

// overlay copies every field that other sets (non-zero) onto c, replacing
// c's value; fields other leaves zero keep c's value.
func (c *Config) overlay(other Config) {
	if other.RunsDirectory != "" {
		c.RunsDirectory = other.RunsDirectory
	}
	if other.DefaultDriver != "" {
		c.DefaultDriver = other.DefaultDriver
	}
	if other.DefaultExecutor != "" {
		c.DefaultExecutor = other.DefaultExecutor
	}
	if other.DefaultModel != "" {
		c.DefaultModel = other.DefaultModel
	}
	if other.MaxRunDepth != 0 {
		c.MaxRunDepth = other.MaxRunDepth
	}
	if other.AgentCommand != "" {
		c.AgentCommand = other.AgentCommand
	}
	if other.BedrockRegion != "" {
		c.BedrockRegion = other.BedrockRegion
	}
	if other.BedrockModelID != "" {
		c.BedrockModelID = other.BedrockModelID
	}
	if other.BedrockAssumeRoleARN != "" {
		c.BedrockAssumeRoleARN = other.BedrockAssumeRoleARN
	}
	if len(other.Extensions) > 0 {
		c.Extensions = other.Extensions
	}
}

// Resolve loads the on-disk config and applies a CLI-supplied runsDirectory
// override, falling back to "$HOME/.local/state/mill/runs" when neither the
// override nor the config file names one.
func Resolve(runsDirectoryOverride string) (Config, error) {
	cfg, err := Load()
	if err != nil {
		return cfg, err
	}

	if runsDirectoryOverride != "" {
		cfg.RunsDirectory = runsDirectoryOverride
	}

	if cfg.RunsDirectory == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, &millerrors.ConfigError{Key: "HOME", Reason: "cannot determine home directory", Cause: err}
		}
		cfg.RunsDirectory = filepath.Join(home, ".local", "state", "mill", "runs")
	}

	return cfg, nil
}

// WriteStarter writes a commented starter config.yaml to path, refusing to
// overwrite an existing file. Used by the init command.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return &millerrors.ConfigError{Key: path, Reason: "config file already exists"}
	} else if !os.IsNotExist(err) {
		return &millerrors.ConfigError{Key: path, Reason: "cannot stat config file", Cause: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &millerrors.ConfigError{Key: path, Reason: "cannot create config directory", Cause: err}
	}

	const starter = `# mill configuration
#
# runs_directory: where run state (events.ndjson, run.json, logs/) is stored.
# Defaults to $HOME/.local/state/mill/runs when unset.
# runs_directory: ""

# default_driver: the driver used when a program does not specify one.
default_driver: local

# default_executor: the executor used when a program does not specify one.
default_executor: local

# default_model: the model passed to mill.spawn when a call omits one.
# default_model: ""

# max_run_depth: how many levels of nested mill run submissions (counted via
# MILL_RUN_DEPTH) are permitted before submission refuses to launch another worker.
max_run_depth: 1

# agent_command: the binary the generic local driver invokes per spawn.
# agent_command: mill-agent

# bedrock_region / bedrock_model_id: configure the bedrock remote driver.
# bedrock_assume_role_arn, when set, is assumed via STS before invoking.
# bedrock_region: us-east-1
# bedrock_model_id: ""
# bedrock_assume_role_arn: ""

# extensions: MCP servers whose tools become mill.<name>.<tool>(...) calls.
# extensions:
#   - name: notes
#     command: my-notes-mcp-server
#     args: ["--stdio"]
`

	if err := os.WriteFile(path, []byte(starter), 0o600); err != nil {
		return &millerrors.ConfigError{Key: path, Reason: "cannot write config file", Cause: err}
	}
	return nil
}
