// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for hivemux binaries.
//
// Configuration is loaded from a single YAML file specified by the
// HIVEMUX_CONFIG environment variable or a --config flag. When neither
// is set, built-in defaults apply; there is no search path or hidden
// override chain, so a pod's effective configuration is always
// auditable from its environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "HIVEMUX_CONFIG"

// Config is the operator configuration shared by the pod and front-end
// binaries.
type Config struct {
	// RuntimeDir is the directory holding pane sockets. Defaults to
	// $XDG_RUNTIME_DIR/hivemux, falling back to /tmp/hivemux-<uid>.
	RuntimeDir string `yaml:"runtime_dir"`

	// Shell is the argv run in new panes. Defaults to $SHELL, falling
	// back to /bin/sh.
	Shell []string `yaml:"shell"`

	// Env holds extra environment variables exported to every pane.
	Env map[string]string `yaml:"env"`

	// LogDir is where daemonized pods write their logs. Defaults to
	// RuntimeDir.
	LogDir string `yaml:"log_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	runtimeDir := ""
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		runtimeDir = filepath.Join(xdg, "hivemux")
	} else {
		runtimeDir = fmt.Sprintf("%s/hivemux-%d", os.TempDir(), os.Getuid())
	}

	shell := []string{"/bin/sh"}
	if env := os.Getenv("SHELL"); env != "" {
		shell = []string{env}
	}

	return &Config{
		RuntimeDir: runtimeDir,
		Shell:      shell,
		LogDir:     runtimeDir,
	}
}

// Load reads configuration from path, from $HIVEMUX_CONFIG when path
// is empty, or returns Default when neither names a file. Unknown keys
// are errors: a typo in a config file must not silently become a
// default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if config.LogDir == "" {
		config.LogDir = config.RuntimeDir
	}
	return config, nil
}

// SocketPath returns the pane socket path for a pane identifier.
func (c *Config) SocketPath(paneID string) string {
	return filepath.Join(c.RuntimeDir, paneID+".sock")
}

// ExtraEnv renders the Env map as KEY=VALUE pairs in stable order.
func (c *Config) ExtraEnv() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+c.Env[key])
	}
	return pairs
}
