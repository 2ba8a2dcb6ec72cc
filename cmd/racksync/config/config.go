// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the racksync CLI configuration from
// ~/.racksync/racksync.yaml, creating a default file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the on-disk CLI configuration.
type CLIConfig struct {
	// ServerURL is the racksync service base URL.
	ServerURL string `yaml:"server_url"`

	// OfflineDir holds parked saves made while the service was down.
	OfflineDir string `yaml:"offline_dir"`

	// DebounceMs is the quiet period before a watched edit saves.
	DebounceMs int `yaml:"debounce_ms"`

	// SessionID pins a session identifier across CLI invocations. Empty
	// means a fresh session per run.
	SessionID string `yaml:"session_id,omitempty"`
}

// DefaultConfig returns the first-run configuration.
func DefaultConfig() CLIConfig {
	home, _ := os.UserHomeDir()
	return CLIConfig{
		ServerURL:  "http://localhost:8090",
		OfflineDir: filepath.Join(home, ".racksync", "offline"),
		DebounceMs: 2000,
	}
}

var (
	// Global is a singleton instance
	Global CLIConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not find the user's home directory: %w", err)
	}
	configPath := filepath.Join(home, ".racksync", "racksync.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf(" First run detected, creating the config at %s\n", configPath)
		if err := createDefault(configPath); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	Global = DefaultConfig()
	if err = yaml.Unmarshal(data, &Global); err != nil {
		return fmt.Errorf("failed to parse the config file: %w", err)
	}
	return nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
