// Package config holds the coordinator server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerConfig holds configuration for the taskforge coordinator.
type ServerConfig struct {
	Addr         string        // Listen address (default ":8080")
	LogLevel     string        // Log level: debug, info, warn, error
	LogFormat    string        // Log format: text, json, auto
	DBPath       string        // SQLite database path (default ~/.taskforge/taskforge.db, ":memory:" for testing)
	PipelineFile string        // YAML pipeline definitions
	WorkRoot     string        // Root of task working directories
	DataRoot     string        // Root that first-module input directories resolve against
	PollInterval time.Duration // Scheduler tick interval
	MaxParallel  int           // Concurrent local subtasks; <= 0 means unlimited
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		PipelineFile: "pipelines.yaml",
		DataRoot:     ".",
		PollInterval: 2 * time.Second,
		MaxParallel:  4,
	}
}

// ApplyDefaults fills DBPath and WorkRoot under ~/.taskforge when unset.
func (c *ServerConfig) ApplyDefaults() error {
	if c.DBPath != "" && c.WorkRoot != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	base := filepath.Join(home, ".taskforge")
	if c.DBPath == "" {
		c.DBPath = filepath.Join(base, "taskforge.db")
	}
	if c.WorkRoot == "" {
		c.WorkRoot = filepath.Join(base, "work")
	}
	return nil
}

// Validate checks the values that cannot be defaulted.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.PipelineFile == "" {
		errs = append(errs, errors.New("pipeline file must be set"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}
