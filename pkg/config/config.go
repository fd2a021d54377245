// Package config provides configuration loading and management for dicomseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolConfig describes how an external segmentation tool is invoked
type ToolConfig struct {
	// Command is the executable name or path
	Command string `yaml:"command"`

	// ExtraArgs are appended after the generated arguments
	ExtraArgs []string `yaml:"extraArgs,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many slices are decoded concurrently
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// External tools
	Tools struct {
		Skellytour       ToolConfig `yaml:"skellytour"`
		TotalSegmentator ToolConfig `yaml:"totalSegmentator"`
	} `yaml:"tools"`

	// Runner parameters
	Runner struct {
		// TailLines is how many trailing output lines are kept for failure reports
		TailLines int `yaml:"tailLines"`

		// CancelGrace is how long a cancelled tool may take to exit before it is killed
		CancelGrace time.Duration `yaml:"cancelGrace"`
	} `yaml:"runner"`

	// Defaults used by the command line when flags are omitted
	Defaults struct {
		Method  string `yaml:"method"`
		Quality string `yaml:"quality"`
		Device  string `yaml:"device"`
		Task    string `yaml:"task"`
	} `yaml:"defaults"`

	// Logging parameters
	Logging struct {
		// Level is a zap level name (debug, info, warn, error)
		Level string `yaml:"level"`

		// Development switches to the human readable console encoder
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Tools.Skellytour.Command = "skellytour"
	cfg.Tools.TotalSegmentator.Command = "TotalSegmentator"

	cfg.Runner.TailLines = 50
	cfg.Runner.CancelGrace = 10 * time.Second

	cfg.Defaults.Method = "skellytour"
	cfg.Defaults.Quality = "medium"
	cfg.Defaults.Device = "gpu"
	cfg.Defaults.Task = "total"

	cfg.Logging.Level = "info"

	return cfg
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.NumCores < 1 {
		errs = append(errs, fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores))
	}
	if c.Tools.Skellytour.Command == "" {
		errs = append(errs, errors.New("tools.skellytour.command is empty"))
	}
	if c.Tools.TotalSegmentator.Command == "" {
		errs = append(errs, errors.New("tools.totalSegmentator.command is empty"))
	}
	if c.Runner.TailLines < 1 {
		errs = append(errs, fmt.Errorf("runner.tailLines must be at least 1, got %d", c.Runner.TailLines))
	}
	if c.Runner.CancelGrace < 0 {
		errs = append(errs, fmt.Errorf("runner.cancelGrace must not be negative, got %s", c.Runner.CancelGrace))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
