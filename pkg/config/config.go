// Package config loads and validates the roost supervisor configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config holds the full supervisor configuration. Zero values are filled in
// by DefaultConfig; Load applies a yaml file on top of the defaults.
type Config struct {
	// Application identity.
	ApplicationName string `yaml:"applicationName"`
	ApplicationID   string `yaml:"applicationID"`

	// ProcessKind names the worker process; it prefixes generated instance
	// names and the stdout/stderr log files.
	ProcessKind string `yaml:"processKind"`
	// WorkerClass is the main class the launch command invokes.
	WorkerClass string `yaml:"workerClass"`

	// Fleet sizing and per-container resources.
	InitialContainers int `yaml:"initialContainers"`
	ContainerMemoryMB int `yaml:"containerMemoryMB"`
	ContainerCores    int `yaml:"containerCores"`

	// ContainerHostAffinityEnabled makes replacement containers prefer the
	// node of the container they replace, unless the exit status indicates a
	// node failure.
	ContainerHostAffinityEnabled bool `yaml:"containerHostAffinityEnabled"`

	// HelixInstanceMaxRetries caps how many completions a single instance
	// name may accumulate and still be replaced; the completion that takes
	// its count above the cap retires the name. 0 disables the cap.
	HelixInstanceMaxRetries int `yaml:"helixInstanceMaxRetries"`

	// ContainerJVMArgs is appended verbatim to the worker command line.
	ContainerJVMArgs string `yaml:"containerJVMArgs"`
	// ContainerFilesRemote is a comma-separated list of extra remote file
	// URIs to localize into each container.
	ContainerFilesRemote string `yaml:"containerFilesRemote"`

	// Cluster endpoints.
	ResourceManagerURL string `yaml:"resourceManagerURL"`
	NodeManagerPort    int    `yaml:"nodeManagerPort"`
	FilesystemURL      string `yaml:"filesystemURL"`

	// AppWorkDir is the root of the application's work directory on the
	// cluster filesystem. LogDir is the container-side log directory the
	// worker's stdout/stderr redirect into.
	AppWorkDir string `yaml:"appWorkDir"`
	LogDir     string `yaml:"logDir"`

	// SecurityEnabled attaches the packed delegation tokens to every launch
	// context. TokenFile is where the serialized tokens are read from.
	SecurityEnabled bool   `yaml:"securityEnabled"`
	TokenFile       string `yaml:"tokenFile"`

	// AdminListen enables the HTTP admin endpoint when non-empty.
	AdminListen string `yaml:"adminListen"`

	Log LogConfig `yaml:"log"`
}

// DefaultConfig returns a Config with every field the supervisor needs set to
// a workable default.
func DefaultConfig() *Config {
	return &Config{
		ApplicationName:         "roost",
		ProcessKind:             "RoostWorker",
		WorkerClass:             "io.skylift.roost.worker.RoostWorker",
		InitialContainers:       1,
		ContainerMemoryMB:       1024,
		ContainerCores:          1,
		HelixInstanceMaxRetries: 0,
		NodeManagerPort:         8042,
		AppWorkDir:              "/roost",
		LogDir:                  "<LOG_DIR>",
		Log:                     LogConfig{Level: "info"},
	}
}

// Load reads a yaml file on top of DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the supervisor relies on.
func (c *Config) Validate() error {
	if c.ApplicationName == "" {
		return fmt.Errorf("applicationName must not be empty")
	}
	if c.InitialContainers < 0 {
		return fmt.Errorf("initialContainers must be >= 0, got %d", c.InitialContainers)
	}
	if c.ContainerMemoryMB <= 0 {
		return fmt.Errorf("containerMemoryMB must be > 0, got %d", c.ContainerMemoryMB)
	}
	if c.ContainerCores <= 0 {
		return fmt.Errorf("containerCores must be > 0, got %d", c.ContainerCores)
	}
	if c.HelixInstanceMaxRetries < 0 {
		return fmt.Errorf("helixInstanceMaxRetries must be >= 0, got %d", c.HelixInstanceMaxRetries)
	}
	if c.SecurityEnabled && c.TokenFile == "" {
		return fmt.Errorf("tokenFile is required when security is enabled")
	}
	return nil
}
