// worker.go implements the YAML configuration of the remote compaction
// worker.
package options

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// WorkerConfig configures the remote compaction worker process.
type WorkerConfig struct {
	// ListenAddress is the gRPC listen address.
	ListenAddress string `yaml:"listen_address"`

	// DBPath is where the worker finds input files and OPTIONS files.
	DBPath string `yaml:"db_path"`

	// OutputRoot is the directory under which each job gets its own output
	// directory.
	OutputRoot string `yaml:"output_root"`

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `yaml:"metrics_address"`

	LogLevel string `yaml:"log_level"`

	// MaxBackgroundCompactions bounds concurrent jobs on the worker.
	MaxBackgroundCompactions int `yaml:"max_background_compactions"`
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ListenAddress:            "127.0.0.1:7070",
		LogLevel:                 "info",
		MaxBackgroundCompactions: 4,
	}
}

// ParseWorkerConfig decodes YAML over the defaults.
func ParseWorkerConfig(data []byte) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("options: parse worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// LoadWorkerConfig reads and parses the YAML file at path.
func LoadWorkerConfig(fs vfs.FS, path string) (WorkerConfig, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return WorkerConfig{}, err
	}
	return ParseWorkerConfig(data)
}

// Validate checks required fields.
func (c WorkerConfig) Validate() error {
	if c.DBPath == "" {
		return errors.New("options: worker config: db_path is required")
	}
	if c.OutputRoot == "" {
		return errors.New("options: worker config: output_root is required")
	}
	if c.MaxBackgroundCompactions < 1 {
		return fmt.Errorf("options: worker config: max_background_compactions must be positive, got %d", c.MaxBackgroundCompactions)
	}
	return nil
}
