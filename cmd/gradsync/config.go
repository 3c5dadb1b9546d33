package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the gradsync configuration file (~/.config/gradsync/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Simulation defaults
	Communicator   string `yaml:"communicator"`
	AllreduceDType string `yaml:"allreduce_dtype"`
	Steps          *int64 `yaml:"steps"`
	Seed           *int64 `yaml:"seed"`
	MemoryLimit    string `yaml:"memory_limit"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxRanks      *int64 `yaml:"max_ranks"`
	MaxElements   *int64 `yaml:"max_elements"`
	KeepResults   *int64 `yaml:"keep_results"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gradsync", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applySimulateConfig applies config file defaults to simulate command variables
// when the corresponding CLI flag was not explicitly set.
func applySimulateConfig(c *cli.Command, cfg Config, o *simulateOptions) {
	if cfg.Communicator != "" && !c.IsSet("communicator") {
		o.communicator = cfg.Communicator
	}
	if cfg.AllreduceDType != "" && !c.IsSet("allreduce-dtype") {
		o.allreduceDType = cfg.AllreduceDType
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		o.steps = *cfg.Steps
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	if cfg.MemoryLimit != "" && !c.IsSet("memory-limit") {
		o.memoryLimit = cfg.MemoryLimit
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxRanks, maxElems, keep *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxRanks != nil && !c.IsSet("max-ranks") {
		*maxRanks = *cfg.MaxRanks
	}
	if cfg.MaxElements != nil && !c.IsSet("max-elements") {
		*maxElems = *cfg.MaxElements
	}
	if cfg.KeepResults != nil && !c.IsSet("keep") {
		*keep = *cfg.KeepResults
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
