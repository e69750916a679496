// Package config loads and validates the routefs configuration from YAML
// and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Stores      StoresConfig      `yaml:"stores"`
	PostProcess PostProcessConfig `yaml:"postprocess"`
	Mount       MountConfig       `yaml:"mount"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StoresConfig declares the backing store layout. MetaRoot is where the
// indexes live; DataRoot is the cold tier and the directory namespace;
// StagingRoot is the hot tier and default route destination. Empty tier
// roots default to
// <meta_root>/data and <meta_root>/staging at mount time.
type StoresConfig struct {
	MetaRoot        string   `yaml:"meta_root"`
	DataRoot        string   `yaml:"data_root"`
	StagingRoot     string   `yaml:"staging_root"`
	AdditionalRoots []string `yaml:"additional_roots"`
	CacheMode       bool     `yaml:"cache_mode"`
}

// PostProcessConfig tunes the background post-processor.
type PostProcessConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MountConfig represents FUSE mount settings.
type MountConfig struct {
	FSName     string `yaml:"fsname"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
	MaxWrite   int    `yaml:"max_write"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 0,
		},
		Stores: StoresConfig{
			CacheMode: true,
		},
		PostProcess: PostProcessConfig{
			Interval: 30 * time.Second,
		},
		Mount: MountConfig{
			FSName:   "routefs",
			MaxWrite: 128 * 1024,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies ROUTEFS_* environment overrides.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("ROUTEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("ROUTEFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("ROUTEFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("ROUTEFS_CACHE_MODE"); val != "" {
		c.Stores.CacheMode = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ROUTEFS_PP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.PostProcess.Interval = d
		}
	}
}

// ApplyRoot binds the CLI root directory: it becomes the meta root, and the
// unset tier roots default to <root>/data and <root>/staging.
func (c *Configuration) ApplyRoot(root string) {
	c.Stores.MetaRoot = root
	if c.Stores.DataRoot == "" {
		c.Stores.DataRoot = filepath.Join(root, "data")
	}
	if c.Stores.StagingRoot == "" {
		c.Stores.StagingRoot = filepath.Join(root, "staging")
	}
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Stores.MetaRoot == "" {
		return fmt.Errorf("stores.meta_root must be set")
	}
	if c.Stores.DataRoot == "" || c.Stores.StagingRoot == "" {
		return fmt.Errorf("stores.data_root and stores.staging_root must be set")
	}
	if c.Stores.DataRoot == c.Stores.StagingRoot {
		return fmt.Errorf("stores.data_root and stores.staging_root cannot be the same")
	}
	if c.PostProcess.Interval <= 0 {
		return fmt.Errorf("postprocess.interval must be positive")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
