// Package config handles nornicrules configuration via environment variables
// and an optional YAML file.
//
// Configuration starts from defaults, is overlaid with a YAML file when one is
// given, and finally with environment variables, which always win. Validate
// the result before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("nornicrules.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	log.Printf("Starting with %s", cfg)
//
// Environment Variables:
//
//   - NORNICRULES_STORAGE="badger" or "memory"
//   - NORNICRULES_DATA_DIR="./data"
//   - NORNICRULES_IN_MEMORY=false (badger without a data directory)
//   - NORNICRULES_SYNC_WRITES=false
//   - NORNICRULES_BADGER_MEMTABLE_SIZE="16MB"
//   - NORNICRULES_BADGER_BLOCK_CACHE_SIZE="32MB"
//   - NORNICRULES_RULES_FILE="rules.yaml"
//   - NORNICRULES_MAX_CASCADE_NODES=0 (0 = bounded only by the visited set)
//   - NORNICRULES_METRICS_ENABLED=true
//   - NORNICRULES_LOG_VERBOSE=false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage engine names.
const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

// Config holds all nornicrules configuration.
//
// Configuration is organized into logical sections:
//   - Storage: engine selection and Badger tuning
//   - Rules: rule definition file and evaluation limits
//   - Metrics: Prometheus collectors
//   - Logging: verbosity
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Rules   RulesConfig   `yaml:"rules"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage engine settings.
type StorageConfig struct {
	// Engine is "badger" (default) or "memory"
	Engine string `yaml:"engine"`
	// DataDir is the Badger data directory
	DataDir string `yaml:"data_dir"`
	// InMemory runs Badger without a data directory
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every commit
	SyncWrites bool `yaml:"sync_writes"`

	// MemTableSizeStr is the human-readable memtable size (e.g., "16MB")
	MemTableSizeStr string `yaml:"memtable_size"`
	// MemTableSize is MemTableSizeStr in bytes; 0 = engine default
	MemTableSize int64 `yaml:"-"`
	// BlockCacheSizeStr is the human-readable block cache size
	BlockCacheSizeStr string `yaml:"block_cache_size"`
	// BlockCacheSize is BlockCacheSizeStr in bytes; 0 = engine default
	BlockCacheSize int64 `yaml:"-"`
}

// RulesConfig holds rule engine settings.
type RulesConfig struct {
	// File is a rule definition file loaded at startup (optional)
	File string `yaml:"file"`
	// MaxCascadeNodes bounds nodes per evaluation pass; 0 = unbounded
	MaxCascadeNodes int `yaml:"max_cascade_nodes"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Verbose logs every rule evaluation
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:  EngineBadger,
			DataDir: "./data",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// LoadFromEnv loads configuration from defaults and environment variables.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFile loads defaults, overlays the YAML file at path, then applies
// environment variables. Unknown keys in the file are errors.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Storage.MemTableSize = parseMemorySize(cfg.Storage.MemTableSizeStr)
	cfg.Storage.BlockCacheSize = parseMemorySize(cfg.Storage.BlockCacheSizeStr)

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Engine = strings.ToLower(getEnv("NORNICRULES_STORAGE", c.Storage.Engine))
	c.Storage.DataDir = getEnv("NORNICRULES_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("NORNICRULES_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("NORNICRULES_SYNC_WRITES", c.Storage.SyncWrites)
	if v := os.Getenv("NORNICRULES_BADGER_MEMTABLE_SIZE"); v != "" {
		c.Storage.MemTableSizeStr = v
		c.Storage.MemTableSize = parseMemorySize(v)
	}
	if v := os.Getenv("NORNICRULES_BADGER_BLOCK_CACHE_SIZE"); v != "" {
		c.Storage.BlockCacheSizeStr = v
		c.Storage.BlockCacheSize = parseMemorySize(v)
	}

	c.Rules.File = getEnv("NORNICRULES_RULES_FILE", c.Rules.File)
	c.Rules.MaxCascadeNodes = getEnvInt("NORNICRULES_MAX_CASCADE_NODES", c.Rules.MaxCascadeNodes)

	c.Metrics.Enabled = getEnvBool("NORNICRULES_METRICS_ENABLED", c.Metrics.Enabled)
	c.Logging.Verbose = getEnvBool("NORNICRULES_LOG_VERBOSE", c.Logging.Verbose)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineBadger:
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return fmt.Errorf("badger storage needs a data directory or in-memory mode")
		}
	case EngineMemory:
	default:
		return fmt.Errorf("unknown storage engine: %q", c.Storage.Engine)
	}

	if c.Storage.MemTableSizeStr != "" && c.Storage.MemTableSize <= 0 {
		return fmt.Errorf("invalid memtable size: %q", c.Storage.MemTableSizeStr)
	}
	if c.Storage.BlockCacheSizeStr != "" && c.Storage.BlockCacheSize <= 0 {
		return fmt.Errorf("invalid block cache size: %q", c.Storage.BlockCacheSizeStr)
	}
	if c.Rules.MaxCascadeNodes < 0 {
		return fmt.Errorf("invalid max cascade nodes: %d", c.Rules.MaxCascadeNodes)
	}
	return nil
}

// String returns a compact representation of the Config, safe for logging.
//
// Example:
//
//	log.Printf("Starting with config: %s", cfg)
//	// Output: Config{Storage: badger, DataDir: ./data, InMemory: false, Rules: rules.yaml, MaxCascade: 0, Metrics: true}
func (c *Config) String() string {
	s := fmt.Sprintf(
		"Config{Storage: %s, DataDir: %s, InMemory: %v, Rules: %s, MaxCascade: %d, Metrics: %v",
		c.Storage.Engine, c.Storage.DataDir, c.Storage.InMemory,
		c.Rules.File, c.Rules.MaxCascadeNodes, c.Metrics.Enabled,
	)
	if c.Storage.MemTableSize > 0 {
		s += ", MemTable: " + FormatMemorySize(c.Storage.MemTableSize)
	}
	return s + "}"
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
