// Package config loads the application configuration from a YAML file with
// environment variable overrides, and parses batch files listing the fluents
// to synthesize.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rulecraft/rulecraft/internal/loop"
	"github.com/rulecraft/rulecraft/internal/models"
)

// Config is the full application configuration.
type Config struct {
	Domain   string            `yaml:"domain"`
	Provider ProviderConfig    `yaml:"provider"`
	SimLP    SimLPConfig       `yaml:"simlp"`
	Loop     models.LoopConfig `yaml:"loop"`
	Memory   MemoryConfig      `yaml:"memory"`
	Archive  ArchiveConfig     `yaml:"archive"`
	Graph    GraphConfig       `yaml:"graph"`
	Logging  LoggingConfig     `yaml:"logging"`
}

// ProviderConfig selects and tunes the inference backend.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	URL               string        `yaml:"url"`
	Model             string        `yaml:"model"`
	ContextSize       int           `yaml:"context_size"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 disables rate limiting
}

// SimLPConfig locates the similarity engine and its optional score cache.
type SimLPConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Cache   CacheConfig   `yaml:"cache"`
}

// CacheConfig tunes the Redis score cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MemoryConfig tunes the rule memory and its snapshot store.
type MemoryConfig struct {
	MinScoreThreshold float64 `yaml:"min_score_threshold"`
	SnapshotPath      string  `yaml:"snapshot_path"` // "" disables snapshots
	SnapshotName      string  `yaml:"snapshot_name"`
}

// ArchiveConfig locates the run archive database.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GraphConfig locates the fluent dependency graph.
type GraphConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AlphaURL string `yaml:"alpha_url"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder instead of JSON
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Domain: "msa",
		Provider: ProviderConfig{
			Name:        "ollama",
			URL:         "http://localhost:11434",
			Model:       "qwen2.5-coder:7b",
			ContextSize: 32768,
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     15 * time.Minute,
		},
		SimLP: SimLPConfig{
			URL:     "http://localhost:8420",
			Timeout: 2 * time.Minute,
			Cache: CacheConfig{
				Addr: "localhost:6379",
				TTL:  24 * time.Hour,
			},
		},
		Loop: *models.DefaultLoopConfig(),
		Memory: MemoryConfig{
			MinScoreThreshold: 0.8,
			SnapshotName:      "default",
		},
		Archive: ArchiveConfig{
			Path: "~/.rulecraft/archive.db",
		},
		Graph: GraphConfig{
			AlphaURL: "localhost:9080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Loop.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	if cfg.Memory.MinScoreThreshold < 0 || cfg.Memory.MinScoreThreshold > 1 {
		return nil, fmt.Errorf("memory min score threshold must be between 0.0 and 1.0, got %g",
			cfg.Memory.MinScoreThreshold)
	}

	return cfg, nil
}

// applyEnv overrides selected fields from the environment. Only the knobs
// that differ per deployment get env hooks; everything else is file-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("RULECRAFT_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("RULECRAFT_OLLAMA_URL"); v != "" {
		c.Provider.URL = v
	}
	if v := os.Getenv("RULECRAFT_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("RULECRAFT_SIMLP_URL"); v != "" {
		c.SimLP.URL = v
	}
	if v := os.Getenv("RULECRAFT_REDIS_ADDR"); v != "" {
		c.SimLP.Cache.Addr = v
		c.SimLP.Cache.Enabled = true
	}
	if v := os.Getenv("RULECRAFT_REDIS_PASSWORD"); v != "" {
		c.SimLP.Cache.Password = v
	}
	if v := os.Getenv("RULECRAFT_DGRAPH_ALPHA"); v != "" {
		c.Graph.AlphaURL = v
		c.Graph.Enabled = true
	}
	if v := os.Getenv("RULECRAFT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RULECRAFT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Loop.MaxIterations = n
		}
	}
}

// BatchFile lists the fluents of one synthesis campaign.
type BatchFile struct {
	Domain        string              `yaml:"domain"`
	StopOnFailure bool                `yaml:"stop_on_failure"`
	Fluents       []loop.FluentConfig `yaml:"fluents"`
}

// LoadBatch parses a batch file and checks every fluent is complete.
func LoadBatch(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var batch BatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}

	if len(batch.Fluents) == 0 {
		return nil, fmt.Errorf("batch file %s lists no fluents", path)
	}
	seen := make(map[string]bool, len(batch.Fluents))
	for i, fc := range batch.Fluents {
		if fc.Name == "" {
			return nil, fmt.Errorf("fluent %d has no name", i)
		}
		if fc.Description == "" {
			return nil, fmt.Errorf("fluent %q has no description", fc.Name)
		}
		if fc.GroundTruth == "" {
			return nil, fmt.Errorf("fluent %q has no ground truth", fc.Name)
		}
		if seen[fc.Name] {
			return nil, fmt.Errorf("duplicate fluent name %q", fc.Name)
		}
		seen[fc.Name] = true
	}

	return &batch, nil
}
