// Package config defines the overseer configuration schema with explicit
// per-component sections and enumerated defaults. Configuration is loaded
// from .overseer/config.yaml in the workspace; absent file means defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all overseer configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Validator    ValidatorConfig    `yaml:"validator"`
	Journal      JournalConfig      `yaml:"journal"`
	Memory       MemoryConfig       `yaml:"memory"`
	Tasks        TasksConfig        `yaml:"tasks"`
	Guardrail    GuardrailConfig    `yaml:"guardrail"`
	Delegate     DelegateConfig     `yaml:"delegate"`
	Hierarchy    HierarchyConfig    `yaml:"hierarchy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ValidatorConfig configures the input validator.
type ValidatorConfig struct {
	// Mode is "enforce" (reject on threat) or "audit" (report only).
	Mode          string   `yaml:"mode"`
	ThreatLogSize int      `yaml:"threat_log_size"`
	// AllowedCommands is the explicit command allowlist. Entries may be
	// multi-word ("git status").
	AllowedCommands []string `yaml:"allowed_commands"`
}

// JournalConfig configures the state journal.
type JournalConfig struct {
	StatePath  string `yaml:"state_path"`  // project-state.json location
	MaxBackups int    `yaml:"max_backups"` // rolling backup count
}

// MemoryConfig configures the embedded memory store.
type MemoryConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// TasksConfig configures the task store.
type TasksConfig struct {
	FilePath       string       `yaml:"file_path"` // tasks.json location
	GraphDepth     int          `yaml:"graph_depth"`
	WatchFile      bool         `yaml:"watch_file"`
	Shadow         ShadowConfig `yaml:"shadow"`
}

// ShadowConfig configures the dual-backend consistency monitor.
type ShadowConfig struct {
	Enabled        bool    `yaml:"enabled"`
	DatabasePath   string  `yaml:"database_path"`
	MaxDivergences int     `yaml:"max_divergences"`
	LatencyRing    int     `yaml:"latency_ring"`
	// P99CeilingMs is the save-latency ceiling for health scoring.
	P99CeilingMs int `yaml:"p99_ceiling_ms"`
}

// GuardrailConfig configures the human-in-the-loop detector.
type GuardrailConfig struct {
	Threshold              float64 `yaml:"threshold"`
	AdaptiveThreshold      bool    `yaml:"adaptive_threshold"`
	MinDetectionsForAdapt  int     `yaml:"min_detections_for_adapt"`
	DetectionCap           int     `yaml:"detection_cap"`
	LearnedBaseConfidence  float64 `yaml:"learned_base_confidence"`
	LearnedConfidenceCap   float64 `yaml:"learned_confidence_cap"`
}

// DelegateConfig configures the delegation engine.
type DelegateConfig struct {
	MaxAgents      int    `yaml:"max_agents"`
	DefaultPattern string `yaml:"default_pattern"`
}

// HierarchyConfig configures the subprocess hierarchy runtime.
type HierarchyConfig struct {
	AgentBinary string      `yaml:"agent_binary"` // external agent executable
	Pool        PoolConfig  `yaml:"pool"`
	Cache       CacheConfig `yaml:"cache"`
}

// PoolConfig configures the warm agent pool.
type PoolConfig struct {
	MinSize           int           `yaml:"min_size"`
	MaxSize           int           `yaml:"max_size"`
	WarmupInterval    time.Duration `yaml:"warmup_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CheckoutTimeout   time.Duration `yaml:"checkout_timeout"`
	RecycleAfterUses  int           `yaml:"recycle_after_uses"`
}

// CacheConfig configures the shared context cache.
type CacheConfig struct {
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	MaxEntries     int           `yaml:"max_entries"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
}

// OrchestratorConfig configures the outer supervisor loop.
type OrchestratorConfig struct {
	Phase         string        `yaml:"phase"`
	IdleInterval  time.Duration `yaml:"idle_interval"`
	HumanOverride bool          `yaml:"human_override"`
}

// LoggingConfig mirrors internal/logging's view of the config file.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// Default returns the full default configuration rooted at workspace.
func Default(workspace string) *Config {
	dir := filepath.Join(workspace, ".overseer")
	return &Config{
		Name:    "overseer",
		Version: "1.0",
		Validator: ValidatorConfig{
			Mode:          "enforce",
			ThreatLogSize: 100,
			AllowedCommands: []string{
				"npm", "npx", "jest", "node", "go", "ls", "cat", "pwd",
				"git status", "git diff", "git log",
			},
		},
		Journal: JournalConfig{
			StatePath:  filepath.Join(dir, "project-state.json"),
			MaxBackups: 10,
		},
		Memory: MemoryConfig{
			DatabasePath: filepath.Join(dir, "memory.db"),
		},
		Tasks: TasksConfig{
			FilePath:   filepath.Join(workspace, "tasks.json"),
			GraphDepth: 10,
			WatchFile:  false,
			Shadow: ShadowConfig{
				Enabled:        false,
				DatabasePath:   filepath.Join(dir, "tasks-shadow.db"),
				MaxDivergences: 50,
				LatencyRing:    100,
				P99CeilingMs:   250,
			},
		},
		Guardrail: GuardrailConfig{
			Threshold:             0.70,
			AdaptiveThreshold:     true,
			MinDetectionsForAdapt: 10,
			DetectionCap:          500,
			LearnedBaseConfidence: 0.60,
			LearnedConfidenceCap:  0.85,
		},
		Delegate: DelegateConfig{
			MaxAgents:      8,
			DefaultPattern: "parallel",
		},
		Hierarchy: HierarchyConfig{
			AgentBinary: "agent",
			Pool: PoolConfig{
				MinSize:          2,
				MaxSize:          8,
				WarmupInterval:   30 * time.Second,
				IdleTimeout:      5 * time.Minute,
				CheckoutTimeout:  10 * time.Second,
				RecycleAfterUses: 20,
			},
			Cache: CacheConfig{
				MaxMemoryBytes: 50 * 1024 * 1024,
				MaxEntries:     1000,
				DefaultTTL:     5 * time.Minute,
			},
		},
		Orchestrator: OrchestratorConfig{
			Phase:        "implementation",
			IdleInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads .overseer/config.yaml under workspace, overlaying the defaults.
// A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)
	path := filepath.Join(workspace, ".overseer", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config back to .overseer/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".overseer")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// applyEnvOverrides applies a small set of OVERSEER_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OVERSEER_VALIDATOR_MODE"); v != "" {
		cfg.Validator.Mode = v
	}
	if v := os.Getenv("OVERSEER_PHASE"); v != "" {
		cfg.Orchestrator.Phase = v
	}
	if v := os.Getenv("OVERSEER_AGENT_BINARY"); v != "" {
		cfg.Hierarchy.AgentBinary = v
	}
	if v := os.Getenv("OVERSEER_SHADOW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tasks.Shadow.Enabled = b
		}
	}
	if v := os.Getenv("OVERSEER_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
}
