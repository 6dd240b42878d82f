// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the auditor's configuration: built-in defaults,
// then an optional YAML file, then environment variable overrides. The
// loaded config is validated before use, and production guards reject
// any setting that would let the service fake a verdict.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is checked when no explicit path is given.
const DefaultConfigPath = "~/.ganauditor/ganauditor.yaml"

// Config is the full service configuration.
type Config struct {
	// Enabled gates auditing. Env: ENABLE_GAN_AUDITING.
	Enabled bool `yaml:"enabled"`

	// StateDir holds session files. Default ".mcp-gan-state".
	StateDir string `yaml:"stateDir"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`

	// Judge configures the external reviewer.
	Judge JudgeConfig `yaml:"judge"`

	// Process configures the subprocess pool.
	Process ProcessConfig `yaml:"process"`

	// Completion configures the tiered termination policy.
	Completion CompletionConfig `yaml:"completion"`

	// ContextTokenBudget caps repository context packs, in estimated
	// tokens. Zero uses the builder default.
	ContextTokenBudget int `yaml:"contextTokenBudget" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir receives log files. Empty logs to stderr only.
	Dir string `yaml:"dir"`

	// JSON switches file output to JSON lines.
	JSON bool `yaml:"json"`
}

// JudgeConfig configures the external reviewer CLI.
type JudgeConfig struct {
	// Executable is the binary name or full path. Env: CODEX_EXECUTABLE.
	Executable string `yaml:"executable" validate:"required"`

	// ExtraPaths are additional directories searched after PATH.
	// Env: CODEX_EXECUTABLE_PATHS (path-list separated).
	ExtraPaths []string `yaml:"extraPaths"`

	// Timeout is the per-invocation deadline. Env: CODEX_TIMEOUT
	// (seconds, or a Go duration string).
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MaxRetries bounds transient-error retries. Env: CODEX_MAX_RETRIES.
	MaxRetries int `yaml:"maxRetries" validate:"gte=0,lte=10"`

	// RetryDelay is the backoff base. Env: CODEX_RETRY_DELAY.
	RetryDelay time.Duration `yaml:"retryDelay" validate:"gt=0"`

	// FailFast surfaces judge failures immediately. Env: CODEX_FAIL_FAST.
	// Must be true in production.
	FailFast bool `yaml:"failFast"`

	// AllowMockFallback must be false; true fails validation.
	// Env: CODEX_ALLOW_MOCK_FALLBACK.
	AllowMockFallback bool `yaml:"allowMockFallback"`

	// RequireAvailable fails startup when discovery fails.
	// Env: CODEX_REQUIRE_AVAILABLE.
	RequireAvailable bool `yaml:"requireAvailable"`

	// ValidateOnStartup runs discovery at startup instead of lazily.
	// Env: CODEX_VALIDATE_ON_STARTUP.
	ValidateOnStartup bool `yaml:"validateOnStartup"`

	// SystemPromptFile, when set, is read and embedded in every prompt,
	// enabling prompt-aware (--enhanced) invocations.
	SystemPromptFile string `yaml:"systemPromptFile"`
}

// ProcessConfig configures the subprocess pool.
type ProcessConfig struct {
	// MaxConcurrent bounds concurrent judge subprocesses.
	// Env: CODEX_MAX_CONCURRENT_PROCESSES.
	MaxConcurrent int `yaml:"maxConcurrent" validate:"gte=1,lte=64"`

	// CleanupTimeout is the SIGTERM-to-SIGKILL grace period.
	// Env: CODEX_PROCESS_CLEANUP_TIMEOUT.
	CleanupTimeout time.Duration `yaml:"cleanupTimeout" validate:"gt=0"`

	// QueueTimeout bounds the wait for an execution slot.
	QueueTimeout time.Duration `yaml:"queueTimeout" validate:"gt=0"`
}

// CompletionConfig configures the tier table and loop breakers.
type CompletionConfig struct {
	// Tier1/2/3 pair a score floor with a loop floor; both must be met.
	// Env: SYNC_AUDIT_TIER{1,2,3}_{SCORE,LOOPS}.
	Tier1Score int `yaml:"tier1Score" validate:"gte=0,lte=100"`
	Tier1Loops int `yaml:"tier1Loops" validate:"gte=1"`
	Tier2Score int `yaml:"tier2Score" validate:"gte=0,lte=100"`
	Tier2Loops int `yaml:"tier2Loops" validate:"gte=1"`
	Tier3Score int `yaml:"tier3Score" validate:"gte=0,lte=100"`
	Tier3Loops int `yaml:"tier3Loops" validate:"gte=1"`

	// HardStopLoops terminates unconditionally.
	// Env: SYNC_AUDIT_HARD_STOP_LOOPS.
	HardStopLoops int `yaml:"hardStopLoops" validate:"gte=1"`

	// StagnationStartLoop is the first loop stagnation is checked.
	// Env: SYNC_AUDIT_STAGNATION_START_LOOP.
	StagnationStartLoop int `yaml:"stagnationStartLoop" validate:"gte=1"`

	// StagnationThreshold is the candidate similarity cutoff, (0,1].
	// Env: SYNC_AUDIT_STAGNATION_THRESHOLD.
	StagnationThreshold float64 `yaml:"stagnationThreshold" validate:"gt=0,lte=1"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Enabled:  false,
		StateDir: ".mcp-gan-state",
		Log: LogConfig{
			Level: "info",
		},
		Judge: JudgeConfig{
			Executable:        "codex",
			Timeout:           30 * time.Second,
			MaxRetries:        1,
			RetryDelay:        time.Second,
			FailFast:          true,
			ValidateOnStartup: true,
		},
		Process: ProcessConfig{
			MaxConcurrent:  4,
			CleanupTimeout: 5 * time.Second,
			QueueTimeout:   30 * time.Second,
		},
		Completion: CompletionConfig{
			Tier1Score: 95, Tier1Loops: 10,
			Tier2Score: 90, Tier2Loops: 15,
			Tier3Score: 85, Tier3Loops: 20,
			HardStopLoops:       25,
			StagnationStartLoop: 10,
			StagnationThreshold: 0.95,
		},
	}
}

// Load builds the effective config: defaults, then the YAML file at path
// (or DefaultConfigPath when path is empty; a missing default file is
// fine), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath
	}
	path = expandPath(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file, defaults stand.
	default:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Unset
// variables leave the current value; malformed values are ignored.
func (c *Config) applyEnv() {
	envBool("ENABLE_GAN_AUDITING", &c.Enabled)

	envString("CODEX_EXECUTABLE", &c.Judge.Executable)
	if v := os.Getenv("CODEX_EXECUTABLE_PATHS"); v != "" {
		c.Judge.ExtraPaths = splitPathList(v)
	}
	envDuration("CODEX_TIMEOUT", &c.Judge.Timeout)
	envInt("CODEX_MAX_RETRIES", &c.Judge.MaxRetries)
	envDuration("CODEX_RETRY_DELAY", &c.Judge.RetryDelay)
	envBool("CODEX_FAIL_FAST", &c.Judge.FailFast)
	envBool("CODEX_ALLOW_MOCK_FALLBACK", &c.Judge.AllowMockFallback)
	envBool("CODEX_REQUIRE_AVAILABLE", &c.Judge.RequireAvailable)
	envBool("CODEX_VALIDATE_ON_STARTUP", &c.Judge.ValidateOnStartup)

	envInt("CODEX_MAX_CONCURRENT_PROCESSES", &c.Process.MaxConcurrent)
	envDuration("CODEX_PROCESS_CLEANUP_TIMEOUT", &c.Process.CleanupTimeout)

	envInt("SYNC_AUDIT_TIER1_SCORE", &c.Completion.Tier1Score)
	envInt("SYNC_AUDIT_TIER1_LOOPS", &c.Completion.Tier1Loops)
	envInt("SYNC_AUDIT_TIER2_SCORE", &c.Completion.Tier2Score)
	envInt("SYNC_AUDIT_TIER2_LOOPS", &c.Completion.Tier2Loops)
	envInt("SYNC_AUDIT_TIER3_SCORE", &c.Completion.Tier3Score)
	envInt("SYNC_AUDIT_TIER3_LOOPS", &c.Completion.Tier3Loops)
	envInt("SYNC_AUDIT_HARD_STOP_LOOPS", &c.Completion.HardStopLoops)
	envInt("SYNC_AUDIT_STAGNATION_START_LOOP", &c.Completion.StagnationStartLoop)
	envFloat("SYNC_AUDIT_STAGNATION_THRESHOLD", &c.Completion.StagnationThreshold)
}

// Validate checks field constraints and the production guards.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Judge.AllowMockFallback {
		return fmt.Errorf("config: CODEX_ALLOW_MOCK_FALLBACK must be false; this service never fabricates verdicts")
	}
	if !c.Judge.FailFast {
		return fmt.Errorf("config: CODEX_FAIL_FAST must be true; judge failures must surface, not degrade")
	}
	if c.Completion.Tier1Score < c.Completion.Tier2Score || c.Completion.Tier2Score < c.Completion.Tier3Score {
		return fmt.Errorf("config: tier scores must be non-increasing (tier1 >= tier2 >= tier3)")
	}
	if c.Completion.Tier1Loops > c.Completion.Tier2Loops || c.Completion.Tier2Loops > c.Completion.Tier3Loops {
		return fmt.Errorf("config: tier loops must be non-decreasing (tier1 <= tier2 <= tier3)")
	}
	if c.Completion.HardStopLoops <= c.Completion.Tier3Loops {
		return fmt.Errorf("config: hard stop must exceed the tier3 loop floor")
	}
	return nil
}

// SystemPrompt reads the configured prompt file, if any.
func (c *Config) SystemPrompt() (string, error) {
	if c.Judge.SystemPromptFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(expandPath(c.Judge.SystemPromptFile))
	if err != nil {
		return "", fmt.Errorf("config: reading system prompt: %w", err)
	}
	return string(data), nil
}

// =============================================================================
// Env helpers
// =============================================================================

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// envDuration accepts a Go duration string or a bare number of seconds.
func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}

func splitPathList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandPath resolves a leading ~ against the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
