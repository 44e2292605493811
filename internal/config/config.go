package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `json:"address"`
	AuthRequired bool   `json:"auth_required"`
	MCPEnabled   bool   `json:"mcp_enabled"`
}

// KernelConfig holds kernel session settings
type KernelConfig struct {
	Path             string `json:"path"`    // kernel executable; empty = $WOLFRAM_KERNEL_PATH or PATH lookup
	Binding          string `json:"binding"` // "process" or "docker"
	Image            string `json:"image"`   // container image for the docker binding
	DefaultTimeoutS  int    `json:"default_timeout_s"`
	MaxTimeoutS      int    `json:"max_timeout_s"`
	MaxRetries       int    `json:"max_retries"`
	BackoffBaseMs    int    `json:"backoff_base_ms"`
	IdleTimeoutS     int    `json:"idle_timeout_s"`
	TerminateGraceMs int    `json:"terminate_grace_ms"`
}

// SecurityConfig holds code screening settings
type SecurityConfig struct {
	StrictMode   bool `json:"strict_mode"`
	MaxCodeBytes int  `json:"max_code_bytes"`
}

// LimitsConfig holds per-token request throttling settings
type LimitsConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// Config is the full wolframd configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Kernel   KernelConfig   `json:"kernel"`
	Security SecurityConfig `json:"security"`
	Limits   LimitsConfig   `json:"limits"`
}

// Default returns the built-in configuration defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8730",
			AuthRequired: false,
			MCPEnabled:   true,
		},
		Kernel: KernelConfig{
			Binding:          "process",
			Image:            "wolframresearch/wolframengine",
			DefaultTimeoutS:  30,
			MaxTimeoutS:      300,
			MaxRetries:       3,
			BackoffBaseMs:    1000,
			IdleTimeoutS:     300,
			TerminateGraceMs: 3000,
		},
		Security: SecurityConfig{
			StrictMode:   true,
			MaxCodeBytes: 50 * 1024,
		},
		Limits: LimitsConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// FindConfigPath locates wolframd.jsonc with precedence:
// 1. explicit configDir
// 2. ./config/wolframd.jsonc (project-local)
// 3. ~/.wolframd/config/wolframd.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "wolframd.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("wolframd.jsonc not found in %s", configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", "wolframd.jsonc"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".wolframd", "config", "wolframd.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("wolframd.jsonc not found; tried: %v", candidates)
}

// Load reads wolframd.jsonc from configDir, falling back to defaults when the
// file is absent, then applies environment overrides.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path, err := FindConfigPath(configDir)
	if err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("WOLFRAM_KERNEL_PATH"); v != "" {
		c.Kernel.Path = v
	}
	if v := os.Getenv("WOLFRAMD_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("WOLFRAMD_KERNEL_BINDING"); v != "" {
		c.Kernel.Binding = v
	}
	if v := os.Getenv("WOLFRAMD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Kernel.MaxRetries = n
		}
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Kernel.Binding {
	case "process", "docker":
	default:
		return fmt.Errorf("invalid kernel.binding %q (want \"process\" or \"docker\")", c.Kernel.Binding)
	}
	if c.Kernel.MaxRetries < 1 {
		return fmt.Errorf("kernel.max_retries must be at least 1")
	}
	if c.Kernel.DefaultTimeoutS < 1 || c.Kernel.DefaultTimeoutS > c.Kernel.MaxTimeoutS {
		return fmt.Errorf("kernel.default_timeout_s must be in [1, max_timeout_s]")
	}
	if c.Limits.RequestsPerSecond <= 0 || c.Limits.Burst < 1 {
		return fmt.Errorf("limits.requests_per_second and limits.burst must be positive")
	}
	return nil
}

// DefaultTimeout returns the default per-request timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Kernel.DefaultTimeoutS) * time.Second
}

// MaxTimeout returns the maximum per-request timeout as a duration
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Kernel.MaxTimeoutS) * time.Second
}

// IdleTimeout returns the idle-session teardown threshold as a duration
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Kernel.IdleTimeoutS) * time.Second
}

// BackoffBase returns the retry backoff base unit as a duration
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Kernel.BackoffBaseMs) * time.Millisecond
}

// TerminateGrace returns the grace period for kernel shutdown
func (c *Config) TerminateGrace() time.Duration {
	return time.Duration(c.Kernel.TerminateGraceMs) * time.Millisecond
}
